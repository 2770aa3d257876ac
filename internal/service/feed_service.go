package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedmedia/internal/domain"
)

// MetadataRecorder persists the record of a finalized upload. Recording the same
// object again must not create a second post; the stored post id is written back.
type MetadataRecorder interface {
	Create(ctx context.Context, post *domain.Post) error
}

// FeedNotifier announces new posts.
type FeedNotifier interface {
	PublishFeedCreated(ctx context.Context, event domain.FeedCreatedEvent) error
}

// FeedUploadStatus describes what an /uploadFeed call achieved.
type FeedUploadStatus int

const (
	FeedCreated FeedUploadStatus = iota
	ChunkStaged
	UploadInProgress
)

// FeedUploadResult is returned by UploadFeed.
type FeedUploadResult struct {
	Status FeedUploadStatus
	Post   *domain.Post
}

// FeedService turns uploaded media into posts.
type FeedService struct {
	uploads  *UploadCoordinator
	recorder MetadataRecorder
	notifier FeedNotifier
}

// NewFeedService creates the service. notifier may be nil.
func NewFeedService(uploads *UploadCoordinator, recorder MetadataRecorder, notifier FeedNotifier) *FeedService {
	return &FeedService{
		uploads:  uploads,
		recorder: recorder,
		notifier: notifier,
	}
}

// UploadFeed stores the media of req (whole or one chunk of it) and, once the
// object is complete, records the post.
func (s *FeedService) UploadFeed(ctx context.Context, req domain.FeedUpload) (*FeedUploadResult, error) {
	if err := validateFeedUpload(req); err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(req.FileName)
	}

	if !req.Chunked() {
		obj, err := s.uploads.Upload(ctx, req.FileName, req.Data, contentType)
		if err != nil {
			return nil, err
		}
		return s.record(ctx, req, obj)
	}

	key := SessionKey(req.UserID, req.FileName)
	total := *req.TotalChunks

	session, err := s.uploads.Open(ctx, key, req.FileName, total, contentType)
	if err != nil {
		return nil, err
	}
	if session.State != domain.SessionOpen {
		return s.resume(ctx, req, key, session)
	}

	session, err = s.uploads.StageChunk(ctx, key, domain.Chunk{
		Index:       *req.ChunkIndex,
		Total:       total,
		Data:        req.Data,
		ContentType: contentType,
	})
	if errors.Is(err, domain.ErrAlreadyCommitted) {
		return s.resumeKey(ctx, req, key)
	}
	if err != nil {
		return nil, err
	}
	if !session.Complete() {
		return &FeedUploadResult{Status: ChunkStaged}, nil
	}

	obj, err := s.uploads.TryCommit(ctx, key)
	switch {
	case errors.Is(err, domain.ErrAlreadyCommitted):
		return s.resumeKey(ctx, req, key)
	case errors.Is(err, domain.ErrIncompleteUpload):
		return &FeedUploadResult{Status: ChunkStaged}, nil
	case err != nil:
		return nil, err
	}
	return s.finish(ctx, req, key, obj)
}

// resumeKey reloads the session after losing a race to another request.
func (s *FeedService) resumeKey(ctx context.Context, req domain.FeedUpload, key string) (*FeedUploadResult, error) {
	session, err := s.uploads.Session(ctx, key)
	if errors.Is(err, domain.ErrSessionNotFound) {
		// the winner already recorded the post and closed the session
		return &FeedUploadResult{Status: UploadInProgress}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.resume(ctx, req, key, session)
}

// resume handles a request for a session that is no longer open. A committed
// session whose post was not recorded yet is recorded now, so a client retrying
// after a failed database write gets its post.
func (s *FeedService) resume(ctx context.Context, req domain.FeedUpload, key string, session *domain.UploadSession) (*FeedUploadResult, error) {
	if session.State != domain.SessionCommitted || session.Result == nil {
		return &FeedUploadResult{Status: UploadInProgress}, nil
	}
	log.Printf("[Feed] recording committed upload %s for session %s", session.ObjectName, key)
	return s.finish(ctx, req, key, session.Result)
}

func (s *FeedService) finish(ctx context.Context, req domain.FeedUpload, key string, obj *domain.FinalizedObject) (*FeedUploadResult, error) {
	result, err := s.record(ctx, req, obj)
	if err != nil {
		return nil, err
	}
	if err := s.uploads.Close(ctx, key); err != nil {
		log.Printf("[Feed] failed to close upload session %s: %v", key, err)
	}
	return result, nil
}

func (s *FeedService) record(ctx context.Context, req domain.FeedUpload, obj *domain.FinalizedObject) (*FeedUploadResult, error) {
	post := &domain.Post{
		PostID:         uuid.New(),
		AuthorID:       req.UserID,
		AuthorUsername: req.UserName,
		Title:          req.ProfilePic,
		Caption:        req.Description,
		Content:        obj.URL,
		ObjectName:     obj.ObjectName,
		ContentType:    obj.ContentType,
		SizeBytes:      obj.Size,
		CreatedAt:      obj.CreatedAt,
	}

	if err := s.recorder.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to record post for %s: %w", obj.ObjectName, err)
	}
	log.Printf("[Feed] post %s created for user %s (%s)", post.PostID, post.AuthorID, post.ObjectName)

	if s.notifier != nil {
		event := domain.FeedCreatedEvent{
			EventID:   uuid.NewString(),
			PostID:    post.PostID.String(),
			AuthorID:  post.AuthorID,
			FeedURL:   post.Content,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.notifier.PublishFeedCreated(ctx, event); err != nil {
			log.Printf("[Feed] failed to publish feed notification for %s: %v", post.PostID, err)
		}
	}

	return &FeedUploadResult{Status: FeedCreated, Post: post}, nil
}

// SessionKey scopes an upload session to the user and the file being uploaded.
func SessionKey(userID, fileName string) string {
	return userID + "/" + cleanObjectName(fileName)
}

func validateFeedUpload(req domain.FeedUpload) error {
	var missing []string
	if !req.HasFile {
		missing = append(missing, "file")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "userId")
	}
	if cleanObjectName(req.FileName) == "" {
		missing = append(missing, "fileName")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	if (req.ChunkIndex == nil) != (req.TotalChunks == nil) {
		return fmt.Errorf("%w: chunkIndex and totalChunks must be sent together", domain.ErrValidation)
	}
	return nil
}
