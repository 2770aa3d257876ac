package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/docker/go-units"

	"feedmedia/internal/domain"
)

const DefaultSessionTTL = 24 * time.Hour

// UploadCoordinator stages chunks into the blob store and commits each upload exactly once.
type UploadCoordinator struct {
	store    domain.BlobStore
	sessions SessionStore
	names    *NameResolver
	retrier  *Retrier
	ttl      time.Duration
	now      func() time.Time
}

func NewUploadCoordinator(
	store domain.BlobStore,
	sessions SessionStore,
	names *NameResolver,
	retrier *Retrier,
	ttl time.Duration,
) *UploadCoordinator {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &UploadCoordinator{
		store:    store,
		sessions: sessions,
		names:    names,
		retrier:  retrier,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Open returns the session for sessionKey, creating it on the first chunk.
// The object name is resolved once, when the session is created.
func (c *UploadCoordinator) Open(ctx context.Context, sessionKey, desiredName string, total int, contentType string) (*domain.UploadSession, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: session key is required", domain.ErrValidation)
	}
	if total <= 0 || total > MaxBlockIndex+1 {
		return nil, fmt.Errorf("%w: total chunks %d", domain.ErrInvalidIndex, total)
	}

	session, err := c.sessions.GetOrCreate(ctx, sessionKey, func(ctx context.Context) (*domain.UploadSession, error) {
		objectName, err := c.names.Resolve(ctx, desiredName)
		if err != nil {
			return nil, err
		}
		now := c.now().UTC()
		log.Printf("[Upload] new session %s -> %s (%d chunks)", sessionKey, objectName, total)
		return &domain.UploadSession{
			Key:         sessionKey,
			ObjectName:  objectName,
			TotalChunks: total,
			ContentType: contentType,
			Blocks:      make(map[int]int64),
			State:       domain.SessionOpen,
			CreatedAt:   now,
			ExpiresAt:   now.Add(c.ttl),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if session.TotalChunks != total {
		return nil, fmt.Errorf("%w: session %s expects %d chunks, got %d", domain.ErrInvalidIndex, sessionKey, session.TotalChunks, total)
	}
	return session, nil
}

// StageChunk stores one chunk as its block and marks it staged.
// Staging the same index again overwrites the block.
func (c *UploadCoordinator) StageChunk(ctx context.Context, sessionKey string, chunk domain.Chunk) (*domain.UploadSession, error) {
	if chunk.Total <= 0 || chunk.Index < 0 || chunk.Index >= chunk.Total {
		return nil, fmt.Errorf("%w: index %d of %d", domain.ErrInvalidIndex, chunk.Index, chunk.Total)
	}
	blockID, err := EncodeBlockID(chunk.Index)
	if err != nil {
		return nil, err
	}

	session, err := c.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.TotalChunks != chunk.Total {
		return nil, fmt.Errorf("%w: session %s expects %d chunks, got %d", domain.ErrInvalidIndex, sessionKey, session.TotalChunks, chunk.Total)
	}
	if session.State != domain.SessionOpen {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, sessionKey)
	}

	err = c.retrier.Do(ctx, "stage "+session.ObjectName+"/"+blockID, func(ctx context.Context) error {
		return c.store.Stage(ctx, session.ObjectName, blockID, chunk.Data)
	})
	if err != nil {
		return nil, storeError("stage", err)
	}

	staged, err := c.sessions.MarkStaged(ctx, sessionKey, chunk.Index, int64(len(chunk.Data)), c.now().UTC().Add(c.ttl))
	if errors.Is(err, domain.ErrAlreadyCommitted) {
		// a commit won the race; its cleanup may have run before this block landed
		c.discardAfterCommit(ctx, sessionKey)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	session = staged

	log.Printf("[Upload] staged chunk %d/%d of %s (%s), %d staged",
		chunk.Index+1, chunk.Total, session.ObjectName, units.HumanSize(float64(len(chunk.Data))), len(session.Blocks))
	return session, nil
}

// TryCommit assembles the staged blocks into the final object. Exactly one caller
// per session reaches the store; concurrent callers get ErrAlreadyCommitted.
func (c *UploadCoordinator) TryCommit(ctx context.Context, sessionKey string) (*domain.FinalizedObject, error) {
	session, err := c.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.State != domain.SessionOpen {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, sessionKey)
	}
	if !session.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks staged", domain.ErrIncompleteUpload, len(session.Blocks), session.TotalChunks)
	}

	session, err = c.sessions.BeginCommit(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	blockIDs, err := BlockIDs(session.TotalChunks)
	if err != nil {
		c.abortCommit(sessionKey)
		return nil, err
	}

	var url string
	err = c.retrier.Do(ctx, "commit "+session.ObjectName, func(ctx context.Context) error {
		var err error
		url, err = c.store.Commit(ctx, session.ObjectName, blockIDs, session.ContentType)
		return err
	})
	if err != nil {
		c.abortCommit(sessionKey)
		return nil, storeError("commit", err)
	}

	obj := domain.FinalizedObject{
		ObjectName:  session.ObjectName,
		URL:         url,
		Size:        session.Size(),
		ContentType: session.ContentType,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.sessions.FinishCommit(ctx, sessionKey, obj); err != nil {
		// the object exists; losing the marker only lets the janitor clean the session early
		log.Printf("[Upload] failed to mark session %s committed: %v", sessionKey, err)
	}

	log.Printf("[Upload] committed %s: %d blocks, %s", obj.ObjectName, len(blockIDs), units.HumanSize(float64(obj.Size)))
	return &obj, nil
}

// Upload stores a small object in one call, bypassing staging.
func (c *UploadCoordinator) Upload(ctx context.Context, desiredName string, data []byte, contentType string) (*domain.FinalizedObject, error) {
	objectName, err := c.names.Resolve(ctx, desiredName)
	if err != nil {
		return nil, err
	}

	var url string
	err = c.retrier.Do(ctx, "upload "+objectName, func(ctx context.Context) error {
		var err error
		url, err = c.store.Upload(ctx, objectName, data, contentType)
		return err
	})
	if err != nil {
		return nil, storeError("upload", err)
	}

	log.Printf("[Upload] uploaded %s (%s)", objectName, units.HumanSize(float64(len(data))))
	return &domain.FinalizedObject{
		ObjectName:  objectName,
		URL:         url,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   c.now().UTC(),
	}, nil
}

// Session returns the current state of an upload session.
func (c *UploadCoordinator) Session(ctx context.Context, sessionKey string) (*domain.UploadSession, error) {
	return c.sessions.Get(ctx, sessionKey)
}

// Close removes a session the caller no longer needs. Blocks still staged for a
// committed session are discarded first.
func (c *UploadCoordinator) Close(ctx context.Context, sessionKey string) error {
	c.discardAfterCommit(ctx, sessionKey)
	return c.sessions.Delete(ctx, sessionKey)
}

// discardAfterCommit removes stray blocks of a committed session. Sessions that
// are open or still committing keep their blocks.
func (c *UploadCoordinator) discardAfterCommit(ctx context.Context, sessionKey string) {
	session, err := c.sessions.Get(ctx, sessionKey)
	if err != nil || session.State != domain.SessionCommitted {
		return
	}
	if err := c.store.DiscardBlocks(ctx, session.ObjectName); err != nil {
		log.Printf("[Upload] failed to discard stray blocks of %s: %v", session.ObjectName, err)
	}
}

// abortCommit reopens the session. It runs detached from the request context so
// a cancelled request cannot leave the session stuck in committing.
func (c *UploadCoordinator) abortCommit(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sessions.AbortCommit(ctx, sessionKey); err != nil {
		log.Printf("[Upload] failed to reopen session %s: %v", sessionKey, err)
	}
}

// storeError keeps not-found and context errors as they are and reports anything
// else as the store being unavailable.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
}
