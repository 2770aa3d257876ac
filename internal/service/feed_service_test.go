package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmedia/internal/domain"
)

type recordedPosts struct {
	mu    sync.Mutex
	posts []*domain.Post
	err   error
}

func (r *recordedPosts) Create(ctx context.Context, post *domain.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, p := range r.posts {
		if p.ObjectName == post.ObjectName {
			post.PostID = p.PostID
			return nil
		}
	}
	r.posts = append(r.posts, post)
	return nil
}

func (r *recordedPosts) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type recordedEvents struct {
	mu     sync.Mutex
	events []domain.FeedCreatedEvent
	err    error
}

func (n *recordedEvents) PublishFeedCreated(ctx context.Context, event domain.FeedCreatedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func intPtr(v int) *int { return &v }

func newTestFeedService(t *testing.T) (*FeedService, *flakyStore, *recordedPosts, *recordedEvents) {
	t.Helper()
	store := newFlakyStore()
	c, _ := newTestCoordinator(store)
	posts := &recordedPosts{}
	events := &recordedEvents{}
	return NewFeedService(c, posts, events), store, posts, events
}

func TestUploadFeedWholeFile(t *testing.T) {
	svc, store, posts, events := newTestFeedService(t)

	res, err := svc.UploadFeed(context.Background(), domain.FeedUpload{
		UserID:      "42",
		UserName:    "ann",
		ProfilePic:  "https://cdn.test/ann.png",
		FileName:    "beach.mp4",
		Description: "sunset",
		Data:        []byte("video-bytes"),
		HasFile:     true,
	})
	require.NoError(t, err)
	require.Equal(t, FeedCreated, res.Status)

	post := res.Post
	assert.Equal(t, "42", post.AuthorID)
	assert.Equal(t, "ann", post.AuthorUsername)
	assert.Equal(t, "https://cdn.test/ann.png", post.Title)
	assert.Equal(t, "sunset", post.Caption)
	assert.Equal(t, "https://cdn.test/beach.mp4", post.Content)
	assert.Equal(t, "video/mp4", post.ContentType)
	assert.Equal(t, int64(11), post.SizeBytes)

	require.Len(t, posts.posts, 1)
	require.Len(t, events.events, 1)
	assert.Equal(t, post.PostID.String(), events.events[0].PostID)

	data, _, ok := store.Object("beach.mp4")
	require.True(t, ok)
	assert.Equal(t, "video-bytes", string(data))
}

func TestUploadFeedChunked(t *testing.T) {
	svc, store, posts, _ := newTestFeedService(t)
	ctx := context.Background()

	chunk := func(i int, data string) domain.FeedUpload {
		return domain.FeedUpload{
			UserID:      "7",
			FileName:    "talk.mp3",
			Data:        []byte(data),
			HasFile:     true,
			ChunkIndex:  intPtr(i),
			TotalChunks: intPtr(3),
		}
	}

	res, err := svc.UploadFeed(ctx, chunk(2, "c"))
	require.NoError(t, err)
	assert.Equal(t, ChunkStaged, res.Status)

	res, err = svc.UploadFeed(ctx, chunk(0, "a"))
	require.NoError(t, err)
	assert.Equal(t, ChunkStaged, res.Status)
	assert.Empty(t, posts.posts)

	res, err = svc.UploadFeed(ctx, chunk(1, "b"))
	require.NoError(t, err)
	require.Equal(t, FeedCreated, res.Status)
	assert.Equal(t, "audio/mpeg", res.Post.ContentType)
	assert.Len(t, posts.posts, 1)

	data, _, ok := store.Object("talk.mp3")
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
	assert.Zero(t, store.StagedBlocks("talk.mp3"))

	// the session is closed, so the same file starts a fresh upload
	res, err = svc.UploadFeed(ctx, chunk(0, "x"))
	require.NoError(t, err)
	assert.Equal(t, ChunkStaged, res.Status)
}

func TestUploadFeedValidation(t *testing.T) {
	svc, _, posts, _ := newTestFeedService(t)

	tests := []struct {
		name string
		req  domain.FeedUpload
		want string
	}{
		{"no file", domain.FeedUpload{UserID: "1", FileName: "a.mp4"}, "file"},
		{"no user", domain.FeedUpload{FileName: "a.mp4", HasFile: true}, "userId"},
		{"no name", domain.FeedUpload{UserID: "1", HasFile: true}, "fileName"},
		{"half chunked", domain.FeedUpload{UserID: "1", FileName: "a.mp4", HasFile: true, ChunkIndex: intPtr(0)}, "together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UploadFeed(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.ErrorContains(t, err, tt.want)
		})
	}
	assert.Empty(t, posts.posts)
}

func TestUploadFeedRecorderFailure(t *testing.T) {
	svc, _, posts, events := newTestFeedService(t)
	posts.err = errors.New("connection reset")

	_, err := svc.UploadFeed(context.Background(), domain.FeedUpload{
		UserID: "1", FileName: "a.mp4", Data: []byte("x"), HasFile: true,
	})
	assert.ErrorContains(t, err, "failed to record post")
	assert.Empty(t, events.events)
}

func chunkOf(userID, fileName string, index, total int, data string) domain.FeedUpload {
	return domain.FeedUpload{
		UserID:      userID,
		FileName:    fileName,
		Data:        []byte(data),
		HasFile:     true,
		ChunkIndex:  intPtr(index),
		TotalChunks: intPtr(total),
	}
}

func TestUploadFeedRecordsAfterFailedRecorder(t *testing.T) {
	ctx := context.Background()
	svc, store, posts, _ := newTestFeedService(t)

	res, err := svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 0, 2, "ab"))
	require.NoError(t, err)
	require.Equal(t, ChunkStaged, res.Status)

	posts.setErr(errors.New("connection refused"))
	_, err = svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 1, 2, "cd"))
	require.ErrorContains(t, err, "failed to record post")
	assert.Empty(t, posts.posts)

	// the object is committed even though no post exists yet
	data, _, ok := store.Object("trip.mp4")
	require.True(t, ok)
	assert.Equal(t, "abcd", string(data))

	posts.setErr(nil)
	res, err = svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 1, 2, "cd"))
	require.NoError(t, err)
	require.Equal(t, FeedCreated, res.Status)
	assert.Equal(t, "https://cdn.test/trip.mp4", res.Post.Content)
	assert.Equal(t, int64(4), res.Post.SizeBytes)
	require.Len(t, posts.posts, 1)
	assert.Equal(t, int32(1), store.commitCalls.Load())
}

func TestUploadFeedRestartAfterFailedRecorder(t *testing.T) {
	ctx := context.Background()
	svc, store, posts, _ := newTestFeedService(t)

	_, err := svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 0, 2, "ab"))
	require.NoError(t, err)
	posts.setErr(errors.New("connection refused"))
	_, err = svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 1, 2, "cd"))
	require.Error(t, err)
	posts.setErr(nil)

	// a client starting over from the first chunk gets the committed post
	res, err := svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 0, 2, "ab"))
	require.NoError(t, err)
	require.Equal(t, FeedCreated, res.Status)
	assert.Equal(t, "trip.mp4", res.Post.ObjectName)
	require.Len(t, posts.posts, 1)

	// the session is closed once the post exists
	res, err = svc.UploadFeed(ctx, chunkOf("9", "trip.mp4", 0, 2, "xy"))
	require.NoError(t, err)
	assert.Equal(t, ChunkStaged, res.Status)
	assert.Equal(t, int32(1), store.commitCalls.Load())
}

func TestUploadFeedNotifierFailureIgnored(t *testing.T) {
	svc, _, posts, events := newTestFeedService(t)
	events.err = errors.New("queue down")

	res, err := svc.UploadFeed(context.Background(), domain.FeedUpload{
		UserID: "1", FileName: "a.mp4", Data: []byte("x"), HasFile: true,
	})
	require.NoError(t, err)
	assert.Equal(t, FeedCreated, res.Status)
	assert.Len(t, posts.posts, 1)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "u1/clip.mp4", SessionKey("u1", "../clip.mp4"))
}
