package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"feedmedia/internal/domain"
	"feedmedia/internal/service/memstore"
)

// flakyStore wraps the memory store and fails selected calls.
type flakyStore struct {
	*memstore.Store

	mu          sync.Mutex
	stageFails  int   // transient Stage failures left
	commitFails int   // transient Commit failures left
	commitErr   error // permanent Commit failure
	commitCalls atomic.Int32
	existing    map[string]bool // names reported as existing without data
	commitHook  func()
	stageHook   func() // runs once, before the next block is written
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memstore.New("https://cdn.test"), existing: make(map[string]bool)}
}

func (s *flakyStore) Stage(ctx context.Context, objectName, blockID string, data []byte) error {
	s.mu.Lock()
	if s.stageFails > 0 {
		s.stageFails--
		s.mu.Unlock()
		return fmt.Errorf("%w: stage timeout", domain.ErrStoreUnavailable)
	}
	hook := s.stageHook
	s.stageHook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Store.Stage(ctx, objectName, blockID, data)
}

func (s *flakyStore) Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error) {
	s.commitCalls.Add(1)
	if s.commitHook != nil {
		s.commitHook()
	}
	s.mu.Lock()
	if s.commitErr != nil {
		err := s.commitErr
		s.mu.Unlock()
		return "", err
	}
	if s.commitFails > 0 {
		s.commitFails--
		s.mu.Unlock()
		return "", fmt.Errorf("%w: commit timeout", domain.ErrStoreUnavailable)
	}
	s.mu.Unlock()
	return s.Store.Commit(ctx, objectName, blockIDs, contentType)
}

func (s *flakyStore) Exists(ctx context.Context, objectName string) (bool, error) {
	s.mu.Lock()
	taken := s.existing[objectName]
	s.mu.Unlock()
	if taken {
		return true, nil
	}
	return s.Store.Exists(ctx, objectName)
}

func (s *flakyStore) setCommitErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// unboundedStore hides OpenBoundedRead so reads go through OpenRangeRead.
type unboundedStore struct {
	inner *memstore.Store
}

func (s unboundedStore) Stage(ctx context.Context, objectName, blockID string, data []byte) error {
	return s.inner.Stage(ctx, objectName, blockID, data)
}

func (s unboundedStore) Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error) {
	return s.inner.Commit(ctx, objectName, blockIDs, contentType)
}

func (s unboundedStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	return s.inner.Upload(ctx, objectName, data, contentType)
}

func (s unboundedStore) Exists(ctx context.Context, objectName string) (bool, error) {
	return s.inner.Exists(ctx, objectName)
}

func (s unboundedStore) OpenRangeRead(ctx context.Context, objectName string, start int64) (io.ReadCloser, error) {
	return s.inner.OpenRangeRead(ctx, objectName, start)
}

func (s unboundedStore) GetSize(ctx context.Context, objectName string) (int64, error) {
	return s.inner.GetSize(ctx, objectName)
}

func (s unboundedStore) DiscardBlocks(ctx context.Context, objectName string) error {
	return s.inner.DiscardBlocks(ctx, objectName)
}

func testRetrier() *Retrier {
	return NewRetrier(3, 0, 0)
}

func newTestCoordinator(store domain.BlobStore) (*UploadCoordinator, *MemorySessionStore) {
	sessions := NewMemorySessionStore()
	names := NewNameResolver(store, NewMemoryNameCounter(), testRetrier(), 0)
	return NewUploadCoordinator(store, sessions, names, testRetrier(), 0), sessions
}
