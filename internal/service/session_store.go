package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedmedia/internal/domain"
)

// SessionStore keeps upload sessions. All methods return copies; callers never
// share a session value with the store.
type SessionStore interface {
	// GetOrCreate returns the session for key, calling create only when none exists.
	GetOrCreate(ctx context.Context, key string, create func(ctx context.Context) (*domain.UploadSession, error)) (*domain.UploadSession, error)
	Get(ctx context.Context, key string) (*domain.UploadSession, error)
	// MarkStaged records index as staged with size bytes and extends the session expiry.
	MarkStaged(ctx context.Context, key string, index int, size int64, expiresAt time.Time) (*domain.UploadSession, error)
	// BeginCommit moves a complete session from open to committing. Only one caller wins;
	// the others get ErrAlreadyCommitted.
	BeginCommit(ctx context.Context, key string) (*domain.UploadSession, error)
	// AbortCommit moves a committing session back to open after a failed commit.
	AbortCommit(ctx context.Context, key string) error
	// FinishCommit marks the session committed with its result.
	FinishCommit(ctx context.Context, key string, obj domain.FinalizedObject) error
	Delete(ctx context.Context, key string) error
	// Expired lists sessions whose expiry is before now.
	Expired(ctx context.Context, now time.Time) ([]*domain.UploadSession, error)
}

type memorySession struct {
	mu      sync.Mutex
	session *domain.UploadSession
}

// MemorySessionStore keeps sessions in process memory with a lock per session.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*memorySession)}
}

func (s *MemorySessionStore) entry(key string, create bool) *memorySession {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[key]
	if !ok && create {
		e = &memorySession{}
		s.sessions[key] = e
	}
	return e
}

func (s *MemorySessionStore) GetOrCreate(ctx context.Context, key string, create func(ctx context.Context) (*domain.UploadSession, error)) (*domain.UploadSession, error) {
	e := s.entry(key, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		session, err := create(ctx)
		if err != nil {
			return nil, err
		}
		if session.Blocks == nil {
			session.Blocks = make(map[int]int64)
		}
		e.session = session
	}
	return e.session.Clone(), nil
}

// lock returns the locked entry for key or ErrSessionNotFound.
func (s *MemorySessionStore) lock(key string) (*memorySession, error) {
	e := s.entry(key, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}
	return e, nil
}

func (s *MemorySessionStore) Get(ctx context.Context, key string) (*domain.UploadSession, error) {
	e, err := s.lock(key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

func (s *MemorySessionStore) MarkStaged(ctx context.Context, key string, index int, size int64, expiresAt time.Time) (*domain.UploadSession, error) {
	e, err := s.lock(key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.session.State != domain.SessionOpen {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
	}
	e.session.Blocks[index] = size
	e.session.ExpiresAt = expiresAt
	return e.session.Clone(), nil
}

func (s *MemorySessionStore) BeginCommit(ctx context.Context, key string) (*domain.UploadSession, error) {
	e, err := s.lock(key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.session.State != domain.SessionOpen {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
	}
	if !e.session.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks staged", domain.ErrIncompleteUpload, len(e.session.Blocks), e.session.TotalChunks)
	}
	e.session.State = domain.SessionCommitting
	return e.session.Clone(), nil
}

func (s *MemorySessionStore) AbortCommit(ctx context.Context, key string) error {
	e, err := s.lock(key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.session.State == domain.SessionCommitting {
		e.session.State = domain.SessionOpen
	}
	return nil
}

func (s *MemorySessionStore) FinishCommit(ctx context.Context, key string, obj domain.FinalizedObject) error {
	e, err := s.lock(key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.session.State = domain.SessionCommitted
	e.session.Result = &obj
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *MemorySessionStore) Expired(ctx context.Context, now time.Time) ([]*domain.UploadSession, error) {
	s.mu.Lock()
	entries := make([]*memorySession, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var expired []*domain.UploadSession
	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil && e.session.ExpiresAt.Before(now) {
			expired = append(expired, e.session.Clone())
		}
		e.mu.Unlock()
	}
	return expired, nil
}
