package service

import (
	"context"
	"log"
	"time"

	"feedmedia/internal/domain"
)

const (
	DefaultJanitorInterval = time.Hour
	// DefaultCommitGrace is how long past its expiry a session may stay in
	// committing before it is treated as abandoned.
	DefaultCommitGrace = 6 * time.Hour
)

// SessionJanitor removes abandoned upload sessions and their staged blocks.
type SessionJanitor struct {
	store    domain.BlobStore
	sessions SessionStore
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

func NewSessionJanitor(store domain.BlobStore, sessions SessionStore, interval time.Duration) *SessionJanitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &SessionJanitor{
		store:    store,
		sessions: sessions,
		interval: interval,
		grace:    DefaultCommitGrace,
		now:      time.Now,
	}
}

// Start runs Sweep every interval until ctx is done.
func (j *SessionJanitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					log.Printf("[Janitor] sweep failed: %v", err)
				}
			}
		}
	}()
}

// Sweep discards every expired session and returns how many were removed.
// Open sessions lose their staged blocks. Committed sessions only lose their
// bookkeeping; their object stays. A session still committing is left alone
// until the commit grace has also passed.
func (j *SessionJanitor) Sweep(ctx context.Context) (int, error) {
	now := j.now().UTC()
	expired, err := j.sessions.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range expired {
		switch session.State {
		case domain.SessionCommitting:
			if now.Before(session.ExpiresAt.Add(j.grace)) {
				continue
			}
			log.Printf("[Janitor] giving up on session %s stuck in committing", session.Key)
			fallthrough
		case domain.SessionOpen:
			if err := j.store.DiscardBlocks(ctx, session.ObjectName); err != nil {
				log.Printf("[Janitor] failed to discard blocks of %s: %v", session.ObjectName, err)
				continue
			}
		}
		if err := j.sessions.Delete(ctx, session.Key); err != nil {
			log.Printf("[Janitor] failed to delete session %s: %v", session.Key, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[Janitor] removed %d abandoned upload sessions", removed)
	}
	return removed, nil
}
