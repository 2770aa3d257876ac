package service

import (
	"context"
	"errors"
	"log"
	"time"

	"feedmedia/internal/domain"
)

const (
	DefaultStoreAttempts  = 3
	DefaultStoreBaseDelay = 200 * time.Millisecond
	DefaultStoreMaxDelay  = 5 * time.Second
)

// Retrier retries store operations that failed with a transient error.
type Retrier struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewRetrier returns a retrier with exponential backoff.
func NewRetrier(attempts int, baseDelay, maxDelay time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = DefaultStoreAttempts
	}
	if baseDelay < 0 {
		baseDelay = DefaultStoreBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultStoreMaxDelay
	}
	return &Retrier{Attempts: attempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// IsRetriable reports whether err is a transient store failure.
func IsRetriable(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}

// Do runs fn until it succeeds, fails permanently or the attempts are exhausted.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetriable(err) || attempt == r.Attempts-1 {
			break
		}

		delay := r.backoff(attempt)
		log.Printf("[Retry] %s attempt %d/%d failed: %v; retrying in %v", op, attempt+1, r.Attempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.BaseDelay << attempt
	if delay > r.MaxDelay || delay < r.BaseDelay {
		delay = r.MaxDelay
	}
	return delay
}
