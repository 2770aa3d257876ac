package service

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"feedmedia/internal/domain"
)

const DefaultNameAttempts = 16

// NameResolver assigns collision-free object names.
type NameResolver struct {
	store    domain.BlobStore
	counter  NameCounter
	retrier  *Retrier
	attempts int
}

func NewNameResolver(store domain.BlobStore, counter NameCounter, retrier *Retrier, attempts int) *NameResolver {
	if attempts <= 0 {
		attempts = DefaultNameAttempts
	}
	return &NameResolver{
		store:    store,
		counter:  counter,
		retrier:  retrier,
		attempts: attempts,
	}
}

// Resolve returns a name for a new object derived from desiredName.
// The desired name itself is returned when the base name is new and no object
// with that name exists; otherwise "base-N.ext" with the next free counter.
func (r *NameResolver) Resolve(ctx context.Context, desiredName string) (string, error) {
	desiredName = cleanObjectName(desiredName)
	if desiredName == "" {
		return "", fmt.Errorf("%w: file name is required", domain.ErrValidation)
	}
	base, ext := splitName(desiredName)

	for attempt := 0; attempt < r.attempts; attempt++ {
		n, err := r.counter.Next(ctx, base, func(ctx context.Context) (int64, error) {
			exists, err := r.exists(ctx, desiredName)
			if err != nil {
				return 0, err
			}
			if exists {
				return 1, nil
			}
			return 0, nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to reserve name counter: %w", err)
		}

		if n == 0 {
			return desiredName, nil
		}

		candidate := fmt.Sprintf("%s-%d%s", base, n, ext)
		exists, err := r.exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		log.Printf("[Names] candidate %s already exists, trying next counter", candidate)
	}

	return "", fmt.Errorf("%w: %s", domain.ErrNameCollisionExhausted, desiredName)
}

func (r *NameResolver) exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.retrier.Do(ctx, "exists "+name, func(ctx context.Context) error {
		var err error
		exists, err = r.store.Exists(ctx, name)
		return err
	})
	return exists, err
}

// cleanObjectName drops any directory part so names stay flat in the bucket.
func cleanObjectName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// splitName splits "clip.final.mp4" into "clip.final" and ".mp4".
func splitName(name string) (string, string) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dot files such as ".env" have no extension
		return name, ""
	}
	return base, ext
}
