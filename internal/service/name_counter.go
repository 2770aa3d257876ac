package service

import (
	"context"
	"sync"
)

// NameCounter hands out per-base-name counters.
//
// The first call for a base name stores the value returned by seed; later calls
// increment the stored value. Increment-and-read is atomic per base name.
type NameCounter interface {
	Next(ctx context.Context, base string, seed func(ctx context.Context) (int64, error)) (int64, error)
}

type counterEntry struct {
	mu     sync.Mutex
	seeded bool
	value  int64
}

// MemoryNameCounter keeps counters in process memory. Counters are lost on
// restart and are not shared between instances; use the Redis counter when
// more than one instance serves uploads.
type MemoryNameCounter struct {
	entries sync.Map // base -> *counterEntry
}

func NewMemoryNameCounter() *MemoryNameCounter {
	return &MemoryNameCounter{}
}

func (c *MemoryNameCounter) Next(ctx context.Context, base string, seed func(ctx context.Context) (int64, error)) (int64, error) {
	v, _ := c.entries.LoadOrStore(base, &counterEntry{})
	entry := v.(*counterEntry)

	// Only resolutions of the same base name wait on this lock.
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.seeded {
		entry.value++
		return entry.value, nil
	}

	value, err := seed(ctx)
	if err != nil {
		return 0, err
	}
	entry.value = value
	entry.seeded = true
	return value, nil
}
