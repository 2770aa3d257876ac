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

func TestResolveSequence(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := NewNameResolver(store, NewMemoryNameCounter(), testRetrier(), 0)

	var got []string
	for i := 0; i < 3; i++ {
		name, err := r.Resolve(ctx, "photo.png")
		require.NoError(t, err)
		got = append(got, name)
		_, err = store.Upload(ctx, name, []byte("x"), "image/png")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"photo.png", "photo-1.png", "photo-2.png"}, got)
}

func TestResolveExistingObjectSeedsCounter(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	_, err := store.Upload(ctx, "clip.mp4", []byte("x"), "video/mp4")
	require.NoError(t, err)

	r := NewNameResolver(store, NewMemoryNameCounter(), testRetrier(), 0)
	name, err := r.Resolve(ctx, "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip-1.mp4", name)
}

func TestResolveSkipsTakenCandidates(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	store.existing["report.pdf"] = true
	store.existing["report-1.pdf"] = true
	store.existing["report-2.pdf"] = true

	r := NewNameResolver(store, NewMemoryNameCounter(), testRetrier(), 0)
	name, err := r.Resolve(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report-3.pdf", name)
}

func TestResolveExhausted(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	for _, n := range []string{"a.txt", "a-1.txt", "a-2.txt", "a-3.txt"} {
		store.existing[n] = true
	}

	r := NewNameResolver(store, NewMemoryNameCounter(), testRetrier(), 3)
	_, err := r.Resolve(ctx, "a.txt")
	assert.ErrorIs(t, err, domain.ErrNameCollisionExhausted)
}

func TestResolveNames(t *testing.T) {
	ctx := context.Background()
	r := NewNameResolver(newFlakyStore(), NewMemoryNameCounter(), testRetrier(), 0)

	name, err := r.Resolve(ctx, "../../etc/archive.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "archive.tar.gz", name)

	name, err = r.Resolve(ctx, "archive.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "archive.tar-1.gz", name)

	name, err = r.Resolve(ctx, "README")
	require.NoError(t, err)
	assert.Equal(t, "README", name)
	name, err = r.Resolve(ctx, "README")
	require.NoError(t, err)
	assert.Equal(t, "README-1", name)

	_, err = r.Resolve(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.Resolve(ctx, "..")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolveConcurrentUnique(t *testing.T) {
	ctx := context.Background()
	r := NewNameResolver(newFlakyStore(), NewMemoryNameCounter(), testRetrier(), 0)

	const callers = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = make(map[string]bool)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := r.Resolve(ctx, "video.mp4")
			assert.NoError(t, err)
			mu.Lock()
			names[name] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, names, callers)
	assert.True(t, names["video.mp4"])
}

type failingCounter struct{}

func (failingCounter) Next(context.Context, string, func(context.Context) (int64, error)) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestResolveCounterFailure(t *testing.T) {
	r := NewNameResolver(newFlakyStore(), failingCounter{}, testRetrier(), 0)
	_, err := r.Resolve(context.Background(), "a.mp4")
	assert.ErrorContains(t, err, "connection refused")
}
