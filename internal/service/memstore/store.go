// Package memstore is a BlobStore kept in process memory. It backs local
// development and tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"feedmedia/internal/domain"
)

var (
	_ domain.BlobStore          = (*Store)(nil)
	_ domain.BoundedRangeReader = (*Store)(nil)
)

type object struct {
	data        []byte
	contentType string
}

type Store struct {
	mu         sync.RWMutex
	publicBase string
	objects    map[string]object
	blocks     map[string]map[string][]byte
	commits    int
}

func New(publicBase string) *Store {
	if publicBase == "" {
		publicBase = "memory://media"
	}
	return &Store{
		publicBase: strings.TrimRight(publicBase, "/"),
		objects:    make(map[string]object),
		blocks:     make(map[string]map[string][]byte),
	}
}

func (s *Store) url(name string) string {
	return s.publicBase + "/" + name
}

func (s *Store) Stage(ctx context.Context, objectName, blockID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.blocks[objectName]
	if !ok {
		staged = make(map[string][]byte)
		s.blocks[objectName] = staged
	}
	staged[blockID] = bytes.Clone(data)
	return nil
}

func (s *Store) Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[objectName]; ok {
		delete(s.blocks, objectName)
		return s.url(objectName), nil
	}

	staged := s.blocks[objectName]
	var buf bytes.Buffer
	for _, id := range blockIDs {
		block, ok := staged[id]
		if !ok {
			return "", fmt.Errorf("%w: block %s of %s is not staged", domain.ErrIncompleteUpload, id, objectName)
		}
		buf.Write(block)
	}

	s.objects[objectName] = object{data: buf.Bytes(), contentType: contentType}
	delete(s.blocks, objectName)
	s.commits++
	return s.url(objectName), nil
}

func (s *Store) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = object{data: bytes.Clone(data), contentType: contentType}
	return s.url(objectName), nil
}

func (s *Store) Exists(ctx context.Context, objectName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[objectName]
	return ok, nil
}

func (s *Store) GetSize(ctx context.Context, objectName string) (int64, error) {
	obj, err := s.get(objectName)
	if err != nil {
		return 0, err
	}
	return int64(len(obj.data)), nil
}

func (s *Store) OpenRangeRead(ctx context.Context, objectName string, start int64) (io.ReadCloser, error) {
	obj, err := s.get(objectName)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > int64(len(obj.data)) {
		return nil, fmt.Errorf("%w: start %d of %d", domain.ErrInvalidRange, start, len(obj.data))
	}
	return io.NopCloser(bytes.NewReader(obj.data[start:])), nil
}

func (s *Store) OpenBoundedRead(ctx context.Context, objectName string, start, end int64) (io.ReadCloser, error) {
	obj, err := s.get(objectName)
	if err != nil {
		return nil, err
	}
	size := int64(len(obj.data))
	if start < 0 || end < start || start >= size {
		return nil, fmt.Errorf("%w: %d-%d of %d", domain.ErrInvalidRange, start, end, size)
	}
	if end >= size {
		end = size - 1
	}
	return io.NopCloser(bytes.NewReader(obj.data[start : end+1])), nil
}

func (s *Store) DiscardBlocks(ctx context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, objectName)
	return nil
}

// Object returns the stored bytes and content type of objectName.
func (s *Store) Object(objectName string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectName]
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.data), obj.contentType, true
}

// StagedBlocks returns how many blocks of objectName are waiting for a commit.
func (s *Store) StagedBlocks(objectName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks[objectName])
}

// Commits returns how many commits assembled a new object.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

func (s *Store) get(objectName string) (object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectName]
	if !ok {
		return object{}, fmt.Errorf("%w: %s", domain.ErrNotFound, objectName)
	}
	return obj, nil
}
