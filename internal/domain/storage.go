package domain

import (
	"context"
	"io"
)

// BlobStore is durable object storage with block-staging semantics.
//
// Implementations report a missing object with ErrNotFound and transient
// failures wrapped in ErrStoreUnavailable so callers can decide what to retry.
type BlobStore interface {
	// Stage stores data as block blockID of objectName, replacing any block with the same id.
	Stage(ctx context.Context, objectName, blockID string, data []byte) error
	// Commit assembles the staged blocks in the given order into objectName and returns its URL.
	Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error)
	// Upload stores data as objectName in one call.
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, objectName string) (bool, error)
	// OpenRangeRead opens a stream positioned at start.
	OpenRangeRead(ctx context.Context, objectName string, start int64) (io.ReadCloser, error)
	GetSize(ctx context.Context, objectName string) (int64, error)
	// DiscardBlocks removes every staged block of objectName.
	DiscardBlocks(ctx context.Context, objectName string) error
}

// BoundedRangeReader is implemented by stores that can limit a read to [start, end] server side.
type BoundedRangeReader interface {
	OpenBoundedRead(ctx context.Context, objectName string, start, end int64) (io.ReadCloser, error)
}
