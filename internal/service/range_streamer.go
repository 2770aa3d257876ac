package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"feedmedia/internal/domain"
)

const defaultContentType = "application/octet-stream"

var mediaContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".ogg":  "video/ogg",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

// ContentTypeFor picks the media type from the file extension.
func ContentTypeFor(name string) string {
	if ct, ok := mediaContentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return defaultContentType
}

// RangeStreamer serves byte ranges of stored objects.
type RangeStreamer struct {
	store   domain.BlobStore
	retrier *Retrier
}

func NewRangeStreamer(store domain.BlobStore, retrier *Retrier) *RangeStreamer {
	return &RangeStreamer{store: store, retrier: retrier}
}

// Resolve opens objectName for the range [start, end]. A negative end, or one
// past the object, is clamped to the last byte.
func (s *RangeStreamer) Resolve(ctx context.Context, objectName string, start, end int64) (*domain.RangeResponse, error) {
	totalSize, err := s.size(ctx, objectName)
	if err != nil {
		return nil, err
	}

	if totalSize == 0 && start == 0 {
		return &domain.RangeResponse{
			Start:       0,
			End:         -1,
			ContentType: ContentTypeFor(objectName),
			Body:        io.NopCloser(strings.NewReader("")),
		}, nil
	}

	if end < 0 || end >= totalSize {
		end = totalSize - 1
	}
	return s.open(ctx, objectName, totalSize, start, end)
}

// ResolveHeader opens the single range named by an HTTP Range header value
// such as "bytes=0-499", "bytes=500-" or "bytes=-500".
func (s *RangeStreamer) ResolveHeader(ctx context.Context, objectName, rangeHeader string) (*domain.RangeResponse, error) {
	totalSize, err := s.size(ctx, objectName)
	if err != nil {
		return nil, err
	}
	start, end, err := parseRangeHeader(rangeHeader, totalSize)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, objectName, totalSize, start, end)
}

func (s *RangeStreamer) size(ctx context.Context, objectName string) (int64, error) {
	if cleanObjectName(objectName) != objectName {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotFound, objectName)
	}

	var exists bool
	err := s.retrier.Do(ctx, "exists "+objectName, func(ctx context.Context) error {
		var err error
		exists, err = s.store.Exists(ctx, objectName)
		return err
	})
	if err != nil {
		return 0, storeError("exists", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotFound, objectName)
	}

	var totalSize int64
	err = s.retrier.Do(ctx, "size "+objectName, func(ctx context.Context) error {
		var err error
		totalSize, err = s.store.GetSize(ctx, objectName)
		return err
	})
	if err != nil {
		return 0, storeError("size", err)
	}
	return totalSize, nil
}

func (s *RangeStreamer) open(ctx context.Context, objectName string, totalSize, start, end int64) (*domain.RangeResponse, error) {
	if start < 0 || start > end || end >= totalSize {
		return nil, fmt.Errorf("%w: %d-%d of %d", domain.ErrInvalidRange, start, end, totalSize)
	}

	var body io.ReadCloser
	err := s.retrier.Do(ctx, "open "+objectName, func(ctx context.Context) error {
		var err error
		if bounded, ok := s.store.(domain.BoundedRangeReader); ok {
			body, err = bounded.OpenBoundedRead(ctx, objectName, start, end)
		} else {
			body, err = s.store.OpenRangeRead(ctx, objectName, start)
		}
		return err
	})
	if err != nil {
		return nil, storeError("open", err)
	}

	length := end - start + 1
	return &domain.RangeResponse{
		Start:         start,
		End:           end,
		TotalSize:     totalSize,
		ContentLength: length,
		ContentType:   ContentTypeFor(objectName),
		Body:          &limitedReadCloser{Reader: io.LimitReader(body, length), closer: body},
	}, nil
}

// parseRangeHeader resolves a single-range header against the object size.
// Multiple ranges are not supported.
func parseRangeHeader(rangeHeader string, totalSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("%w: invalid range format %q", domain.ErrInvalidRange, rangeHeader)
	}
	byteRange := strings.TrimSpace(strings.TrimPrefix(rangeHeader, "bytes="))
	if strings.Contains(byteRange, ",") {
		return 0, 0, fmt.Errorf("%w: multiple ranges not supported", domain.ErrInvalidRange)
	}

	first, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: invalid range format %q", domain.ErrInvalidRange, rangeHeader)
	}

	var start, end int64
	if first == "" {
		// suffix range: the last N bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("%w: invalid suffix length %q", domain.ErrInvalidRange, last)
		}
		if n > totalSize {
			n = totalSize
		}
		start, end = totalSize-n, totalSize-1
	} else {
		var err error
		start, err = strconv.ParseInt(first, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: invalid range start %q", domain.ErrInvalidRange, first)
		}
		end = totalSize - 1
		if last != "" {
			end, err = strconv.ParseInt(last, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("%w: invalid range end %q", domain.ErrInvalidRange, last)
			}
			if end >= totalSize {
				end = totalSize - 1
			}
		}
	}

	if start < 0 || start > end || start >= totalSize {
		return 0, 0, fmt.Errorf("%w: %s of %d", domain.ErrInvalidRange, byteRange, totalSize)
	}
	return start, end, nil
}

// limitedReadCloser stops forwarding bytes once the range is exhausted and
// closes the underlying store stream.
type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *limitedReadCloser) Close() error {
	return r.closer.Close()
}
