package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"feedmedia/internal/domain"
)

const (
	defaultStagingPrefix = "_blocks"
	minComposePartSize   = 5 * 1024 * 1024
	maxComposeSources    = 10000
)

type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PathStyle     bool
	PublicBaseURL string
	StagingPrefix string
}

// Storage keeps media objects in a MinIO (or any S3-compatible) bucket.
type Storage struct {
	cl            *minio.Client
	bucket        string
	publicBase    string
	stagingPrefix string
}

var (
	_ domain.BlobStore          = (*Storage)(nil)
	_ domain.BoundedRangeReader = (*Storage)(nil)
)

// New creates the client and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		log.Printf("[MinIO] created bucket %q", cfg.Bucket)
	}

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBase = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	prefix := strings.Trim(cfg.StagingPrefix, "/")
	if prefix == "" {
		prefix = defaultStagingPrefix
	}

	return &Storage{
		cl:            cl,
		bucket:        cfg.Bucket,
		publicBase:    strings.TrimRight(publicBase, "/"),
		stagingPrefix: prefix,
	}, nil
}

// PublicURL returns the browser-accessible URL for the given key.
func (s *Storage) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

func (s *Storage) blockPrefix(objectName string) string {
	return s.stagingPrefix + "/" + objectName + "/"
}

func (s *Storage) Stage(ctx context.Context, objectName, blockID string, data []byte) error {
	key := s.blockPrefix(objectName) + blockID
	_, err := s.cl.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return classify(fmt.Errorf("stage block %q: %w", key, err))
	}
	return nil
}

// Commit composes the blocks server side when every block but the last is
// large enough, otherwise it streams them into a new object.
func (s *Storage) Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error) {
	if len(blockIDs) == 0 {
		return "", fmt.Errorf("%w: no blocks to commit for %s", domain.ErrIncompleteUpload, objectName)
	}

	exists, err := s.Exists(ctx, objectName)
	if err != nil {
		return "", err
	}
	if exists {
		log.Printf("[MinIO] object %s already exists, skipping commit", objectName)
		s.cleanupBlocks(ctx, objectName)
		return s.PublicURL(objectName), nil
	}

	sizes, err := s.listBlocks(ctx, objectName)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(blockIDs))
	var total int64
	composable := len(blockIDs) <= maxComposeSources
	for i, id := range blockIDs {
		key := s.blockPrefix(objectName) + id
		size, ok := sizes[key]
		if !ok {
			return "", fmt.Errorf("%w: block %s of %s is not staged", domain.ErrIncompleteUpload, id, objectName)
		}
		if i < len(blockIDs)-1 && size < minComposePartSize {
			composable = false
		}
		keys = append(keys, key)
		total += size
	}

	if composable {
		err = s.compose(ctx, keys, objectName, contentType)
	} else {
		err = s.streamMerge(ctx, keys, objectName, contentType, total)
	}
	if err != nil {
		return "", classify(err)
	}

	log.Printf("[MinIO] committed %s from %d blocks (%d bytes)", objectName, len(keys), total)
	s.cleanupBlocks(ctx, objectName)
	return s.PublicURL(objectName), nil
}

func (s *Storage) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := s.cl.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", classify(fmt.Errorf("put object %q: %w", objectName, err))
	}
	return s.PublicURL(objectName), nil
}

func (s *Storage) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := s.stat(ctx, objectName)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Storage) GetSize(ctx context.Context, objectName string) (int64, error) {
	info, err := s.stat(ctx, objectName)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *Storage) OpenRangeRead(ctx context.Context, objectName string, start int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if start > 0 {
		// NB: SetRange(start, 0) means from start to the end
		if err := opts.SetRange(start, 0); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRange, err)
		}
	}
	return s.open(ctx, objectName, opts)
}

func (s *Storage) OpenBoundedRead(ctx context.Context, objectName string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRange, err)
	}
	return s.open(ctx, objectName, opts)
}

func (s *Storage) DiscardBlocks(ctx context.Context, objectName string) error {
	return classify(s.removePrefix(ctx, s.blockPrefix(objectName)))
}

func (s *Storage) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, classify(fmt.Errorf("stat %q: %w", key, err))
	}
	return info, nil
}

// open issues the GET and waits for the response so that a missing object is
// reported here rather than on the first Read.
func (s *Storage) open(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("get object %q: %w", key, err))
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify(fmt.Errorf("get object %q: %w", key, err))
	}
	return obj, nil
}

func (s *Storage) listBlocks(ctx context.Context, objectName string) (map[string]int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sizes := make(map[string]int64)
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.blockPrefix(objectName),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(fmt.Errorf("list blocks of %q: %w", objectName, obj.Err))
		}
		sizes[obj.Key] = obj.Size
	}
	return sizes, nil
}

func (s *Storage) compose(ctx context.Context, keys []string, objectName, contentType string) error {
	srcs := make([]minio.CopySrcOptions, 0, len(keys))
	for _, key := range keys {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: s.bucket, Object: key})
	}
	dst := minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          objectName,
		ReplaceMetadata: true,
		UserMetadata:    map[string]string{"Content-Type": contentType},
	}
	if _, err := s.cl.ComposeObject(ctx, dst, srcs...); err != nil {
		return fmt.Errorf("compose %q: %w", objectName, err)
	}
	return nil
}

func (s *Storage) streamMerge(ctx context.Context, keys []string, objectName, contentType string, total int64) error {
	pr, pw := io.Pipe()

	go func() {
		for _, key := range keys {
			obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("get block %q: %w", key, err))
				return
			}
			_, err = io.Copy(pw, obj)
			obj.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy block %q: %w", key, err))
				return
			}
		}
		pw.Close()
	}()

	_, err := s.cl.PutObject(ctx, s.bucket, objectName, pr, total, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("put merged object %q: %w", objectName, err)
	}
	return nil
}

func (s *Storage) cleanupBlocks(ctx context.Context, objectName string) {
	if err := s.removePrefix(ctx, s.blockPrefix(objectName)); err != nil {
		log.Printf("[MinIO] failed to delete blocks of %s: %v", objectName, err)
	}
}

func (s *Storage) removePrefix(ctx context.Context, prefix string) error {
	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)

	go func() {
		defer close(objects)
		for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var firstErr error
	for res := range s.cl.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %q: %w", res.ObjectName, res.Err)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	select {
	case err := <-listErr:
		return fmt.Errorf("list %q: %w", prefix, err)
	default:
		return nil
	}
}

// classify maps MinIO failures onto the domain errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
