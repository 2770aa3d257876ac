package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"feedmedia/internal/domain"
)

var (
	_ domain.BlobStore          = (*Client)(nil)
	_ domain.BoundedRangeReader = (*Client)(nil)
)

// stagedBlock is a block object found under the staging prefix.
type stagedBlock struct {
	key  string
	size int64
}

func (h *Client) Stage(ctx context.Context, objectName, blockID string, data []byte) error {
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.conf.Bucket),
		Key:           aws.String(h.blockKey(objectName, blockID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return classify(fmt.Errorf("failed to stage block %s of %s: %w", blockID, objectName, err))
	}
	return nil
}

// Commit assembles the blocks into objectName. A single block is copied, small
// objects are merged by streaming and large ones use multipart copy. When the
// object already exists a previous attempt finished and only the blocks are cleaned up.
func (h *Client) Commit(ctx context.Context, objectName string, blockIDs []string, contentType string) (string, error) {
	if len(blockIDs) == 0 {
		return "", fmt.Errorf("%w: no blocks to commit for %s", domain.ErrIncompleteUpload, objectName)
	}

	exists, err := h.Exists(ctx, objectName)
	if err != nil {
		return "", err
	}
	if exists {
		log.Printf("[S3] object %s already exists, skipping commit", objectName)
		h.cleanupBlocks(ctx, objectName)
		return h.objectURL(objectName), nil
	}

	blocks, err := h.orderedBlocks(ctx, objectName, blockIDs)
	if err != nil {
		return "", err
	}

	var totalSize int64
	for _, b := range blocks {
		totalSize += b.size
	}

	switch {
	case len(blocks) == 1:
		err = h.copySingleBlock(ctx, blocks[0], objectName, contentType)
	case totalSize < h.conf.MultipartThreshold || !copyablePartSizes(blocks):
		err = h.streamMergeAndPut(ctx, blocks, objectName, contentType, totalSize)
	default:
		err = h.multipartCopy(ctx, blocks, objectName, contentType)
	}
	if err != nil {
		return "", classify(err)
	}

	log.Printf("[S3] committed %s from %d blocks (%d bytes)", objectName, len(blocks), totalSize)
	h.cleanupBlocks(ctx, objectName)
	return h.objectURL(objectName), nil
}

func (h *Client) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.conf.Bucket),
		Key:           aws.String(objectName),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", classify(fmt.Errorf("failed to upload %s: %w", objectName, err))
	}
	return h.objectURL(objectName), nil
}

func (h *Client) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := h.head(ctx, objectName)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *Client) GetSize(ctx context.Context, objectName string) (int64, error) {
	out, err := h.head(ctx, objectName)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (h *Client) OpenRangeRead(ctx context.Context, objectName string, start int64) (io.ReadCloser, error) {
	return h.getRange(ctx, objectName, fmt.Sprintf("bytes=%d-", start))
}

func (h *Client) OpenBoundedRead(ctx context.Context, objectName string, start, end int64) (io.ReadCloser, error) {
	return h.getRange(ctx, objectName, fmt.Sprintf("bytes=%d-%d", start, end))
}

func (h *Client) DiscardBlocks(ctx context.Context, objectName string) error {
	return classify(h.deletePrefix(ctx, h.blockPrefix(objectName)))
}

func (h *Client) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.conf.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to head %s: %w", key, err))
	}
	return out, nil
}

func (h *Client) getRange(ctx context.Context, key, rangeHeader string) (io.ReadCloser, error) {
	log.Printf("[S3] streaming %s (range: %s)", key, rangeHeader)
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.conf.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get %s: %w", key, err))
	}
	return out.Body, nil
}

// orderedBlocks lists the staged blocks and returns them in blockIDs order.
func (h *Client) orderedBlocks(ctx context.Context, objectName string, blockIDs []string) ([]stagedBlock, error) {
	sizes := make(map[string]int64)
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.conf.Bucket),
		Prefix: aws.String(h.blockPrefix(objectName)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list blocks of %s: %w", objectName, err))
		}
		for _, obj := range page.Contents {
			sizes[aws.ToString(obj.Key)] = aws.ToInt64(obj.Size)
		}
	}

	blocks := make([]stagedBlock, 0, len(blockIDs))
	for _, id := range blockIDs {
		key := h.blockKey(objectName, id)
		size, ok := sizes[key]
		if !ok {
			return nil, fmt.Errorf("%w: block %s of %s is not staged", domain.ErrIncompleteUpload, id, objectName)
		}
		blocks = append(blocks, stagedBlock{key: key, size: size})
	}
	return blocks, nil
}

// copyablePartSizes reports whether every block but the last meets the S3
// minimum part size for UploadPartCopy.
func copyablePartSizes(blocks []stagedBlock) bool {
	for _, b := range blocks[:len(blocks)-1] {
		if b.size < defaultMultipartThreshold {
			return false
		}
	}
	return true
}

func (h *Client) copySource(key string) string {
	return h.conf.Bucket + "/" + key
}

func (h *Client) copySingleBlock(ctx context.Context, block stagedBlock, objectName, contentType string) error {
	_, err := h.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(h.conf.Bucket),
		Key:               aws.String(objectName),
		CopySource:        aws.String(h.copySource(block.key)),
		ContentType:       aws.String(contentType),
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return fmt.Errorf("failed to copy block %s to %s: %w", block.key, objectName, err)
	}
	return nil
}

func (h *Client) streamMergeAndPut(ctx context.Context, blocks []stagedBlock, objectName, contentType string, totalSize int64) error {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		for _, b := range blocks {
			if err := ctx.Err(); err != nil {
				pw.CloseWithError(err)
				return
			}

			out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(h.conf.Bucket),
				Key:    aws.String(b.key),
			})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to get block %s: %w", b.key, err))
				return
			}

			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to copy block %s: %w", b.key, err))
				return
			}
		}
	}()

	_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.conf.Bucket),
		Key:           aws.String(objectName),
		Body:          pr,
		ContentLength: aws.Int64(totalSize),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to put merged object %s: %w", objectName, err)
	}
	return nil
}

func (h *Client) multipartCopy(ctx context.Context, blocks []stagedBlock, objectName, contentType string) (err error) {
	created, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(h.conf.Bucket),
		Key:         aws.String(objectName),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	defer func() {
		if err == nil {
			return
		}
		log.Printf("[S3] aborting multipart upload %s for %s: %v", uploadID, objectName, err)
		abortCtx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if _, abortErr := h.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(h.conf.Bucket),
			Key:      aws.String(objectName),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			log.Printf("[S3] failed to abort multipart upload %s: %v", uploadID, abortErr)
		}
	}()

	parts := make([]types.CompletedPart, 0, len(blocks))
	for i, b := range blocks {
		if err = ctx.Err(); err != nil {
			return err
		}

		partNumber := int32(i + 1)
		out, copyErr := h.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(h.conf.Bucket),
			Key:        aws.String(objectName),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(h.copySource(b.key)),
		})
		if copyErr != nil {
			err = fmt.Errorf("failed to copy part %d: %w", partNumber, copyErr)
			return err
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(h.conf.Bucket),
		Key:      aws.String(objectName),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

// cleanupBlocks removes the staged blocks after a commit. The object is already
// in place, so a failure is only logged and the janitor gets another chance.
func (h *Client) cleanupBlocks(ctx context.Context, objectName string) {
	if err := h.deletePrefix(ctx, h.blockPrefix(objectName)); err != nil {
		log.Printf("[S3] failed to delete blocks of %s: %v", objectName, err)
	}
}

func (h *Client) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.conf.Bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = h.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(h.conf.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
		}
		deleted += len(objects)
	}

	if deleted > 0 {
		log.Printf("[S3] deleted %d objects under %s", deleted, prefix)
	}
	return nil
}
