package s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"feedmedia/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client stores media objects in an S3-compatible bucket.
type Client struct {
	client *s3.Client
	conf   Config
}

// NewClient creates the S3 client and checks that the bucket is reachable.
func NewClient(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	c := *conf
	c.setDefaults()

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		c.AccessKeyID,
		c.SecretAccessKey,
		"",
	))

	client := s3.New(s3.Options{
		BaseEndpoint:     aws.String(c.Endpoint),
		Region:           c.Region,
		Credentials:      creds,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
		UsePathStyle:     c.PathStyle,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", c.Bucket, err)
	}

	log.Printf("[S3] connected to bucket %s at %s", c.Bucket, c.Endpoint)
	return &Client{client: client, conf: c}, nil
}

func (h *Client) objectURL(key string) string {
	return h.conf.PublicBaseURL + "/" + key
}

func (h *Client) blockKey(objectName, blockID string) string {
	return h.blockPrefix(objectName) + blockID
}

func (h *Client) blockPrefix(objectName string) string {
	return h.conf.StagingPrefix + "/" + objectName + "/"
}

// classify maps S3 failures onto the domain errors. Missing keys become
// ErrNotFound, client faults stay permanent and the rest are reported as
// the store being unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
