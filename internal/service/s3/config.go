package s3

import (
	"fmt"
	"strings"
)

const (
	defaultRegion             = "ru-central1"
	defaultEndpoint           = "https://storage.yandexcloud.net"
	defaultStagingPrefix      = "_blocks"
	defaultMultipartThreshold = 5 * 1024 * 1024 // 5MB
)

type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	// PublicBaseURL is prepended to object keys to build the URLs handed to clients.
	PublicBaseURL string
	// StagingPrefix is where blocks wait until their object is committed.
	StagingPrefix string
	// Objects smaller than this are merged by streaming instead of multipart copy.
	MultipartThreshold int64
}

func (c *Config) validate() error {
	if c.AccessKeyID == "" {
		return fmt.Errorf("AccessKeyID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("SecretAccessKey is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("Bucket is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.StagingPrefix == "" {
		c.StagingPrefix = defaultStagingPrefix
	}
	c.StagingPrefix = strings.Trim(c.StagingPrefix, "/")
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = defaultMultipartThreshold
	}
	if c.PublicBaseURL == "" {
		if c.PathStyle {
			c.PublicBaseURL = strings.TrimRight(c.Endpoint, "/") + "/" + c.Bucket
		} else {
			c.PublicBaseURL = virtualHostURL(c.Endpoint, c.Bucket)
		}
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// virtualHostURL turns "https://storage.example.net" into "https://bucket.storage.example.net".
func virtualHostURL(endpoint, bucket string) string {
	scheme, host, ok := strings.Cut(endpoint, "://")
	if !ok {
		return "https://" + bucket + "." + strings.TrimRight(endpoint, "/")
	}
	return scheme + "://" + bucket + "." + strings.TrimRight(host, "/")
}
