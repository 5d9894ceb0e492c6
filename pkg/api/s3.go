package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/screenshot"
	"github.com/sirupsen/logrus"
)

const presignExpiry = 15 * time.Minute

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Presigner generates presigned GET URLs for screenshots stored in S3.
type s3Presigner struct {
	log      logrus.FieldLogger
	bucket   string
	prefix   string
	presign  func(ctx context.Context, key string) (string, error)
	expiry   time.Duration
	cacheTTL time.Duration
	mu       sync.RWMutex
	cache    map[string]presignCacheEntry
}

func newS3Presigner(log logrus.FieldLogger, cfg *config.S3Config) *s3Presigner {
	client := s3.NewPresignClient(screenshot.NewS3Client(cfg))

	p := &s3Presigner{
		log:      log.WithField("component", "s3-presigner"),
		bucket:   cfg.Bucket,
		prefix:   screenshotKeyPrefix(cfg.Prefix),
		expiry:   presignExpiry,
		cacheTTL: presignExpiry / 2,
		cache:    make(map[string]presignCacheEntry),
	}

	p.presign = func(ctx context.Context, key string) (string, error) {
		result, err := client.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(p.expiry))
		if err != nil {
			return "", err
		}

		return result.URL, nil
	}

	return p
}

// screenshotKeyPrefix mirrors the key layout of the S3 screenshot store.
func screenshotKeyPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "screenshots"
	}

	return prefix + "/screenshots"
}

// PresignRef returns a presigned GET URL for an s3:// screenshot reference.
// Results are cached for half the expiry so a returned URL always has
// sufficient validity left.
func (p *s3Presigner) PresignRef(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := screenshot.ParseS3Ref(ref)
	if !ok || bucket != p.bucket {
		return "", fmt.Errorf("reference %q is not in bucket %s", ref, p.bucket)
	}

	if !isAllowedPath(key) || !strings.HasPrefix(key, p.prefix+"/") {
		return "", fmt.Errorf("key %q is not a screenshot", key)
	}

	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	url, err := p.presign(ctx, key)
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       url,
		expiresAt: now.Add(p.cacheTTL),
	}

	p.log.WithField("key", key).Debug("Presigned screenshot URL")

	return url, nil
}
