package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Store implements Store for S3-compatible storage.
type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
}

// Ensure interface compliance.
var _ Store = (*s3Store)(nil)

// NewS3Store creates a Store uploading captures to S3.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Store{
		log:    log.WithField("component", "screenshots-s3"),
		cfg:    cfg,
		client: NewS3Client(cfg),
	}, nil
}

// Save uploads the capture and returns an s3:// reference.
func (s *s3Store) Save(
	ctx context.Context, runID string, stepIndex int, data []byte,
) (string, error) {
	key := s.resolveKey(runID, stepIndex)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading screenshot to s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"step":   stepIndex,
		"key":    key,
	}).Debug("Uploaded screenshot")

	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}

// resolveKey returns {prefix}/screenshots/{runID}/step-NNN.png. An empty
// prefix places captures at the bucket root.
func (s *s3Store) resolveKey(runID string, stepIndex int) string {
	key := "screenshots/" + runID + "/" + fileName(stepIndex)

	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

// NewS3Client constructs an S3 client from the screenshot storage config.
func NewS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// ParseS3Ref splits an s3://bucket/key reference.
func ParseS3Ref(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}

	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}

	return bucket, key, true
}
