package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"callcoach-server/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// S3Storage uploads recordings to an S3 compatible bucket.
type S3Storage struct {
	client    *s3.Client
	bucket    string
	prefix    string
	region    string
	endpoint  string
	publicURL string
	logger    *logrus.Logger
}

// NewS3Storage creates a new S3 storage backend. A custom endpoint switches
// to path-style addressing for MinIO and similar services.
func NewS3Storage(ctx context.Context, cfg config.RecordingConfig, accessKeyID, secretAccessKey string, logger *logrus.Logger) (*S3Storage, error) {
	awsCfg, err := config.LoadAWSConfig(ctx, cfg.S3Region, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.WithFields(logrus.Fields{
		"bucket":   cfg.S3Bucket,
		"region":   cfg.S3Region,
		"prefix":   cfg.S3Prefix,
		"endpoint": cfg.S3Endpoint,
	}).Info("S3 recording storage initialized")

	return &S3Storage{
		client:    client,
		bucket:    cfg.S3Bucket,
		prefix:    cfg.S3Prefix,
		region:    cfg.S3Region,
		endpoint:  strings.TrimRight(cfg.S3Endpoint, "/"),
		publicURL: strings.TrimRight(cfg.S3PublicURL, "/"),
		logger:    logger,
	}, nil
}

// Upload puts the WAV object and returns its URL.
func (s *S3Storage) Upload(ctx context.Context, teamID, callID string, wav io.Reader, size int64, sampleRate int) (string, error) {
	key := ObjectKey(s.prefix, teamID, callID)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        wav,
		ContentType: aws.String("audio/wav"),
		Metadata: map[string]string{
			"call-id":     callID,
			"team-id":     teamID,
			"sample-rate": fmt.Sprintf("%d", sampleRate),
		},
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload recording to s3://%s/%s: %w", s.bucket, key, err)
	}

	location := ObjectURL(s.publicURL, s.endpoint, s.bucket, s.region, key)
	s.logger.WithFields(logrus.Fields{
		"call_id":  callID,
		"team_id":  teamID,
		"location": location,
		"bytes":    size,
	}).Info("Recording uploaded to S3")
	return location, nil
}

// ObjectURL resolves the URL stored with a completed call. A public base
// URL wins, then a custom endpoint (path style), then the regional
// virtual-hosted AWS URL.
func ObjectURL(publicURL, endpoint, bucket, region, key string) string {
	escaped := escapeKey(key)
	switch {
	case publicURL != "":
		return strings.TrimRight(publicURL, "/") + "/" + escaped
	case endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), bucket, escaped)
	case region == "" || region == "us-east-1":
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
