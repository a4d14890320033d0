// Package archive uploads compacted event log segments to S3 so the
// full history survives local compaction.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/crystalford/flyback/log"
)

// Config holds configuration for the S3 archive backend.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes log segments to an object store. A nil Uploader is
// valid and uploads nothing.
type Uploader struct {
	client putObjectAPI
	cfg    Config
	logger *log.Logger
}

// New creates an Uploader using the AWS SDK default credential chain
// (env vars, shared config, IAM role).
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// UploadSegment stores one compacted segment keyed by its sequence
// range and upload time.
func (u *Uploader) UploadSegment(ctx context.Context, segment []byte, upToSeq int64, now time.Time) (string, error) {
	if u == nil {
		return "", nil
	}

	key := path.Join(u.cfg.Prefix, fmt.Sprintf("segments/%s-upto-%d.ndjson", now.UTC().Format("20060102T150405Z"), upToSeq))
	contentType := "application/x-ndjson"

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.cfg.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(segment),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload segment: %w", err)
	}

	if u.logger != nil {
		u.logger.Info("segment archived", map[string]any{
			"bucket":    u.cfg.Bucket,
			"key":       key,
			"bytes":     len(segment),
			"up_to_seq": upToSeq,
		})
	}
	return key, nil
}
