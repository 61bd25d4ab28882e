// Package storage fetches image payloads from S3 for the embedding flow.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/filescope/filescope/pkg/observability"
)

// S3Config configures the object fetcher.
type S3Config struct {
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxObjectBytes rejects objects larger than this before download.
	MaxObjectBytes int64 `mapstructure:"max_object_bytes"`
}

// DefaultS3Config returns defaults suitable for image fetching.
func DefaultS3Config() S3Config {
	return S3Config{
		RequestTimeout: 20 * time.Second,
		MaxObjectBytes: 32 << 20, // 32 MiB
	}
}

// ImageFetcher downloads image objects referenced by s3:// URLs.
type ImageFetcher struct {
	client     *s3.Client
	downloader *manager.Downloader
	cfg        S3Config
	logger     observability.Logger
}

// NewImageFetcher creates an S3-backed image fetcher. Credentials come from
// the default AWS chain (environment, shared config, instance role).
func NewImageFetcher(ctx context.Context, cfg S3Config, logger observability.Logger) (*ImageFetcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultS3Config().RequestTimeout
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = DefaultS3Config().MaxObjectBytes
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	var options []func(*config.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		// Custom endpoint for LocalStack or other S3-compatible stores.
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	return &ImageFetcher{
		client:     client,
		downloader: manager.NewDownloader(client),
		cfg:        cfg,
		logger:     logger.WithPrefix("s3"),
	}, nil
}

// Fetch downloads the object referenced by an s3://bucket/key URL.
func (f *ImageFetcher) Fetch(ctx context.Context, s3URL string) ([]byte, error) {
	bucket, key, err := parseS3URL(s3URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", bucket, key, err)
	}
	if head.ContentLength != nil && *head.ContentLength > f.cfg.MaxObjectBytes {
		return nil, fmt.Errorf("object s3://%s/%s is %d bytes, limit is %d",
			bucket, key, *head.ContentLength, f.cfg.MaxObjectBytes)
	}

	buf := manager.NewWriteAtBuffer(nil)
	n, err := f.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}

	f.logger.Debug("Downloaded image object", map[string]interface{}{
		"bucket": bucket,
		"key":    key,
		"bytes":  n,
	})
	return buf.Bytes(), nil
}

func parseS3URL(s3URL string) (bucket, key string, err error) {
	u, err := url.Parse(s3URL)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 URL %q", s3URL)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q", s3URL)
	}
	return bucket, key, nil
}
