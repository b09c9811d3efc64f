// Package blob provides blob-upload and fetch primitives backed by S3
// compatible object storage and plain HTTP.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/corvino/connectsphere/internal/transfer"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
	getObject = func(c *s3.Client, ctx context.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		return c.GetObject(ctx, in)
	}
)

// ErrNoBucket is returned when the S3 configuration names no bucket.
var ErrNoBucket = errors.New("s3 bucket not configured")

// S3Config configures an S3Store.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// PublicBaseURL is the origin objects are served from. Defaults to
	// Endpoint/Bucket.
	PublicBaseURL string `yaml:"public_base_url"`
	// ProxyBaseURL is used instead of PublicBaseURL for uploads requesting the proxy.
	ProxyBaseURL string `yaml:"proxy_base_url"`
	KeyPrefix    string `yaml:"key_prefix"`
}

// S3Store stores chunks as S3 objects under random keys.
type S3Store struct {
	cfg    S3Config
	client *s3.Client
	http   *HTTPFetcher
	log    log.FieldLogger
}

// NewS3Store loads AWS configuration and builds a client. Static credentials
// are used when both keys are set; otherwise the default chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		cfg:    cfg,
		client: client,
		http:   NewHTTPFetcher(),
		log:    log.WithField("bucket", cfg.Bucket),
	}, nil
}

func (s *S3Store) publicBase() string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/")
	}
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
}

func (s *S3Store) base(useProxy bool) string {
	if useProxy && s.cfg.ProxyBaseURL != "" {
		return strings.TrimRight(s.cfg.ProxyBaseURL, "/")
	}
	return s.publicBase()
}

// Upload implements transfer.Uploader.
func (s *S3Store) Upload(ctx context.Context, data []byte, contentType string, opts transfer.UploadOptions) (string, error) {
	key := s.cfg.KeyPrefix + uuid.NewString()
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := putObject(s.client, ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.WithFields(log.Fields{"key": key, "bytes": len(data)}).Debug("stored object")
	return s.base(opts.UseProxy) + "/" + key, nil
}

// keyFor maps a URL produced by Upload back to its object key.
func (s *S3Store) keyFor(u string) (string, bool) {
	for _, base := range []string{s.publicBase(), s.base(true)} {
		if key, ok := strings.CutPrefix(u, base+"/"); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// Fetch implements transfer.Fetcher. URLs of this store are read through
// the S3 API; anything else falls back to plain HTTP.
func (s *S3Store) Fetch(ctx context.Context, u string) ([]byte, error) {
	key, ok := s.keyFor(u)
	if !ok {
		return s.http.Fetch(ctx, u)
	}
	out, err := getObject(s.client, ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

var (
	_ transfer.Uploader = (*S3Store)(nil)
	_ transfer.Fetcher  = (*S3Store)(nil)
)
