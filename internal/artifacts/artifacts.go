// Package artifacts mirrors merged documents to an object store.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// New returns an S3 store when enabled and a local no-op store otherwise.
func New(ctx context.Context, cfg config.S3Config, logger *observability.Logger) (domain.ArtifactStore, error) {
	if !cfg.Enabled {
		return Local{}, nil
	}
	return NewS3Store(ctx, cfg, logger)
}

// Local keeps the merged file where the merger wrote it.
type Local struct{}

func (Local) Put(_ context.Context, _ string, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (Local) Delete(context.Context, string) error { return nil }

// objectAPI is the part of *s3.Client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store uploads merged documents to S3 or an S3 compatible service such as MinIO.
type S3Store struct {
	client   objectAPI
	bucket   string
	prefix   string
	region   string
	endpoint string
	logger   *observability.Logger
}

// NewS3Store builds the client. Static keys are used when given, the default chain otherwise.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *observability.Logger) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client objectAPI, cfg config.S3Config, logger *observability.Logger) *S3Store {
	if logger == nil {
		logger = observability.Nop()
	}
	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		region:   cfg.Region,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		logger:   logger.WithComponent("artifacts"),
	}
}

// Put uploads the file and returns its URL.
func (s *S3Store) Put(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", domain.IOError("open merged document", err)
	}
	defer f.Close()

	objectKey := s.objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ContentType: aws.String("text/markdown; charset=utf-8"),
	})
	if err != nil {
		return "", domain.TransientIOError("upload to S3", err)
	}

	url := s.url(objectKey)
	s.logger.Debug().Str("key", objectKey).Str("url", url).Msg("Uploaded merged document")
	return url, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return domain.TransientIOError("delete from S3", err)
	}
	return nil
}

func (s *S3Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3Store) url(objectKey string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, objectKey)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, objectKey)
}
