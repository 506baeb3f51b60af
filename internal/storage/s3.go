package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/infra"
)

// S3Options configures the S3-compatible object store client.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Logger    *infra.Logger
}

// S3Store talks to an S3-compatible object storage endpoint (the hosted
// storage service in production, MinIO in development).
type S3Store struct {
	client *minio.Client
	logger *infra.Logger
}

// NewS3Store initializes the client. It fails when the endpoint or
// credentials are missing; the worker cannot run a single job without
// object storage.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("storage: endpoint and credentials are required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &S3Store{client: client, logger: logger}, nil
}

// Download fetches one object into destPath.
func (s *S3Store) Download(ctx context.Context, bucket Bucket, objectPath, destPath string) error {
	if err := s.client.FGetObject(ctx, string(bucket), objectPath, destPath, minio.GetObjectOptions{}); err != nil {
		s.logger.Warn().Err(err).Str("bucket", string(bucket)).Str("path", objectPath).Msg("download failed")
		// A half-written temp file is cleaned up by FGetObject itself, but a
		// zero-byte dest can remain on some failure paths.
		os.Remove(destPath)
		return fmt.Errorf("%w: download %s/%s: %v", domain.ErrStorageFailure, bucket, objectPath, err)
	}
	return nil
}

// Upload stores localPath at objectPath with the given content type.
func (s *S3Store) Upload(ctx context.Context, bucket Bucket, localPath, objectPath, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.FPutObject(ctx, string(bucket), objectPath, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("bucket", string(bucket)).Str("path", objectPath).Msg("upload failed")
		return fmt.Errorf("%w: upload %s/%s: %v", domain.ErrStorageFailure, bucket, objectPath, err)
	}
	return nil
}

var _ Store = (*S3Store)(nil)
