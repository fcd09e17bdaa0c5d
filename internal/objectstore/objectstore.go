// Package objectstore stages media blobs in S3-compatible storage. Queue
// rows reference staged media by s3://bucket/key URIs; blobs are removed
// once the referencing item has been posted.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/postwing/xsched/internal/validator"
)

const uriScheme = "s3://"

// StagePrefix names temp files staged by Download, so the cleanup janitor
// can recognize orphans left by crashed runs.
const StagePrefix = "blob-"

// Config holds the S3-compatible endpoint settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Store wraps a MinIO client for one bucket.
type Store struct {
	client *minio.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a store. It does not touch the network; call EnsureBucket
// before first use.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return &Store{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "objectstore").Logger(),
	}, nil
}

// Ping checks that the endpoint answers for the configured bucket.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	return err
}

// EnsureBucket creates the configured bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.cfg.Bucket, err)
	}
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("bucket created")
	return nil
}

// Upload stages a local file and returns its s3:// URI.
func (s *Store) Upload(ctx context.Context, localPath string) (string, error) {
	key := s.objectKey(localPath)
	contentType := "application/octet-stream"
	if mime, _, ok := validator.TypeForExt(filepath.Ext(localPath)); ok {
		contentType = mime
	}

	info, err := s.client.FPutObject(ctx, s.cfg.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", localPath, err)
	}
	s.logger.Info().Str("key", key).Int64("size", info.Size).Msg("blob staged")
	return FormatURI(s.cfg.Bucket, key), nil
}

// Download copies the blob behind uri into a temp file and returns its
// path. The caller owns the file.
func (s *Store) Download(ctx context.Context, uri string) (string, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", StagePrefix+"*"+path.Ext(key))
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmp.Close()

	if err := s.client.FGetObject(ctx, bucket, key, tmp.Name(), minio.GetObjectOptions{}); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("downloading %s: %w", uri, err)
	}
	return tmp.Name(), nil
}

// Delete removes the blob behind uri.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s: %w", uri, err)
	}
	return nil
}

// objectKey builds a collision-free key that keeps the file extension so
// downloads get a usable temp file name back.
func (s *Store) objectKey(localPath string) string {
	name := uuid.New().String() + strings.ToLower(filepath.Ext(localPath))
	return path.Join(s.cfg.Prefix, "media", name)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return "", "", fmt.Errorf("not an object store URI: %q", uri)
	}
	rest := strings.TrimPrefix(uri, uriScheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object store URI: %q", uri)
	}
	return bucket, key, nil
}

// FormatURI builds an s3://bucket/key URI.
func FormatURI(bucket, key string) string {
	return uriScheme + bucket + "/" + key
}

// IsURI reports whether s looks like an object store URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, uriScheme)
}
