package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"worker/internal/domain"
)

// FileStore persists objects onto the local filesystem, one subdirectory per
// bucket. It is intended for development and test environments where an
// object storage service is not available.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Download copies the object at bucket/objectPath into destPath.
func (s *FileStore) Download(ctx context.Context, bucket Bucket, objectPath, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.objectFile(bucket, objectPath)
	if err != nil {
		return err
	}
	if err := copyFile(src, destPath); err != nil {
		return fmt.Errorf("%w: download %s/%s: %v", domain.ErrStorageFailure, bucket, objectPath, err)
	}
	return nil
}

// Upload copies localPath into the bucket at objectPath. The content type is
// ignored; the filesystem has nowhere to record it.
func (s *FileStore) Upload(ctx context.Context, bucket Bucket, localPath, objectPath, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.objectFile(bucket, objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: upload %s/%s: %v", domain.ErrStorageFailure, bucket, objectPath, err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("%w: upload %s/%s: %v", domain.ErrStorageFailure, bucket, objectPath, err)
	}
	return nil
}

func (s *FileStore) objectFile(bucket Bucket, key string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, string(bucket), filepath.FromSlash(cleanKey)), nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

var _ Store = (*FileStore)(nil)
