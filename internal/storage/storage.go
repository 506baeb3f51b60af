package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Bucket identifies one of the two logical object buckets. The set is
// closed; callers never construct other values.
type Bucket string

const (
	// BucketUploads holds user-submitted reference images and generated output.
	BucketUploads Bucket = "uploads"
	// BucketModelArtifacts holds trained LoRA adapters.
	BucketModelArtifacts Bucket = "model_artifacts"
)

// Store is the object transfer contract. Paths are opaque slash-delimited
// strings; any {owner_prefix}/... convention is enforced by callers, not
// here. Download and upload are the only primitives the worker needs.
type Store interface {
	Download(ctx context.Context, bucket Bucket, objectPath, destPath string) error
	Upload(ctx context.Context, bucket Bucket, localPath, objectPath, contentType string) error
}

// DownloadMany fetches objects into destDir, best-effort: individual
// failures are skipped, and the returned slice holds only the local paths
// that succeeded, in input order. Local names are prefixed with a
// zero-padded sequence index so colliding basenames cannot overwrite each
// other. Callers compare the returned count against the requested count to
// decide whether the batch is usable.
func DownloadMany(ctx context.Context, store Store, bucket Bucket, objectPaths []string, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure dest dir: %w", err)
	}
	localPaths := make([]string, 0, len(objectPaths))
	for i, objectPath := range objectPaths {
		name := path.Base(objectPath)
		local := filepath.Join(destDir, fmt.Sprintf("%04d_%s", i, name))
		if err := store.Download(ctx, bucket, objectPath, local); err != nil {
			continue
		}
		localPaths = append(localPaths, local)
	}
	return localPaths, nil
}
