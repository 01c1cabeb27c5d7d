// Package artifacts persists the screenshots and artifacts collected from
// a rig after its execution finishes. The orchestrator treats the store as
// best effort: a failed upload degrades the stored references, never the
// execution result.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/testrig/testrig/internal/runtimeconfig"
)

// Store persists collected files and returns stable references to them.
type Store interface {
	// Put stores the file at localPath under the execution's prefix and
	// returns the reference callers can later resolve.
	Put(ctx context.Context, executionID, localPath string) (string, error)
}

// FromConfig selects the configured store: S3-compatible when an endpoint
// is set, a local directory store when local_dir is set, otherwise a no-op
// store that echoes the collected paths back.
func FromConfig(cfg runtimeconfig.ArtifactsConfig) (Store, error) {
	if strings.TrimSpace(cfg.Endpoint) != "" {
		return NewObjectStore(cfg)
	}
	if strings.TrimSpace(cfg.LocalDir) != "" {
		return NewLocalStore(cfg.LocalDir)
	}
	return NopStore{}, nil
}

// ObjectStore uploads artifacts to an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(cfg runtimeconfig.ArtifactsConfig) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("artifact bucket is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create artifact store client: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *ObjectStore) Put(ctx context.Context, executionID, localPath string) (string, error) {
	objectName := path.Join(executionID, filepath.Base(localPath))
	_, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("upload artifact %q: %w", localPath, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}

// LocalStore copies artifacts into a flat per-execution directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory %q: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Put(_ context.Context, executionID, localPath string) (string, error) {
	destDir := filepath.Join(s.dir, executionID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory %q: %w", destDir, err)
	}
	dest := filepath.Join(destDir, filepath.Base(localPath))

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact %q: %w", localPath, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact copy %q: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy artifact to %q: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// NopStore leaves artifacts where the rig wrote them.
type NopStore struct{}

func (NopStore) Put(_ context.Context, _ string, localPath string) (string, error) {
	return localPath, nil
}
