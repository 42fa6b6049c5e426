// Package s3storage mirrors stored originals and their derivatives into an
// S3-compatible bucket.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
)

// ErrInvalidKey is returned for paths that are not clean relative paths.
var ErrInvalidKey = errors.New("s3storage: invalid object key")

// Mirror copies files below the upload root to a bucket using the same
// relative path as object key.
type Mirror struct {
	client *minio.Client
	bucket string
	region string
	root   string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Mirror, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Mirror{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
		root:   cfg.UploadRoot,
	}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", m.bucket, err)
		}
	}
	return nil
}

// PutFile uploads root/rel to the object rel.
func (m *Mirror) PutFile(ctx context.Context, rel string) error {
	key, err := ObjectKey(rel)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: ContentType(key)}
	if _, err := m.client.FPutObject(ctx, m.bucket, key, m.localPath(key), opts); err != nil {
		return fmt.Errorf("upload object %s: %w", key, err)
	}
	return nil
}

// Restore downloads the object rel into the upload root unless a local copy
// already exists. Workers on other hosts use it before rendering.
func (m *Mirror) Restore(ctx context.Context, rel string) error {
	key, err := ObjectKey(rel)
	if err != nil {
		return err
	}
	local := m.localPath(key)
	if _, err := os.Stat(local); err == nil {
		return nil
	}
	if err := m.client.FGetObject(ctx, m.bucket, key, local, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	return nil
}

// Presign returns a signed GET URL for the object rel.
func (m *Mirror) Presign(ctx context.Context, rel string, ttl time.Duration) (string, error) {
	key, err := ObjectKey(rel)
	if err != nil {
		return "", err
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}

func (m *Mirror) localPath(key string) string {
	return filepath.Join(m.root, filepath.FromSlash(key))
}

// ObjectKey validates rel as a clean, relative, slash separated path.
func ObjectKey(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, rel)
	}
	clean := path.Clean(rel)
	if clean != rel || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, rel)
	}
	return clean, nil
}

// ContentType guesses the object content type from its extension.
func ContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
