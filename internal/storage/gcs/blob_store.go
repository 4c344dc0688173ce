// Package gcs provides a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes artifacts to a configured GCS bucket. Authentication uses
// Google's Application Default Credentials.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("get bucket %q attributes: %w", cfg.Bucket, err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Save uploads data to the configured bucket.
func (s *BlobStore) Save(ctx context.Context, objectName string, data []byte) error {
	if strings.TrimSpace(objectName) == "" {
		return fmt.Errorf("object name is required")
	}
	w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write object %s: %w", objectName, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", objectName, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
