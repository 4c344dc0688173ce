// Package local implements a filesystem-backed blob store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local blob store.
type Config struct {
	// BaseDir is the root directory where blobs are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem. Writes are atomic: data
// lands in a temp file in the destination directory and is renamed into
// place, so a crash mid-write never leaves a partial object under its final
// name.
type BlobStore struct {
	baseDir string
}

// New creates a local blob store rooted at cfg.BaseDir.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// Save writes data under objectName inside the base directory.
func (s *BlobStore) Save(ctx context.Context, objectName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save canceled: %w", err)
	}
	if strings.TrimSpace(objectName) == "" {
		return fmt.Errorf("object name is required")
	}

	fullPath := filepath.Join(s.baseDir, objectName)

	// Reject anything that would escape the base directory.
	cleanBase := filepath.Clean(s.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("object name escapes base directory")
	}

	dir := filepath.Dir(cleanFull)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, cleanFull); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
