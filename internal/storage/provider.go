// Package storage defines the blob storage abstraction used for diagnostic
// artifacts such as rendered page snapshots. The abstraction keeps the
// pipeline independent of a specific backend (local filesystem, GCS).
package storage

import "context"

// Provider is the common interface for a blob storage backend.
type Provider interface {
	// Save writes data under the given object name/key.
	Save(ctx context.Context, objectName string, data []byte) error
}

// NoOpProvider discards everything. Useful for dry runs and tests where
// snapshot artifacts are not wanted.
type NoOpProvider struct{}

// Save for NoOpProvider does nothing and always returns nil.
func (NoOpProvider) Save(context.Context, string, []byte) error {
	return nil
}
