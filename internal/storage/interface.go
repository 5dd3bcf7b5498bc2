// Package storage archives finished scan reports in S3-compatible object storage.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store the report archive writes to.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// GetURL returns the public URL of key, or "" when the store has none.
	GetURL(key string) string
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
