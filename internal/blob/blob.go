// Package blob abstracts the durable object storage used for uploaded
// archives, collection images, and the consolidated embedding artifact.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a durable blob interface over S3-compatible storage.
type Store interface {
	// Get reads an object fully into memory.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes an object. A Put to an existing key replaces it atomically;
	// concurrent readers observe either the old or the new content.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Copy performs a server-side copy from src to dst.
	Copy(ctx context.Context, src, dst string) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListAll returns every object key under the given prefix.
	ListAll(ctx context.Context, prefix string) ([]string, error)

	// Presign returns a time-limited public URL for an object.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
