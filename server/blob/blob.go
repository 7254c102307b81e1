// Package blob stores print file contents. The coordinator treats file
// bytes as opaque; metadata lives in the relational store and only the
// storage key crosses between the two.
package blob

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a storage key has no blob.
var ErrNotFound = errors.New("blob not found")

// Store is a content-addressable-ish blob backend keyed by opaque storage
// keys.
type Store interface {
	// Put writes a blob under key. An existing blob with the same key is
	// replaced.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens a blob for reading. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether a blob is stored under key. Metadata rows can
	// outlive their bytes, so listings check before promising a download.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh storage key. Keys are UUIDs so they are safe as
// filenames and object names and never collide with user-supplied names.
func NewKey() string {
	return uuid.NewString()
}
