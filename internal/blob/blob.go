// Package blob stores opaque backup archives by key.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blob: object not found")

// Store is a flat key/value object store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys beginning with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
