// Package store provides the pluggable key/value capability the repository uses
// to persist flag and segment definitions across restarts.
//
// Backends: in-memory (xsync), Redis, PostgreSQL and SQLite. All of them store
// opaque byte values; encoding is the caller's concern.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a durable key/value capability. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key. found is false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key currently held.
	Keys(ctx context.Context) ([]string, error)

	Close() error
}
