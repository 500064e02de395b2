package cache

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested key is absent from a durable store.
var ErrNotFound = errors.New("cache: key not found")

// Store is the durable-tier key-value contract. A per-client local store
// and a server-side shared store both satisfy it; the tiered cache works
// identically with either, or with none at all.
type Store interface {
	// GetRaw returns the stored bytes for key, or ErrNotFound.
	GetRaw(ctx context.Context, key string) ([]byte, error)

	// SetRaw stores value under key, replacing any previous value.
	SetRaw(ctx context.Context, key string, value []byte) error

	// DeleteRaw removes key. Deleting an absent key is not an error.
	DeleteRaw(ctx context.Context, key string) error

	// ListKeys returns all keys starting with prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases store resources.
	Close() error
}
