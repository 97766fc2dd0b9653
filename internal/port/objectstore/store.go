// Package objectstore defines the object storage port for run artifacts.
package objectstore

import "context"

// Store is the port interface for the artifact bucket. Keys are opaque
// strings; writes are idempotent by key replacement.
type Store interface {
	// Put creates or overwrites the object at key.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object's bytes, or nil with no error when the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
}
