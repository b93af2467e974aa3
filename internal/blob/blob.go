// Package blob provides the byte storage substrate for entity documents.
//
// Keys are slash-separated paths. A key ending with "/" is a marker key: it
// carries no content, only metadata, and is used to version an entity without
// fetching its documents.
package blob

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Get when no blob is stored under the key.
var ErrNotExist = errors.New("blob does not exist")

// Store is an opaque key to bytes store with per-key metadata.
//
// The merge/versioning core uses only Get, Put, Head and List. Delete exists
// for the registry's explicit entity removal and is never called by the core.
type Store interface {
	// Get returns the stored bytes, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data under key, replacing any previous value and metadata.
	// A nil data is valid and stores a zero-byte blob.
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	// Head returns the metadata stored with key. Absent keys and unreadable
	// metadata yield an empty map, never an error.
	Head(ctx context.Context, key string) (map[string]string, error)
	// List returns all keys starting with prefix, including marker keys.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the blob and its metadata. Deleting an absent key is a
	// no-op.
	Delete(ctx context.Context, key string) error
}
