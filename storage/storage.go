// Package storage provides pluggable backend interfaces for durable storage.
package storage

import "context"

// Store is the pluggable key-value backend behind the persistence bridge
// and the mutation queue.
//
// Keys are strings (hierarchical paths supported via "/" separators),
// values are opaque binary data. The engine treats every call as eventually
// consistent and idempotent, and never assumes transactions span multiple
// keys.
//
// Example implementations:
//   - memstore.Store: in-memory map (tests, ephemeral engines)
//   - natsstore.Store: NATS JetStream KV backend
//
// All Store implementations must be safe for concurrent use from multiple
// goroutines.
type Store interface {
	// Put stores data at the specified key, overwriting any existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data stored at key. Returns an error wrapping
	// errors.ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the data at the specified key. Deleting a missing key
	// is not an error (idempotent).
	Delete(ctx context.Context, key string) error

	// List returns all keys matching the given prefix, in lexicographic
	// order. An empty prefix lists every key.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Updater is implemented by stores that support an atomic
// read-modify-write on a single key. fn receives the current value (nil,
// exists=false for a missing key) and returns the replacement; an error
// from fn aborts the update. Consumers that need cross-process safety for
// a shared key (the mutation queue) prefer this over Get+Put when the
// backend offers it.
type Updater interface {
	Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error
}
