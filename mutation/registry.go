// Package mutation runs server writes with lifecycle hooks and keeps an
// offline-durable FIFO queue that replays them once connectivity returns.
package mutation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/querysync/errors"
)

// Handler replays a queued mutation from its persisted payload. Handlers
// must be registered before replay can find them; a mutation whose key has
// no handler is removed from the queue as a configuration error.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry maps mutation keys to replay handlers. Safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a mutation key. Registering the same key
// twice is a configuration error.
func (r *Registry) Register(key string, handler Handler) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mutation", "Register", "key cannot be empty")
	}
	if handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mutation", "Register", "handler cannot be nil for "+key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mutation", "Register", "handler already registered for "+key)
	}
	r.handlers[key] = handler
	return nil
}

// Lookup returns the handler for key.
func (r *Registry) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrHandlerNotFound, "mutation", "Lookup", "lookup "+key)
	}
	return handler, nil
}

// Keys returns the registered mutation keys, primarily for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	return keys
}
