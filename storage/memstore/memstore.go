// Package memstore provides an in-memory storage.Store implementation.
// It backs tests and engines that do not need durability across restarts.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/c360/querysync/errors"
)

// Store is a thread-safe in-memory key-value store.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Put stores a copy of data at key.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "memstore", "Put", "key cannot be empty")
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.items[key] = cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the data stored at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WrapTransient(errors.ErrKeyNotFound, "memstore", "Get", "get "+key)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the key. Missing keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// List returns all keys with the given prefix in lexicographic order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Update applies an atomic read-modify-write to key under the store lock.
func (s *Store) Update(_ context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "memstore", "Update", "key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[key]
	var cp []byte
	if ok {
		cp = make([]byte, len(current))
		copy(cp, current)
	}

	next, err := fn(cp, ok)
	if err != nil {
		return err
	}

	stored := make([]byte, len(next))
	copy(stored, next)
	s.items[key] = stored
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
