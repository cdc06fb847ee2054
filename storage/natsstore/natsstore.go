// Package natsstore provides a storage.Store backed by a NATS JetStream
// key-value bucket, giving the engine durability across process restarts.
package natsstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/pkg/retry"
)

// Config configures the KV bucket backing the store.
type Config struct {
	Bucket      string        // Bucket name (required)
	Description string        // Bucket description
	History     uint8         // Revisions kept per key
	Timeout     time.Duration // Per-operation timeout
	Retry       retry.Policy  // Retry policy for transient KV failures
}

// DefaultConfig returns sensible defaults for the engine's durable state.
func DefaultConfig(bucket string) Config {
	return Config{
		Bucket:      bucket,
		Description: "querysync durable cache and mutation queue",
		History:     1,
		Timeout:     5 * time.Second,
		Retry: retry.Policy{
			RetryCount: 3,
			BaseDelay:  50 * time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   time.Second,
			Jitter:     true,
		},
	}
}

// Store implements storage.Store over a JetStream KV bucket.
type Store struct {
	bucket jetstream.KeyValue
	cfg    Config
	logger *slog.Logger
}

// New creates (or binds to) the configured KV bucket.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Store, error) {
	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsstore", "New", "jetstream context cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsstore", "New", "bucket name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
		History:     cfg.History,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "New", "create KV bucket")
	}

	return &Store{bucket: bucket, cfg: cfg, logger: logger}, nil
}

// NewWithBucket wraps an existing KV bucket. Used by tests and callers that
// manage bucket lifecycle themselves.
func NewWithBucket(bucket jetstream.KeyValue, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, cfg: cfg, logger: logger}
}

func (s *Store) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return ctx, func() {}
}

// Put stores data at key, overwriting any existing value.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	kvKey, err := EncodeKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	err = retry.Do(ctx, s.cfg.Retry, func(_ int) error {
		_, putErr := s.bucket.Put(ctx, kvKey, data)
		return putErr
	})
	if err != nil {
		return errors.WrapTransient(err, "natsstore", "Put", fmt.Sprintf("put %s", key))
	}
	return nil
}

// Get retrieves the data stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	kvKey, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := retry.DoWithResult(ctx, s.cfg.Retry, func(_ int) (jetstream.KeyValueEntry, error) {
		e, getErr := s.bucket.Get(ctx, kvKey)
		if getErr != nil {
			// Missing keys are a terminal answer, not a transient failure
			if isNotFound(getErr) {
				return nil, retry.NonRetryable(errors.ErrKeyNotFound)
			}
			return nil, getErr
		}
		return e, nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "Get", fmt.Sprintf("get %s", key))
	}

	return entry.Value(), nil
}

// Delete removes the key. Missing keys are ignored (idempotent).
func (s *Store) Delete(ctx context.Context, key string) error {
	kvKey, err := EncodeKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.bucket.Purge(ctx, kvKey); err != nil {
		if isNotFound(err) {
			return nil
		}
		return errors.WrapTransient(err, "natsstore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Update applies an atomic read-modify-write to key, using KV revision
// numbers for optimistic concurrency. A revision conflict re-reads and
// reapplies fn; an error from fn aborts without retrying.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error {
	kvKey, err := EncodeKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	err = retry.Do(ctx, s.cfg.Retry, func(_ int) error {
		entry, getErr := s.bucket.Get(ctx, kvKey)
		if getErr != nil && !isNotFound(getErr) {
			return getErr
		}

		if getErr != nil {
			next, fnErr := fn(nil, false)
			if fnErr != nil {
				return retry.NonRetryable(fnErr)
			}
			_, createErr := s.bucket.Create(ctx, kvKey, next)
			return createErr
		}

		next, fnErr := fn(entry.Value(), true)
		if fnErr != nil {
			return retry.NonRetryable(fnErr)
		}
		_, updateErr := s.bucket.Update(ctx, kvKey, next, entry.Revision())
		return updateErr
	})
	if err != nil {
		return errors.WrapTransient(err, "natsstore", "Update", fmt.Sprintf("update %s", key))
	}
	return nil
}

// List returns all keys with the given prefix in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	kvKeys, err := s.bucket.Keys(ctx)
	if err != nil {
		if isNoKeys(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "natsstore", "List", "list KV keys")
	}

	keys := make([]string, 0, len(kvKeys))
	for _, kvKey := range kvKeys {
		decoded, decErr := DecodeKey(kvKey)
		if decErr != nil {
			s.logger.Warn("skipping undecodable KV key", "key", kvKey, "error", decErr)
			continue
		}
		if strings.HasPrefix(decoded, prefix) {
			keys = append(keys, decoded)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), jetstream.ErrKeyNotFound.Error()) ||
			strings.Contains(err.Error(), jetstream.ErrKeyDeleted.Error()))
}

func isNoKeys(err error) bool {
	return err != nil && strings.Contains(err.Error(), jetstream.ErrNoKeysFound.Error())
}
