package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/querykey"
	"github.com/c360/querysync/storage"
)

// QueryPrefix is the storage namespace for persisted query entries. Each
// normalized query key occupies one storage key under this prefix.
const QueryPrefix = "query/"

// Snapshot is the persisted form of a query entry.
type Snapshot struct {
	Data      any       // Hydrated value
	FetchedAt time.Time // Timestamp of the fetch that produced Data
}

// record is the on-disk JSON layout: {data, fetchedAt}.
type record struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt int64           `json:"fetchedAt"` // Unix milliseconds
}

// Bridge mirrors successful fetches to a storage.Store and hydrates entries
// back from it. It only mirrors state the cache already holds; it never
// creates entries on its own.
//
// Mirror failures are storage errors: logged and reported, never fatal to
// the in-memory cache.
type Bridge struct {
	store  storage.Store
	logger *slog.Logger
}

// NewBridge creates a persistence bridge over the given store.
func NewBridge(store storage.Store, logger *slog.Logger) (*Bridge, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "persist", "NewBridge", "store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{store: store, logger: logger}, nil
}

// StorageKey returns the storage key for a query key.
func StorageKey(key querykey.Key) string {
	return QueryPrefix + key.Canonical()
}

// Hydrate reads the stored snapshot for key, if any. Returns (nil, nil)
// when nothing is stored, so callers distinguish "no snapshot" from
// storage failure.
func (b *Bridge) Hydrate(ctx context.Context, key querykey.Key, codec Codec) (*Snapshot, error) {
	if !codec.Valid() {
		return nil, errors.WrapInvalid(errors.ErrCodecRequired, "persist", "Hydrate", "hydrate "+key.Canonical())
	}

	raw, err := b.store.Get(ctx, StorageKey(key))
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "persist", "Hydrate", "read snapshot")
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "persist", "Hydrate", "decode snapshot envelope")
	}

	data, err := codec.Unmarshal(rec.Data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "persist", "Hydrate", "decode snapshot data")
	}

	return &Snapshot{
		Data:      data,
		FetchedAt: time.UnixMilli(rec.FetchedAt),
	}, nil
}

// Mirror writes the snapshot for key through to storage. The write is
// best-effort from the cache's perspective; callers typically invoke it on
// a separate goroutine so subscribers are not blocked on storage latency.
func (b *Bridge) Mirror(ctx context.Context, key querykey.Key, data any, fetchedAt time.Time, codec Codec) error {
	if !codec.Valid() {
		return errors.WrapInvalid(errors.ErrCodecRequired, "persist", "Mirror", "mirror "+key.Canonical())
	}

	encoded, err := codec.Marshal(data)
	if err != nil {
		return errors.WrapInvalid(err, "persist", "Mirror", "encode snapshot data")
	}

	raw, err := json.Marshal(record{
		Data:      encoded,
		FetchedAt: fetchedAt.UnixMilli(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "persist", "Mirror", "encode snapshot envelope")
	}

	if err := b.store.Put(ctx, StorageKey(key), raw); err != nil {
		b.logger.Warn("snapshot mirror failed", "key", key.Canonical(), "error", err)
		return errors.WrapTransient(err, "persist", "Mirror", "write snapshot")
	}
	return nil
}

// Remove deletes the stored snapshot for key. Missing snapshots are
// ignored.
func (b *Bridge) Remove(ctx context.Context, key querykey.Key) error {
	if err := b.store.Delete(ctx, StorageKey(key)); err != nil {
		return errors.WrapTransient(err, "persist", "Remove", "delete snapshot")
	}
	return nil
}

// HydrateAll reads snapshots for all given keys in parallel. Missing
// snapshots are skipped; the first storage failure aborts the batch.
func (b *Bridge) HydrateAll(ctx context.Context, keys []querykey.Key, codec Codec) (map[string]*Snapshot, error) {
	results := make([]*Snapshot, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			snap, err := b.Hydrate(gctx, key, codec)
			if err != nil {
				return fmt.Errorf("hydrate %s: %w", key.Canonical(), err)
			}
			results[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*Snapshot, len(keys))
	for i, key := range keys {
		if results[i] != nil {
			out[key.Canonical()] = results[i]
		}
	}
	return out, nil
}
