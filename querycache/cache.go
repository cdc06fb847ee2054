// Package querycache is the central registry of query entries. It owns
// fetch orchestration: freshness checks, request deduplication, retry with
// backoff, network-mode gating, structural sharing, invalidation,
// subscriber notification, persistence hydration/mirroring, and eviction.
package querycache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/netmode"
	"github.com/c360/querysync/persist"
	"github.com/c360/querysync/pkg/retry"
	"github.com/c360/querysync/pkg/worker"
	"github.com/c360/querysync/querykey"
)

// Cache is the query cache. Construct with New; multiple independent
// instances may coexist (test isolation, multi-tenant engines).
type Cache struct {
	id       string
	logger   *slog.Logger
	monitor  *netmode.Monitor
	bridge   *persist.Bridge
	defaults EntryConfig
	comparer func(previous, next any) bool
	stats    *Statistics
	metrics  *cacheMetrics

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	// baseCtx bounds background work (flights, mirror writes, refetches)
	// independent of any single caller's context.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	refetchPool *worker.Pool[querykey.Key]

	sweepInterval time.Duration
	shutdown      chan struct{}
	done          chan struct{}
}

// New creates a query cache bound to the given connectivity monitor.
// A nil monitor gets a permanently-online one, which effectively disables
// network-mode gating.
func New(monitor *netmode.Monitor, options ...Option) (*Cache, error) {
	opts := applyOptions(options...)

	if monitor == nil {
		monitor = netmode.NewMonitor(true, opts.logger)
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "querycache", "New", "metrics registration")
		}
	}

	comparer := opts.comparer
	if comparer == nil {
		comparer = deepEqual
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Cache{
		id:            id,
		logger:        opts.logger.With("component", "querycache", "instance", id),
		monitor:       monitor,
		bridge:        opts.bridge,
		defaults:      opts.defaults,
		comparer:      comparer,
		stats:         &Statistics{},
		metrics:       metrics,
		entries:       make(map[string]*entry),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		sweepInterval: opts.sweepInterval,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	c.refetchPool = worker.NewPool(opts.refetchers, opts.refetchQueue, c.processRefetch)
	if err := c.refetchPool.Start(baseCtx); err != nil {
		baseCancel()
		return nil, errors.WrapFatal(err, "querycache", "New", "start refetch pool")
	}

	go c.sweep()

	return c, nil
}

// ID returns the cache instance identity used in logs.
func (c *Cache) ID() string {
	return c.id
}

// fetchParams carries per-call fetch configuration.
type fetchParams struct {
	cfg   *EntryConfig
	force bool
}

// FetchOption configures a single fetch call.
type FetchOption func(*fetchParams)

// WithEntryConfig sets (or replaces) the entry's resolved config for this
// and subsequent operations on the key.
func WithEntryConfig(cfg EntryConfig) FetchOption {
	return func(p *fetchParams) {
		p.cfg = &cfg
	}
}

// Fetch returns cached data when fresh, otherwise awaits a (deduplicated)
// network fetch. Concurrent calls for the same key attach to the single
// in-flight request.
func (c *Cache) Fetch(ctx context.Context, key querykey.Key, fetcher Fetcher, opts ...FetchOption) (any, error) {
	return c.fetchWith(ctx, key, fetcher, false, opts...)
}

// Refetch forces a network fetch, ignoring freshness. A forced refetch
// supersedes any in-flight request for the key: the old request's context
// is cancelled and its result discarded; its waiters receive the new
// result.
func (c *Cache) Refetch(ctx context.Context, key querykey.Key, fetcher Fetcher, opts ...FetchOption) (any, error) {
	return c.fetchWith(ctx, key, fetcher, true, opts...)
}

// Prefetch fetches only when the entry is stale or absent. Errors are
// swallowed and logged; prefetching is best-effort.
func (c *Cache) Prefetch(ctx context.Context, key querykey.Key, fetcher Fetcher, opts ...FetchOption) {
	if _, err := c.fetchWith(ctx, key, fetcher, false, opts...); err != nil {
		c.logger.Debug("prefetch failed", "key", key.Canonical(), "error", err)
	}
}

func (c *Cache) fetchWith(ctx context.Context, key querykey.Key, fetcher Fetcher, force bool, opts ...FetchOption) (any, error) {
	if key.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "querycache", "Fetch", "key cannot be zero")
	}
	if fetcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "querycache", "Fetch", "fetcher cannot be nil")
	}

	p := fetchParams{force: force}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrClosed, "querycache", "Fetch", "fetch "+key.Canonical())
		}

		e := c.ensureLocked(key, p.cfg)
		e.fetcher = fetcher

		// First access of a persisted entry consults storage before any
		// network fetch (stale-while-revalidate).
		if e.cfg.Persist && !e.hydrated && c.bridge != nil {
			e.hydrated = true
			cfg := e.cfg
			c.mu.Unlock()
			c.hydrateEntry(ctx, key, cfg)
			continue
		}

		now := time.Now()
		if !p.force && e.fresh(now) {
			data := e.data
			c.mu.Unlock()
			c.stats.hit()
			if c.metrics != nil {
				c.metrics.hits.Inc()
			}
			return data, nil
		}

		if e.inFlight != nil {
			if !p.force {
				f := e.inFlight
				c.mu.Unlock()
				c.stats.dedup()
				if c.metrics != nil {
					c.metrics.dedups.Inc()
				}
				return c.wait(ctx, f)
			}
			// Supersede: cancel the old flight and redirect its waiters.
			old := e.inFlight
			f := c.startFlightLocked(e, fetcher)
			old.next = f
			old.cancel()
			subs, ev, changed := c.markLoadingLocked(e)
			c.mu.Unlock()
			if changed {
				notify(subs, ev)
			}
			return c.wait(ctx, f)
		}

		f := c.startFlightLocked(e, fetcher)
		subs, ev, changed := c.markLoadingLocked(e)
		c.mu.Unlock()

		if changed {
			notify(subs, ev)
		}
		return c.wait(ctx, f)
	}
}

func (c *Cache) recordMiss() {
	c.stats.miss()
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

// ensureLocked returns the entry for key, creating it lazily. Caller holds
// c.mu.
func (c *Cache) ensureLocked(key querykey.Key, cfg *EntryConfig) *entry {
	canonical := key.Canonical()
	e, ok := c.entries[canonical]
	if !ok {
		resolved := c.defaults
		if cfg != nil {
			resolved = *cfg
		}
		if resolved.Persist && !resolved.Codec.Valid() {
			resolved.Codec = persist.JSONCodec()
		}
		e = &entry{
			key:         key,
			cfg:         resolved,
			status:      StatusIdle,
			subscribers: make(map[int]Subscriber),
			// A never-subscribed entry is collectable once CacheTime
			// passes, as if its last subscriber left at creation.
			expiresAt: time.Now().Add(resolved.CacheTime),
		}
		c.entries[canonical] = e
		if c.metrics != nil {
			c.metrics.entries.Set(float64(len(c.entries)))
		}
	} else if cfg != nil {
		e.cfg = *cfg
		if e.cfg.Persist && !e.cfg.Codec.Valid() {
			e.cfg.Codec = persist.JSONCodec()
		}
	}
	return e
}

// startFlightLocked creates the in-flight request record. Caller holds
// c.mu; the flight goroutine is launched here.
func (c *Cache) startFlightLocked(e *entry, fetcher Fetcher) *flight {
	fctx, cancel := context.WithCancel(c.baseCtx)
	f := &flight{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	e.inFlight = f
	go c.runFlight(fctx, e, f, fetcher)
	return f
}

// markLoadingLocked transitions a dataless entry to loading. Entries
// refetching in the background keep their success status.
func (c *Cache) markLoadingLocked(e *entry) ([]Subscriber, Event, bool) {
	if e.hasData || e.status == StatusLoading {
		return nil, Event{}, false
	}
	e.status = StatusLoading
	e.err = nil
	return e.snapshotSubscribers(), e.event(), true
}

// wait blocks until the flight (or its superseding successor) completes.
// Cancelling ctx abandons the wait only; the flight keeps running and
// still updates the cache.
func (c *Cache) wait(ctx context.Context, f *flight) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
			c.mu.Lock()
			next := f.next
			c.mu.Unlock()
			if next != nil {
				f = next
				continue
			}
			return f.data, f.err
		}
	}
}

// runFlight performs the gated, retried fetch and applies the outcome.
func (c *Cache) runFlight(fctx context.Context, e *entry, f *flight, fetcher Fetcher) {
	defer f.cancel()

	// Network-mode gate. Re-resolved after every online transition since
	// the signal may flap while waiting.
	for {
		c.mu.Lock()
		mode := e.cfg.Mode
		hasCached := e.hasData
		c.mu.Unlock()

		decision := netmode.Resolve(mode, c.monitor.Online(), hasCached)
		if decision == netmode.Proceed {
			// Counted here rather than at the call site so a flight that
			// resolves from cache (offlineFirst) is a hit, not a miss.
			c.recordMiss()
			break
		}
		if decision == netmode.ServeCached {
			c.finishServeCached(e, f)
			return
		}
		if err := c.monitor.WaitOnline(fctx); err != nil {
			c.finishFlight(e, f, nil, errors.WrapTransient(errors.ErrOffline, "querycache", "Fetch", "wait for online"))
			return
		}
	}

	c.mu.Lock()
	policy := e.cfg.Retry
	c.mu.Unlock()

	data, err := retry.DoWithResult(fctx, policy, func(_ int) (any, error) {
		c.stats.fetch()
		if c.metrics != nil {
			c.metrics.fetches.Inc()
		}
		return fetcher(fctx)
	})
	c.finishFlight(e, f, data, err)
}

// finishServeCached completes an offlineFirst flight from cache without
// touching freshness bookkeeping.
func (c *Cache) finishServeCached(e *entry, f *flight) {
	c.mu.Lock()
	if e.inFlight == f {
		e.inFlight = nil
	}
	f.data = e.data
	c.mu.Unlock()

	c.stats.hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	close(f.done)
}

// finishFlight applies a fetch outcome to the entry unless the flight was
// superseded, then notifies subscribers and releases waiters.
func (c *Cache) finishFlight(e *entry, f *flight, data any, err error) {
	c.mu.Lock()

	if f.next != nil || e.inFlight != f {
		// Superseded or detached: result is discarded, waiters follow
		// f.next (or already got their answer).
		f.err = errors.WrapTransient(errors.ErrFetchSuperseded, "querycache", "Fetch", "fetch "+e.key.Canonical())
		c.mu.Unlock()
		close(f.done)
		return
	}
	e.inFlight = nil

	var mirror bool
	var mirrorData any
	var fetchedAt time.Time

	if err != nil {
		e.status = StatusError
		e.err = errors.WrapTransient(errors.Tag(errors.ErrFetchFailed, err), "querycache", "Fetch", "fetch "+e.key.Canonical())
		f.err = e.err
		c.stats.errored()
		if c.metrics != nil {
			c.metrics.errors.Inc()
		}
	} else {
		var kept bool
		data, kept = shareValue(c.comparer, e.data, e.hasData, data)
		if kept {
			c.stats.share()
		}
		now := time.Now()
		e.status = StatusSuccess
		e.data = data
		e.hasData = true
		e.err = nil
		e.fetchedAt = now
		e.staleAt = now.Add(e.cfg.StaleTime)
		f.data = data

		mirror = e.cfg.Persist && c.bridge != nil
		mirrorData = data
		fetchedAt = now
	}

	subs := e.snapshotSubscribers()
	ev := e.event()
	key := e.key
	codec := e.cfg.Codec
	c.mu.Unlock()

	notify(subs, ev)

	if mirror {
		// Best-effort write-through; subscribers are already notified and
		// must not wait on storage latency.
		go func() {
			if mErr := c.bridge.Mirror(c.baseCtx, key, mirrorData, fetchedAt, codec); mErr != nil {
				c.logger.Warn("mirror after fetch failed", "key", key.Canonical(), "error", mErr)
			}
		}()
	}

	close(f.done)
}

func notify(subs []Subscriber, ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// hydrateEntry populates an entry from its persisted snapshot, if any.
// Storage failures are logged and otherwise ignored.
func (c *Cache) hydrateEntry(ctx context.Context, key querykey.Key, cfg EntryConfig) {
	snap, err := c.bridge.Hydrate(ctx, key, cfg.Codec)
	if err != nil {
		c.logger.Warn("hydration failed", "key", key.Canonical(), "error", err)
		return
	}
	if snap == nil {
		return
	}

	c.mu.Lock()
	e, ok := c.entries[key.Canonical()]
	if !ok || e.hasData {
		c.mu.Unlock()
		return
	}
	e.status = StatusSuccess
	e.data = snap.Data
	e.hasData = true
	e.err = nil
	e.fetchedAt = snap.FetchedAt
	e.staleAt = snap.FetchedAt.Add(e.cfg.StaleTime)
	subs := e.snapshotSubscribers()
	ev := e.event()
	c.mu.Unlock()

	c.stats.hydration()
	notify(subs, ev)
}

// SetData writes directly into the cache (optimistic updates). It runs the
// structural-sharing comparer and notifies subscribers, and deliberately
// does not reset staleAt: written data is as stale as whatever it
// replaced.
func (c *Cache) SetData(key querykey.Key, data any) error {
	if key.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidKey, "querycache", "SetData", "key cannot be zero")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "querycache", "SetData", "set "+key.Canonical())
	}

	e := c.ensureLocked(key, nil)
	if _, kept := shareValue(c.comparer, e.data, e.hasData, data); kept {
		c.mu.Unlock()
		c.stats.set()
		return nil
	}
	e.status = StatusSuccess
	e.data = data
	e.hasData = true
	e.err = nil
	subs := e.snapshotSubscribers()
	ev := e.event()
	c.mu.Unlock()

	c.stats.set()
	notify(subs, ev)
	return nil
}

// Get returns a read-only snapshot of the entry, if present.
func (c *Cache) Get(key querykey.Key) (EntryView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.Canonical()]
	if !ok {
		return EntryView{}, false
	}
	return e.view(), true
}

// Invalidate marks the entry stale. Entries with active subscribers are
// refetched in the background; others refetch lazily on next access.
func (c *Cache) Invalidate(key querykey.Key) int {
	return c.invalidateMatching(func(e *entry) bool { return e.key.Equal(key) })
}

// InvalidateByPrefix invalidates every entry whose key begins with the
// given prefix parts.
func (c *Cache) InvalidateByPrefix(prefix querykey.Key) int {
	return c.invalidateMatching(func(e *entry) bool { return e.key.HasPrefix(prefix) })
}

// InvalidateWhere invalidates every entry matching the predicate.
func (c *Cache) InvalidateWhere(pred func(EntryView) bool) int {
	return c.invalidateMatching(func(e *entry) bool { return pred(e.view()) })
}

func (c *Cache) invalidateMatching(match func(*entry) bool) int {
	c.mu.Lock()
	var refetch []querykey.Key
	count := 0
	for _, e := range c.entries {
		if !match(e) {
			continue
		}
		count++
		e.staleAt = time.Time{}
		if len(e.subscribers) > 0 && e.fetcher != nil && e.inFlight == nil {
			refetch = append(refetch, e.key)
		}
	}
	c.mu.Unlock()

	for _, key := range refetch {
		if err := c.refetchPool.Submit(key); err != nil {
			c.logger.Warn("background refetch dropped", "key", key.Canonical(), "error", err)
		}
	}
	return count
}

// processRefetch is the worker-pool processor behind invalidation.
func (c *Cache) processRefetch(ctx context.Context, key querykey.Key) error {
	c.mu.Lock()
	e, ok := c.entries[key.Canonical()]
	if !ok || e.fetcher == nil {
		c.mu.Unlock()
		return nil
	}
	fetcher := e.fetcher
	c.mu.Unlock()

	// Not forced: if another caller refetched first, dedup applies.
	if _, err := c.fetchWith(ctx, key, fetcher, false); err != nil {
		c.logger.Debug("background refetch failed", "key", key.Canonical(), "error", err)
	}
	return nil
}

// Subscribe registers fn for state changes on key, creating the entry if
// needed. The returned function removes the subscription; when the last
// subscriber leaves, the entry becomes collectable after its CacheTime.
func (c *Cache) Subscribe(key querykey.Key, fn Subscriber) (func(), error) {
	if key.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "querycache", "Subscribe", "key cannot be zero")
	}
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "querycache", "Subscribe", "subscriber cannot be nil")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrClosed, "querycache", "Subscribe", "subscribe "+key.Canonical())
	}
	e := c.ensureLocked(key, nil)
	e.subscriberSeq++
	id := e.subscriberSeq
	e.subscribers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(e.subscribers, id)
			if len(e.subscribers) == 0 {
				e.expiresAt = time.Now().Add(e.cfg.CacheTime)
			}
		})
	}, nil
}

// Stats returns a snapshot of cache statistics including entry counts by
// status.
func (c *Cache) Stats() Summary {
	s := c.stats.summary()

	c.mu.Lock()
	s.Entries = len(c.entries)
	s.CountsByStatus = make(map[string]int, 4)
	for _, e := range c.entries {
		s.CountsByStatus[e.status.String()]++
	}
	c.mu.Unlock()

	return s
}

// sweep periodically evicts expired entries.
func (c *Cache) sweep() {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for canonical, e := range c.entries {
		if e.inFlight == nil && e.expired(now) {
			delete(c.entries, canonical)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		for i := 0; i < removed; i++ {
			c.stats.eviction()
		}
		if c.metrics != nil {
			c.metrics.evictions.Add(float64(removed))
			c.metrics.entries.Set(float64(size))
		}
		c.logger.Debug("evicted expired entries", "count", removed, "remaining", size)
	}
}

// EvictExpired runs one eviction pass immediately. Exposed for callers
// that disable or outpace the periodic sweep.
func (c *Cache) EvictExpired() {
	c.removeExpired()
}

// Close shuts the cache down: cancels in-flight fetches, stops the sweep
// and the refetch pool. Subsequent operations fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		if e.inFlight != nil {
			e.inFlight.cancel()
		}
	}
	c.mu.Unlock()

	close(c.shutdown)
	c.baseCancel()

	if err := c.refetchPool.Stop(5 * time.Second); err != nil {
		c.logger.Warn("refetch pool stop timed out", "error", err)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for sweep goroutine to finish")
	}
}

// Keys returns the canonical keys currently present, primarily for
// diagnostics and persistence warm-up.
func (c *Cache) Keys() []querykey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]querykey.Key, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// DefaultRetry exposes the default retry policy, mainly for consumers
// composing their own entry configs.
func (c *Cache) DefaultRetry() retry.Policy {
	return c.defaults.Retry
}
