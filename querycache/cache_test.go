package querycache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/netmode"
	"github.com/c360/querysync/persist"
	"github.com/c360/querysync/pkg/retry"
	"github.com/c360/querysync/querykey"
	"github.com/c360/querysync/storage/memstore"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(netmode.NewMonitor(true, testLogger()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func staticFetcher(value any, calls *atomic.Int64) Fetcher {
	return func(ctx context.Context) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return value, nil
	}
}

func TestFetchReturnsFetcherResult(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("todos", "list")

	var calls atomic.Int64
	got, err := c.Fetch(context.Background(), key, staticFetcher("hello", &calls))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, int64(1), calls.Load())

	view, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, view.Status)
	assert.Equal(t, "hello", view.Data)
}

func TestFetchFreshHitSkipsNetwork(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("users", 42)
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Minute

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		got, err := c.Fetch(context.Background(), key, staticFetcher("u42", &calls), WithEntryConfig(cfg))
		require.NoError(t, err)
		assert.Equal(t, "u42", got)
	}
	assert.Equal(t, int64(1), calls.Load())

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestFetchStaleRefetches(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("feed")

	// Default StaleTime of zero means every fetch goes to the network.
	var calls atomic.Int64
	_, err := c.Fetch(context.Background(), key, staticFetcher("a", &calls))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), key, staticFetcher("a", &calls))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestFetchDeduplicatesConcurrentCallers(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("expensive")

	release := make(chan struct{})
	var calls atomic.Int64
	fetcher := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const waiters = 10
	results := make([]any, waiters)
	errs := make([]error, waiters)
	var started, finished sync.WaitGroup
	started.Add(waiters)
	finished.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			started.Done()
			defer finished.Done()
			results[i], errs[i] = c.Fetch(context.Background(), key, fetcher)
		}(i)
	}
	started.Wait()

	// Give every goroutine a moment to attach to the in-flight request.
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	finished.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.GreaterOrEqual(t, c.Stats().DedupHits, int64(waiters-1))
}

func TestForcedRefetchSupersedesInFlight(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("versioned")

	firstStarted := make(chan struct{})
	slowFetcher := func(ctx context.Context) (any, error) {
		close(firstStarted)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var firstResult any
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		firstResult, firstErr = c.Fetch(context.Background(), key, slowFetcher)
	}()
	<-firstStarted

	got, err := c.Refetch(context.Background(), key, staticFetcher("v2", nil))
	require.NoError(t, err)
	assert.Equal(t, "v2", got)

	// The superseded caller receives the new flight's result, not a
	// cancellation error.
	<-done
	require.NoError(t, firstErr)
	assert.Equal(t, "v2", firstResult)
}

func TestFetchRetriesUpToPolicy(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("flaky")
	cfg := DefaultEntryConfig()
	cfg.Retry = retry.Policy{RetryCount: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

	var calls atomic.Int64
	failing := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}

	_, err := c.Fetch(context.Background(), key, failing, WithEntryConfig(cfg))
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load())

	view, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusError, view.Status)
	assert.Error(t, view.Err)
}

func TestFetchErrorThenRecovery(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("recovering")
	cfg := DefaultEntryConfig()
	cfg.Retry = retry.NoRetry()

	_, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, WithEntryConfig(cfg))
	require.Error(t, err)

	got, err := c.Fetch(context.Background(), key, staticFetcher("ok", nil), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	view, _ := c.Get(key)
	assert.Equal(t, StatusSuccess, view.Status)
	assert.NoError(t, view.Err)
}

type profile struct {
	Name string
	Tags []string
}

func TestStructuralSharingKeepsReference(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("profile", "alice")

	first := &profile{Name: "alice", Tags: []string{"admin"}}
	got1, err := c.Fetch(context.Background(), key, staticFetcher(first, nil))
	require.NoError(t, err)

	// A second fetch returning a distinct but deeply-equal value must hand
	// back the original reference.
	second := &profile{Name: "alice", Tags: []string{"admin"}}
	got2, err := c.Fetch(context.Background(), key, staticFetcher(second, nil))
	require.NoError(t, err)

	assert.Same(t, got1, got2)
	assert.Same(t, first, got2)
	assert.Equal(t, int64(1), c.Stats().SharedResults)

	// A genuinely different value replaces the reference.
	third := &profile{Name: "alice", Tags: []string{"admin", "ops"}}
	got3, err := c.Fetch(context.Background(), key, staticFetcher(third, nil))
	require.NoError(t, err)
	assert.Same(t, third, got3)
}

func TestSetDataDoesNotRefreshStaleness(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("drafts")

	var calls atomic.Int64
	_, err := c.Fetch(context.Background(), key, staticFetcher("server", &calls))
	require.NoError(t, err)

	require.NoError(t, c.SetData(key, "optimistic"))
	view, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "optimistic", view.Data)
	assert.Equal(t, StatusSuccess, view.Status)

	// StaleTime is zero, so the entry was already stale before SetData and
	// must remain stale after it.
	got, err := c.Fetch(context.Background(), key, staticFetcher("server2", &calls))
	require.NoError(t, err)
	assert.Equal(t, "server2", got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSetDataWhileFreshServedFromCache(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("fresh-set")
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Minute

	var calls atomic.Int64
	_, err := c.Fetch(context.Background(), key, staticFetcher("server", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)

	require.NoError(t, c.SetData(key, "written"))

	got, err := c.Fetch(context.Background(), key, staticFetcher("server", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "written", got)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("watched")

	var mu sync.Mutex
	var events []Event
	unsubscribe, err := c.Subscribe(key, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = c.Fetch(context.Background(), key, staticFetcher("data", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, StatusLoading, events[0].Status)
	assert.Equal(t, StatusSuccess, events[1].Status)
	assert.Equal(t, "data", events[1].Data)
}

func TestInvalidateTriggersBackgroundRefetch(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("todos")
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Hour

	var calls atomic.Int64
	var value atomic.Value
	value.Store("v1")
	fetcher := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return value.Load(), nil
	}

	var gotSecond atomic.Value
	unsubscribe, err := c.Subscribe(key, func(ev Event) {
		if ev.Status == StatusSuccess && ev.Data == "v2" {
			gotSecond.Store(true)
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = c.Fetch(context.Background(), key, fetcher, WithEntryConfig(cfg))
	require.NoError(t, err)

	value.Store("v2")
	assert.Equal(t, 1, c.Invalidate(key))

	require.Eventually(t, func() bool {
		v, _ := gotSecond.Load().(bool)
		return v
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateWithoutSubscribersIsLazy(t *testing.T) {
	c := newTestCache(t)
	key := querykey.MustFrom("lazy")
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Hour

	var calls atomic.Int64
	_, err := c.Fetch(context.Background(), key, staticFetcher("x", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Invalidate(key))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	// Next access refetches because the entry is stale.
	_, err = c.Fetch(context.Background(), key, staticFetcher("x", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateByPrefix(t *testing.T) {
	c := newTestCache(t)
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Hour

	keys := []querykey.Key{
		querykey.MustFrom("todos", "list"),
		querykey.MustFrom("todos", "detail", 1),
		querykey.MustFrom("users", "list"),
	}
	for _, k := range keys {
		_, err := c.Fetch(context.Background(), k, staticFetcher("v", nil), WithEntryConfig(cfg))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.InvalidateByPrefix(querykey.MustFrom("todos")))

	view, _ := c.Get(querykey.MustFrom("users", "list"))
	assert.True(t, time.Now().Before(view.StaleAt))
}

func TestInvalidateWherePredicate(t *testing.T) {
	c := newTestCache(t)
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Hour

	_, err := c.Fetch(context.Background(), querykey.MustFrom("a"), staticFetcher(1, nil), WithEntryConfig(cfg))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), querykey.MustFrom("b"), staticFetcher(2, nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	n := c.InvalidateWhere(func(v EntryView) bool {
		i, ok := v.Data.(int)
		return ok && i == 2
	})
	assert.Equal(t, 1, n)
}

func TestOfflineFirstServesCachedWhenOffline(t *testing.T) {
	monitor := netmode.NewMonitor(true, testLogger())
	c, err := New(monitor)
	require.NoError(t, err)
	defer c.Close()

	key := querykey.MustFrom("offline-first")
	cfg := DefaultEntryConfig()
	cfg.Mode = netmode.ModeOfflineFirst

	var calls atomic.Int64
	_, err = c.Fetch(context.Background(), key, staticFetcher("cached", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)

	monitor.SetOnline(false)

	// The entry is stale, but offline with cached data means serve cache.
	got, err := c.Fetch(context.Background(), key, staticFetcher("cached", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "cached", got)
	assert.Equal(t, int64(1), calls.Load())

	// Serving from cache is a hit; only the initial network fetch was a miss.
	summary := c.Stats()
	assert.Equal(t, int64(1), summary.Hits)
	assert.Equal(t, int64(1), summary.Misses)
}

func TestOnlineModeWaitsForConnectivity(t *testing.T) {
	monitor := netmode.NewMonitor(false, testLogger())
	c, err := New(monitor)
	require.NoError(t, err)
	defer c.Close()

	key := querykey.MustFrom("gated")

	var calls atomic.Int64
	resultCh := make(chan any, 1)
	go func() {
		got, fetchErr := c.Fetch(context.Background(), key, staticFetcher("online-data", &calls))
		if fetchErr == nil {
			resultCh <- got
		}
	}()

	// Offline: the fetch must not run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())

	monitor.SetOnline(true)

	select {
	case got := <-resultCh:
		assert.Equal(t, "online-data", got)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not resume after going online")
	}
}

func TestAlwaysModeIgnoresConnectivity(t *testing.T) {
	monitor := netmode.NewMonitor(false, testLogger())
	c, err := New(monitor)
	require.NoError(t, err)
	defer c.Close()

	cfg := DefaultEntryConfig()
	cfg.Mode = netmode.ModeAlways

	got, err := c.Fetch(context.Background(), querykey.MustFrom("local"), staticFetcher("from-disk", nil), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "from-disk", got)
}

func TestEvictionAfterCacheTime(t *testing.T) {
	c := newTestCache(t, WithSweepInterval(time.Hour))
	key := querykey.MustFrom("ephemeral")
	cfg := DefaultEntryConfig()
	cfg.CacheTime = time.Millisecond

	_, err := c.Fetch(context.Background(), key, staticFetcher("gone soon", nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.EvictExpired()

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestSubscriberBlocksEviction(t *testing.T) {
	c := newTestCache(t, WithSweepInterval(time.Hour))
	key := querykey.MustFrom("pinned")
	cfg := DefaultEntryConfig()
	cfg.CacheTime = time.Millisecond

	unsubscribe, err := c.Subscribe(key, func(Event) {})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), key, staticFetcher("kept", nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.EvictExpired()
	_, ok := c.Get(key)
	assert.True(t, ok)

	// Dropping the last subscriber restarts the CacheTime clock.
	unsubscribe()
	time.Sleep(10 * time.Millisecond)
	c.EvictExpired()
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestAutoDisposeDisabledKeepsEntry(t *testing.T) {
	c := newTestCache(t, WithSweepInterval(time.Hour))
	key := querykey.MustFrom("permanent")
	cfg := DefaultEntryConfig()
	cfg.CacheTime = time.Millisecond
	cfg.AutoDispose = false

	_, err := c.Fetch(context.Background(), key, staticFetcher("stays", nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.EvictExpired()
	_, ok := c.Get(key)
	assert.True(t, ok)
}

func TestHydrationServesPersistedSnapshot(t *testing.T) {
	store := memstore.New()
	bridge, err := persist.NewBridge(store, testLogger())
	require.NoError(t, err)

	key := querykey.MustFrom("persisted", "todos")
	codec := persist.JSONCodec()
	require.NoError(t, bridge.Mirror(context.Background(), key, map[string]any{"title": "restored"}, time.Now(), codec))

	c := newTestCache(t, WithBridge(bridge))
	cfg := DefaultEntryConfig()
	cfg.Persist = true
	cfg.StaleTime = time.Hour

	// The snapshot is fresh within StaleTime, so no network call happens.
	var calls atomic.Int64
	got, err := c.Fetch(context.Background(), key, staticFetcher("network", &calls), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "restored"}, got)
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Hydrations)
}

func TestHydrationStaleSnapshotRevalidates(t *testing.T) {
	store := memstore.New()
	bridge, err := persist.NewBridge(store, testLogger())
	require.NoError(t, err)

	key := querykey.MustFrom("persisted", "stale")
	codec := persist.JSONCodec()
	fetchedAt := time.Now().Add(-time.Hour)
	require.NoError(t, bridge.Mirror(context.Background(), key, "old", fetchedAt, codec))

	c := newTestCache(t, WithBridge(bridge))
	cfg := DefaultEntryConfig()
	cfg.Persist = true
	cfg.StaleTime = time.Minute

	var sawOld atomic.Bool
	unsubscribe, err := c.Subscribe(key, func(ev Event) {
		if ev.Status == StatusSuccess && ev.Data == "old" {
			sawOld.Store(true)
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	// Snapshot is an hour old against a one-minute window: the entry is
	// populated from storage, then refetched from the network.
	got, err := c.Fetch(context.Background(), key, staticFetcher("new", nil), WithEntryConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "new", got)
	assert.True(t, sawOld.Load())
}

func TestMirrorAfterSuccessfulFetch(t *testing.T) {
	store := memstore.New()
	bridge, err := persist.NewBridge(store, testLogger())
	require.NoError(t, err)

	c := newTestCache(t, WithBridge(bridge))
	key := querykey.MustFrom("mirrored")
	cfg := DefaultEntryConfig()
	cfg.Persist = true

	_, err = c.Fetch(context.Background(), key, staticFetcher("saved", nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, hErr := bridge.Hydrate(context.Background(), key, persist.JSONCodec())
		return hErr == nil && snap != nil && snap.Data == "saved"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetchValidation(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Fetch(context.Background(), querykey.Key{}, staticFetcher("x", nil))
	assert.ErrorIs(t, err, errors.ErrInvalidKey)

	_, err = c.Fetch(context.Background(), querykey.MustFrom("k"), nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestOperationsAfterClose(t *testing.T) {
	c, err := New(netmode.NewMonitor(true, testLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Fetch(context.Background(), querykey.MustFrom("k"), staticFetcher("x", nil))
	assert.ErrorIs(t, err, errors.ErrClosed)

	err = c.SetData(querykey.MustFrom("k"), "x")
	assert.ErrorIs(t, err, errors.ErrClosed)

	_, err = c.Subscribe(querykey.MustFrom("k"), func(Event) {})
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestStatsSnapshot(t *testing.T) {
	c := newTestCache(t)
	cfg := DefaultEntryConfig()
	cfg.StaleTime = time.Minute

	key := querykey.MustFrom("counted")
	_, err := c.Fetch(context.Background(), key, staticFetcher("v", nil), WithEntryConfig(cfg))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), key, staticFetcher("v", nil), WithEntryConfig(cfg))
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Fetches)
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, 1, s.CountsByStatus["success"])
}
