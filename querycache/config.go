package querycache

import (
	"log/slog"
	"time"

	"github.com/c360/querysync/metric"
	"github.com/c360/querysync/netmode"
	"github.com/c360/querysync/persist"
	"github.com/c360/querysync/pkg/retry"
)

// EntryConfig is the resolved per-entry behavior: freshness window,
// garbage-collection window, retry policy, network mode, and persistence.
type EntryConfig struct {
	// StaleTime is how long fetched data counts as fresh. Zero means data
	// is stale immediately, so every fetch is a network round trip.
	StaleTime time.Duration

	// CacheTime is how long an entry without subscribers survives before
	// the eviction sweep may collect it.
	CacheTime time.Duration

	// Retry governs fetch failures.
	Retry retry.Policy

	// Mode gates network access against connectivity.
	Mode netmode.Mode

	// Persist mirrors successful fetches to the persistence bridge and
	// hydrates the entry from storage on first access.
	Persist bool

	// Codec serializes persisted data. Required when Persist is set;
	// defaults to persist.JSONCodec().
	Codec persist.Codec

	// AutoDispose enables eviction once the entry has no subscribers and
	// CacheTime has elapsed. Entries with AutoDispose disabled stay until
	// the cache is closed.
	AutoDispose bool
}

// DefaultEntryConfig mirrors the defaults consumers expect from a query
// cache: data fresh for zero time, collected five minutes after the last
// subscriber leaves, three retries with exponential backoff.
func DefaultEntryConfig() EntryConfig {
	return EntryConfig{
		StaleTime:   0,
		CacheTime:   5 * time.Minute,
		Retry:       retry.DefaultPolicy(),
		Mode:        netmode.ModeOnline,
		AutoDispose: true,
	}
}

// Option configures the Cache using the functional options pattern.
type Option func(*cacheOptions)

type cacheOptions struct {
	logger        *slog.Logger
	metricsReg    *metric.Registry
	metricsPrefix string
	bridge        *persist.Bridge
	defaults      EntryConfig
	sweepInterval time.Duration
	comparer      func(previous, next any) bool
	refetchers    int
	refetchQueue  int
}

// WithLogger sets the structured logger. Nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *cacheOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exposes cache statistics as Prometheus metrics under the
// given component prefix. If registry is nil, the option is ignored.
func WithMetrics(registry *metric.Registry, prefix string) Option {
	return func(o *cacheOptions) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// WithBridge attaches a persistence bridge for Persist entries. Without a
// bridge, Persist configs are ignored.
func WithBridge(bridge *persist.Bridge) Option {
	return func(o *cacheOptions) {
		o.bridge = bridge
	}
}

// WithDefaults overrides the default EntryConfig applied when a fetch
// supplies none.
func WithDefaults(cfg EntryConfig) Option {
	return func(o *cacheOptions) {
		o.defaults = cfg
	}
}

// WithSweepInterval sets how often the eviction sweep runs. Non-positive
// intervals are ignored.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *cacheOptions) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// WithComparer replaces the structural-sharing equality check. The default
// is reflect.DeepEqual.
func WithComparer(eq func(previous, next any) bool) Option {
	return func(o *cacheOptions) {
		if eq != nil {
			o.comparer = eq
		}
	}
}

// WithRefetchWorkers sizes the background refetch pool used by
// invalidation.
func WithRefetchWorkers(workers, queueSize int) Option {
	return func(o *cacheOptions) {
		if workers > 0 {
			o.refetchers = workers
		}
		if queueSize > 0 {
			o.refetchQueue = queueSize
		}
	}
}

func applyOptions(options ...Option) *cacheOptions {
	opts := &cacheOptions{
		defaults:      DefaultEntryConfig(),
		sweepInterval: 30 * time.Second,
		refetchers:    4,
		refetchQueue:  256,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	return opts
}
