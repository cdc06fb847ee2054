package querycache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querysync/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	fetches   prometheus.Counter
	dedups    prometheus.Counter
	errors    prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with the registry.
func newCacheMetrics(registry *metric.Registry, prefix string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "querysync",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Fresh cache hits served without a network call"),
		misses:    counter("misses_total", "Fetches that went to the network"),
		fetches:   counter("fetches_total", "Underlying fetcher invocations, including retries"),
		dedups:    counter("dedup_hits_total", "Fetch calls coalesced onto an in-flight request"),
		errors:    counter("errors_total", "Fetches that exhausted their retry policy"),
		evictions: counter("evictions_total", "Entries removed by the eviction sweep"),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "querysync",
			Subsystem:   "cache",
			Name:        "entries",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of cache entries",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"hits_total":       m.hits,
		"misses_total":     m.misses,
		"fetches_total":    m.fetches,
		"dedup_hits_total": m.dedups,
		"errors_total":     m.errors,
		"evictions_total":  m.evictions,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "entries", m.entries); err != nil {
		return nil, err
	}

	return m, nil
}
