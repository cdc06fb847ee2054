package querycache

import (
	"sync/atomic"
)

// Statistics tracks cache behavior. Counters are always collected;
// Prometheus export is optional via WithMetrics.
type Statistics struct {
	hits      int64 // fresh cache hits served without a network call
	misses    int64 // fetches that had to go to the network
	fetches   int64 // underlying fetcher invocations (including retries)
	dedups    int64 // fetch calls coalesced onto an existing flight
	errors    int64 // fetches that exhausted retries
	sets      int64 // direct SetData writes
	shared    int64 // fetches whose result kept the previous reference
	evictions int64 // entries removed by the sweep
	hydrates  int64 // entries populated from the persistence bridge
}

func (s *Statistics) hit()       { atomic.AddInt64(&s.hits, 1) }
func (s *Statistics) miss()      { atomic.AddInt64(&s.misses, 1) }
func (s *Statistics) fetch()     { atomic.AddInt64(&s.fetches, 1) }
func (s *Statistics) dedup()     { atomic.AddInt64(&s.dedups, 1) }
func (s *Statistics) errored()   { atomic.AddInt64(&s.errors, 1) }
func (s *Statistics) set()       { atomic.AddInt64(&s.sets, 1) }
func (s *Statistics) share()     { atomic.AddInt64(&s.shared, 1) }
func (s *Statistics) eviction()  { atomic.AddInt64(&s.evictions, 1) }
func (s *Statistics) hydration() { atomic.AddInt64(&s.hydrates, 1) }

// Summary is a point-in-time snapshot of cache statistics, including entry
// counts by status.
type Summary struct {
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	Fetches        int64          `json:"fetches"`
	DedupHits      int64          `json:"dedup_hits"`
	Errors         int64          `json:"errors"`
	Sets           int64          `json:"sets"`
	SharedResults  int64          `json:"shared_results"`
	Evictions      int64          `json:"evictions"`
	Hydrations     int64          `json:"hydrations"`
	Entries        int            `json:"entries"`
	CountsByStatus map[string]int `json:"counts_by_status"`
}

func (s *Statistics) summary() Summary {
	return Summary{
		Hits:          atomic.LoadInt64(&s.hits),
		Misses:        atomic.LoadInt64(&s.misses),
		Fetches:       atomic.LoadInt64(&s.fetches),
		DedupHits:     atomic.LoadInt64(&s.dedups),
		Errors:        atomic.LoadInt64(&s.errors),
		Sets:          atomic.LoadInt64(&s.sets),
		SharedResults: atomic.LoadInt64(&s.shared),
		Evictions:     atomic.LoadInt64(&s.evictions),
		Hydrations:    atomic.LoadInt64(&s.hydrates),
	}
}
