package querycache

import (
	"context"
	"time"

	"github.com/c360/querysync/querykey"
)

// Status is the lifecycle state of a cache entry. The state machine is
// strict: exactly one status at a time, idle → loading → {success, error},
// and a later fetch moves success/error back through loading.
type Status int

const (
	// StatusIdle means no fetch has been attempted yet.
	StatusIdle Status = iota
	// StatusLoading means a fetch is in flight and no previous success is
	// being served (an entry refetching in the background keeps its
	// success status).
	StatusLoading
	// StatusSuccess means the entry holds data from a completed fetch.
	StatusSuccess
	// StatusError means the last fetch failed after exhausting retries.
	StatusError
)

// String returns a string representation of the status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Fetcher produces the data for a query key. It must honor context
// cancellation; the engine cancels superseded fetches through it.
type Fetcher func(ctx context.Context) (any, error)

// Event is delivered to subscribers whenever an entry's state changes.
type Event struct {
	Key    querykey.Key
	Status Status
	Data   any
	Err    error
}

// Subscriber receives entry state changes. Callbacks run synchronously
// relative to the state change that produced them and must not block.
type Subscriber func(Event)

// flight is one in-flight fetch. At most one flight exists per key at any
// instant; concurrent fetch calls attach as waiters on the done channel.
// A forced refetch supersedes the flight by linking next and cancelling
// its context; superseded flights never write entry state.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	data   any
	err    error
	next   *flight // set when superseded by a forced refetch
}

// entry is the cache-internal record for one query key. All fields are
// guarded by the cache mutex.
type entry struct {
	key     querykey.Key
	cfg     EntryConfig
	status  Status
	data    any
	hasData bool
	err     error

	fetchedAt time.Time
	staleAt   time.Time
	expiresAt time.Time

	inFlight *flight
	fetcher  Fetcher // last fetcher, reused by invalidation refetch

	hydrated bool // persisted snapshot already consulted

	subscriberSeq int
	subscribers   map[int]Subscriber
}

func (e *entry) fresh(now time.Time) bool {
	return e.status == StatusSuccess && e.hasData && now.Before(e.staleAt)
}

func (e *entry) expired(now time.Time) bool {
	return e.cfg.AutoDispose && len(e.subscribers) == 0 && now.After(e.expiresAt)
}

func (e *entry) snapshotSubscribers() []Subscriber {
	if len(e.subscribers) == 0 {
		return nil
	}
	subs := make([]Subscriber, 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (e *entry) event() Event {
	return Event{Key: e.key, Status: e.status, Data: e.data, Err: e.err}
}

// EntryView is a read-only snapshot of an entry exposed by Get and
// InvalidateWhere predicates.
type EntryView struct {
	Key             querykey.Key
	Status          Status
	Data            any
	HasData         bool
	Err             error
	FetchedAt       time.Time
	StaleAt         time.Time
	SubscriberCount int
}

func (e *entry) view() EntryView {
	return EntryView{
		Key:             e.key,
		Status:          e.status,
		Data:            e.data,
		HasData:         e.hasData,
		Err:             e.err,
		FetchedAt:       e.fetchedAt,
		StaleAt:         e.staleAt,
		SubscriberCount: len(e.subscribers),
	}
}
