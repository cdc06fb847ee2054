// Package querysync provides a client-side query/mutation cache with
// offline synchronization: on-demand fetching with staleness tracking,
// request deduplication, retry with exponential backoff, structural
// sharing, a durable FIFO mutation queue with replay, and pluggable
// persistence.
//
// # Architecture
//
// The engine is assembled from small packages, each owning one concern:
//
//	┌─────────────────────────────────────┐
//	│           querycache                │  Fetch orchestration,
//	│  (entries, dedup, staleness,        │  invalidation, eviction,
//	│   subscribe/notify, stats)          │  structural sharing
//	└─────────────────────────────────────┘
//	      ↓ gates through        ↓ mirrors through
//	┌──────────────┐       ┌──────────────┐
//	│   netmode    │       │   persist    │  Hydrate on first access,
//	│ (online mode │       │  (bridge +   │  best-effort write-through
//	│  + monitor)  │       │   codecs)    │
//	└──────────────┘       └──────┬───────┘
//	      ↑ triggers replay       ↓
//	┌──────────────┐       ┌──────────────┐
//	│   mutation   │──────→│   storage    │  memstore (in-memory)
//	│ (runner +    │       │ (Store/      │  natsstore (JetStream KV)
//	│  FIFO queue) │       │  Updater)    │
//	└──────────────┘       └──────────────┘
//
// # Queries
//
// A query is identified by a querykey.Key, an ordered sequence of
// primitive parts canonicalized to a stable string. The cache deduplicates
// concurrent fetches per key, serves fresh data without touching the
// network, and retries failures per the entry's retry.Policy:
//
//	cache, err := querycache.New(monitor)
//	key := querykey.MustFrom("todos", "list")
//	data, err := cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
//	    return client.ListTodos(ctx)
//	})
//
// Invalidation marks entries stale; entries with active subscribers are
// refetched in the background, others lazily on next access.
//
// # Mutations
//
// Mutations run through a lifecycle of hooks (OnMutate, OnSuccess,
// OnError, OnSettled) supporting optimistic updates with rollback. A
// mutation registered under a key survives going offline: it is recorded
// in a durable queue and replayed in order when connectivity returns:
//
//	registry.Register("todo.add", func(ctx context.Context, payload json.RawMessage) error {
//	    return client.AddTodoRaw(ctx, payload)
//	})
//	runner.Mutate(ctx, variables, mutation.Options{Key: "todo.add"})
//
// Replay is strictly FIFO, at-least-once, single-flight per queue, and
// pauses when connectivity drops mid-drain.
//
// # Network modes
//
// Every query and mutation resolves against the connectivity monitor:
// online (the default) waits for connectivity, offlineFirst serves cached
// data when offline, and always ignores connectivity entirely.
//
// # Durability
//
// The storage.Store interface decouples the engine from its backend.
// memstore suits tests and ephemeral engines; natsstore keeps cache
// snapshots and the mutation queue in a NATS JetStream KV bucket, with
// CAS updates protecting the queue across processes.
package querysync
