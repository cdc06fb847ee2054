package mutation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/metric"
	"github.com/c360/querysync/netmode"
	"github.com/c360/querysync/pkg/retry"
	"github.com/c360/querysync/storage"
)

// StorageKey is where the serialized queue lives in the backing store.
const StorageKey = "mutations"

// QueuedMutation is one durable entry awaiting replay.
type QueuedMutation struct {
	ID         uint64          `json:"id"`
	Key        string          `json:"mutationKey"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// queueRecord is the persisted form: the item list plus the monotonic ID
// counter, stored together so IDs survive restarts.
type queueRecord struct {
	NextID uint64           `json:"nextId"`
	Items  []QueuedMutation `json:"items"`
}

// Queue is a durable FIFO of mutations recorded while offline. Replay is
// strictly ordered, at-least-once, with one attempt cycle per entry:
// after its attempts the entry is removed and any failure is surfaced
// through the OnReplayError callback rather than blocking the queue head.
type Queue struct {
	store    storage.Store
	registry *Registry
	monitor  *netmode.Monitor
	logger   *slog.Logger
	limiter  *rate.Limiter
	retry    retry.Policy

	onReplayError func(QueuedMutation, error)
	onReplayed    func(QueuedMutation)

	metricsReg    *metric.Registry
	metricsPrefix string
	metrics       *queueMetrics

	mu       sync.Mutex // serializes read-modify-write of the record
	draining atomic.Bool
	pending  atomic.Bool // drain trigger that arrived while draining held
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the structured logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithReplayRate paces replays after reconnect so a long queue does not
// stampede the backend.
func WithReplayRate(limit rate.Limit, burst int) QueueOption {
	return func(q *Queue) {
		q.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithReplayRetry sets the per-entry retry policy used during replay.
// Default is no retries.
func WithReplayRetry(p retry.Policy) QueueOption {
	return func(q *Queue) {
		q.retry = p
	}
}

// WithOnReplayError registers the callback invoked when a replayed entry
// fails permanently. The entry has already been removed from the queue.
func WithOnReplayError(fn func(QueuedMutation, error)) QueueOption {
	return func(q *Queue) {
		q.onReplayError = fn
	}
}

// WithOnReplayed registers the callback invoked after a successful replay,
// typically to invalidate affected queries.
func WithOnReplayed(fn func(QueuedMutation)) QueueOption {
	return func(q *Queue) {
		q.onReplayed = fn
	}
}

// WithQueueMetrics exposes queue statistics as Prometheus metrics under
// the given component prefix. Applied during NewQueue; registration
// failures surface from the constructor.
func WithQueueMetrics(registry *metric.Registry, prefix string) QueueOption {
	return func(q *Queue) {
		if registry != nil && prefix != "" {
			q.metricsReg = registry
			q.metricsPrefix = prefix
		}
	}
}

// NewQueue creates a durable mutation queue over the given store.
func NewQueue(store storage.Store, registry *Registry, monitor *netmode.Monitor, opts ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mutation", "NewQueue", "store cannot be nil")
	}
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mutation", "NewQueue", "registry cannot be nil")
	}
	if monitor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mutation", "NewQueue", "monitor cannot be nil")
	}

	q := &Queue{
		store:    store,
		registry: registry,
		monitor:  monitor,
		logger:   slog.Default(),
		retry:    retry.NoRetry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = q.logger.With("component", "mutation.queue")

	if q.metricsReg != nil {
		m, err := newQueueMetrics(q.metricsReg, q.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "mutation", "NewQueue", "metrics registration")
		}
		q.metrics = m
	}
	return q, nil
}

// Start registers the replay trigger on the connectivity monitor and, if
// currently online, drains whatever a previous session left behind.
func (q *Queue) Start(ctx context.Context) {
	q.monitor.OnOnline(func() {
		if err := q.Drain(ctx); err != nil && !errors.Is(err, errors.ErrDrainInProgress) {
			q.logger.Error("replay drain failed", "error", err)
		}
	})

	if q.monitor.Online() {
		go func() {
			if err := q.Drain(ctx); err != nil && !errors.Is(err, errors.ErrDrainInProgress) {
				q.logger.Error("startup drain failed", "error", err)
			}
		}()
	}
}

// Enqueue appends a mutation to the durable queue.
func (q *Queue) Enqueue(ctx context.Context, key string, payload json.RawMessage) (QueuedMutation, error) {
	if key == "" {
		return QueuedMutation{}, errors.WrapInvalid(errors.ErrMissingMutateKey, "mutation", "Enqueue", "enqueue mutation")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var item QueuedMutation
	var depth int
	err := q.mutateRecord(ctx, func(rec *queueRecord) error {
		rec.NextID++
		item = QueuedMutation{
			ID:         rec.NextID,
			Key:        key,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		rec.Items = append(rec.Items, item)
		depth = len(rec.Items)
		return nil
	})
	if err != nil {
		return QueuedMutation{}, err
	}

	if q.metrics != nil {
		q.metrics.enqueued.Inc()
		q.metrics.depth.Set(float64(depth))
	}
	q.logger.Debug("mutation enqueued", "id", item.ID, "key", key, "depth", depth)
	return item, nil
}

// Pending returns the queued mutations in replay order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Items, nil
}

// Len returns the queue depth.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Drain replays queued mutations in FIFO order until the queue empties,
// connectivity drops, or ctx is cancelled. Only one drain runs at a time;
// a concurrent call fails with ErrDrainInProgress but leaves a pending
// trigger behind, which the active drain consumes before letting go of
// the guard. An online edge that fires while a drain is winding down is
// therefore replayed rather than lost until the next edge.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		q.pending.Store(true)
		return errors.WrapInvalid(errors.ErrDrainInProgress, "mutation", "Drain", "drain queue")
	}

	for {
		q.pending.Store(false)
		if err := q.drainLoop(ctx); err != nil {
			q.draining.Store(false)
			return err
		}
		if q.pending.Load() && q.monitor.Online() {
			continue
		}
		q.draining.Store(false)
		// A trigger can still slip in between the pending check and the
		// guard release above. Reclaim the guard and honor it here.
		if !q.pending.Load() || !q.monitor.Online() {
			return nil
		}
		if !q.draining.CompareAndSwap(false, true) {
			// The new guard holder owns the trigger.
			return nil
		}
	}
}

func (q *Queue) drainLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !q.monitor.Online() {
			// Paused. The next online edge starts a fresh drain from the
			// current head.
			q.logger.Info("drain paused, connectivity lost")
			return nil
		}

		head, ok, err := q.peek(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		q.replay(ctx, head)

		if err := q.remove(ctx, head.ID); err != nil {
			return err
		}
	}
}

// replay runs one entry through its handler. Failures are reported via
// the OnReplayError callback; the caller removes the entry either way.
func (q *Queue) replay(ctx context.Context, item QueuedMutation) {
	handler, err := q.registry.Lookup(item.Key)
	if err != nil {
		q.logger.Error("no handler for queued mutation", "id", item.ID, "key", item.Key)
		q.metrics.replayed("no_handler")
		q.reportError(item, err)
		return
	}

	err = retry.Do(ctx, q.retry, func(_ int) error {
		return handler(ctx, item.Payload)
	})
	if err != nil {
		q.logger.Warn("mutation replay failed", "id", item.ID, "key", item.Key, "error", err)
		q.metrics.replayed("error")
		q.reportError(item, errors.WrapTransient(err, "mutation", "Drain", "replay "+item.Key))
		return
	}

	q.logger.Debug("mutation replayed", "id", item.ID, "key", item.Key)
	q.metrics.replayed("success")
	if q.onReplayed != nil {
		q.onReplayed(item)
	}
}

func (q *Queue) reportError(item QueuedMutation, err error) {
	if q.onReplayError != nil {
		q.onReplayError(item, err)
	}
}

func (q *Queue) peek(ctx context.Context) (QueuedMutation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.load(ctx)
	if err != nil {
		return QueuedMutation{}, false, err
	}
	if len(rec.Items) == 0 {
		return QueuedMutation{}, false, nil
	}
	return rec.Items[0], true, nil
}

// remove deletes the entry with the given ID. Matching by ID keeps
// concurrent enqueues safe during a drain.
func (q *Queue) remove(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var depth int
	err := q.mutateRecord(ctx, func(rec *queueRecord) error {
		for i, item := range rec.Items {
			if item.ID == id {
				rec.Items = append(rec.Items[:i], rec.Items[i+1:]...)
				break
			}
		}
		depth = len(rec.Items)
		return nil
	})
	if err == nil && q.metrics != nil {
		q.metrics.depth.Set(float64(depth))
	}
	return err
}

// mutateRecord runs one read-modify-write of the persisted record. Stores
// that implement storage.Updater get an atomic update, which keeps the
// shared queue key safe across processes; others fall back to load+save
// under q.mu. fn may run more than once on CAS conflicts.
func (q *Queue) mutateRecord(ctx context.Context, fn func(*queueRecord) error) error {
	if updater, ok := q.store.(storage.Updater); ok {
		err := updater.Update(ctx, StorageKey, func(current []byte, exists bool) ([]byte, error) {
			var rec queueRecord
			if exists && len(current) > 0 {
				if err := json.Unmarshal(current, &rec); err != nil {
					return nil, errors.WrapInvalid(err, "mutation", "mutateRecord", "decode queue")
				}
			}
			if err := fn(&rec); err != nil {
				return nil, err
			}
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, errors.WrapInvalid(err, "mutation", "mutateRecord", "encode queue")
			}
			return raw, nil
		})
		if err != nil {
			return errors.WrapTransient(err, "mutation", "mutateRecord", "update queue")
		}
		return nil
	}

	rec, err := q.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	return q.save(ctx, rec)
}

// load reads the persisted record. An absent key is an empty queue.
// Caller holds q.mu.
func (q *Queue) load(ctx context.Context) (queueRecord, error) {
	raw, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return queueRecord{}, nil
		}
		return queueRecord{}, errors.WrapTransient(err, "mutation", "load", "read queue")
	}

	var rec queueRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return queueRecord{}, errors.WrapInvalid(err, "mutation", "load", "decode queue")
	}
	return rec, nil
}

// save writes the record back. Caller holds q.mu.
func (q *Queue) save(ctx context.Context, rec queueRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "mutation", "save", "encode queue")
	}
	if err := q.store.Put(ctx, StorageKey, raw); err != nil {
		return errors.WrapTransient(err, "mutation", "save", "write queue")
	}
	return nil
}
