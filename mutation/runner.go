package mutation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/querysync/errors"
	"github.com/c360/querysync/netmode"
	"github.com/c360/querysync/pkg/retry"
)

// Func performs the server write. It receives the caller's variables and
// returns the server response.
type Func func(ctx context.Context, variables any) (any, error)

// Options describes one mutation: the write itself plus lifecycle hooks.
//
// Key names a handler in the Registry; it is what makes a mutation
// replayable after the process restarts. A mutation without a Key can only
// run online.
type Options struct {
	Key  string
	Fn   Func
	Mode netmode.Mode

	// Retry overrides the runner's replay-less default of zero retries.
	// Mutations are not idempotent in general, so retry opt-in is per
	// call.
	Retry *retry.Policy

	// OnMutate fires before the write; its return value threads through
	// the other hooks (optimistic-update context, e.g. the previous cache
	// value for rollback). An error aborts the mutation.
	OnMutate func(ctx context.Context, variables any) (any, error)

	// OnSuccess fires after a successful write.
	OnSuccess func(ctx context.Context, data any, variables any, mutateCtx any)

	// OnError fires after a failed write, before OnSettled. Rollback of
	// optimistic updates belongs here.
	OnError func(ctx context.Context, err error, variables any, mutateCtx any)

	// OnSettled fires last on both paths.
	OnSettled func(ctx context.Context, data any, err error, variables any, mutateCtx any)
}

// Result is the outcome of Mutate. Queued means the mutation was recorded
// for later replay instead of executed; Data is only set on an executed,
// successful mutation.
type Result struct {
	Data     any
	Queued   bool
	Mutation QueuedMutation
}

// Runner executes mutations against the current connectivity state,
// deferring keyed mutations to the durable queue while offline.
type Runner struct {
	monitor *netmode.Monitor
	queue   *Queue
	logger  *slog.Logger
}

// NewRunner creates a mutation runner. The queue may be nil, in which case
// offline mutations always fail.
func NewRunner(monitor *netmode.Monitor, queue *Queue, logger *slog.Logger) (*Runner, error) {
	if monitor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mutation", "NewRunner", "monitor cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		monitor: monitor,
		queue:   queue,
		logger:  logger.With("component", "mutation.runner"),
	}, nil
}

// Mutate runs one mutation through its full lifecycle.
//
// Online: OnMutate, then Fn; success runs OnSuccess then OnSettled,
// failure runs OnError then OnSettled.
//
// Offline with a Key: OnMutate runs (the optimistic update applies
// immediately), the mutation is enqueued, and Mutate resolves promptly
// with Queued=true. OnSuccess/OnError fire later, from the replay
// handler's own plumbing, not from here.
//
// Offline without a Key: the mutation cannot be replayed, so it fails
// with ErrOffline through the normal error hooks.
func (r *Runner) Mutate(ctx context.Context, variables any, opts Options) (Result, error) {
	if opts.Fn == nil && opts.Key == "" {
		return Result{}, errors.WrapInvalid(errors.ErrMissingConfig, "mutation", "Mutate", "either Fn or Key is required")
	}

	var mutateCtx any
	if opts.OnMutate != nil {
		mctx, err := opts.OnMutate(ctx, variables)
		if err != nil {
			return Result{}, errors.WrapInvalid(err, "mutation", "Mutate", "onMutate hook")
		}
		mutateCtx = mctx
	}

	if opts.Mode != netmode.ModeAlways && !r.monitor.Online() {
		return r.mutateOffline(ctx, variables, opts, mutateCtx)
	}

	return r.execute(ctx, variables, opts, mutateCtx)
}

func (r *Runner) mutateOffline(ctx context.Context, variables any, opts Options, mutateCtx any) (Result, error) {
	if opts.Key != "" && r.queue != nil {
		payload, err := json.Marshal(variables)
		if err != nil {
			return r.fail(ctx, variables, opts, mutateCtx,
				errors.WrapInvalid(err, "mutation", "Mutate", "encode variables for queue"))
		}
		item, err := r.queue.Enqueue(ctx, opts.Key, payload)
		if err != nil {
			return r.fail(ctx, variables, opts, mutateCtx, err)
		}
		r.logger.Info("mutation deferred for replay", "key", opts.Key, "id", item.ID)
		return Result{Queued: true, Mutation: item}, nil
	}

	return r.fail(ctx, variables, opts, mutateCtx,
		errors.WrapTransient(errors.ErrOffline, "mutation", "Mutate", "run "+opts.Key))
}

func (r *Runner) execute(ctx context.Context, variables any, opts Options, mutateCtx any) (Result, error) {
	fn := opts.Fn
	if fn == nil {
		// Keyed mutation without an inline function runs its replay
		// handler directly.
		if r.queue == nil {
			return r.fail(ctx, variables, opts, mutateCtx,
				errors.WrapInvalid(errors.ErrHandlerNotFound, "mutation", "Mutate", "no queue to resolve handler for "+opts.Key))
		}
		handler, err := r.queue.registry.Lookup(opts.Key)
		if err != nil {
			return r.fail(ctx, variables, opts, mutateCtx, err)
		}
		payload, err := json.Marshal(variables)
		if err != nil {
			return r.fail(ctx, variables, opts, mutateCtx,
				errors.WrapInvalid(err, "mutation", "Mutate", "encode variables"))
		}
		fn = func(ctx context.Context, _ any) (any, error) {
			return nil, handler(ctx, payload)
		}
	}

	policy := retry.NoRetry()
	if opts.Retry != nil {
		policy = *opts.Retry
	}

	data, err := retry.DoWithResult(ctx, policy, func(_ int) (any, error) {
		return fn(ctx, variables)
	})
	if err != nil {
		return r.fail(ctx, variables, opts, mutateCtx,
			errors.Wrap(errors.Tag(errors.ErrMutationFailed, err), "mutation", "Mutate", "run "+opts.Key))
	}

	if opts.OnSuccess != nil {
		opts.OnSuccess(ctx, data, variables, mutateCtx)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(ctx, data, nil, variables, mutateCtx)
	}
	return Result{Data: data}, nil
}

func (r *Runner) fail(ctx context.Context, variables any, opts Options, mutateCtx any, err error) (Result, error) {
	if opts.OnError != nil {
		opts.OnError(ctx, err, variables, mutateCtx)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(ctx, nil, err, variables, mutateCtx)
	}
	return Result{}, err
}
