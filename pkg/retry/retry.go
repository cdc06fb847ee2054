// Package retry provides exponential backoff retry policies for the engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// DelayFunc computes the delay before retrying a failed attempt.
// attempt is zero-based: attempt 0 is the delay after the original try.
// When configured on a Policy it fully overrides the backoff computation,
// including MaxDelay capping and jitter.
type DelayFunc func(attempt int, err error) time.Duration

// Policy describes how failed operations are retried.
//
// RetryCount bounds additional attempts beyond the first: RetryCount=3
// yields up to 4 total invocations before giving up.
type Policy struct {
	RetryCount int           // Additional attempts after the first failure
	BaseDelay  time.Duration // Delay before the first retry
	Multiplier float64       // Backoff multiplier (typically 2.0)
	MaxDelay   time.Duration // Cap applied to the computed delay
	Jitter     bool          // Add up to 25% randomness to each delay
	DelayFn    DelayFunc     // Optional full override of delay computation
}

// DefaultPolicy returns sensible defaults for fetch retries
func DefaultPolicy() Policy {
	return Policy{
		RetryCount: 3,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   5 * time.Second,
		Jitter:     true,
	}
}

// NoRetry returns a policy that never retries
func NoRetry() Policy {
	return Policy{RetryCount: 0}
}

// normalized fills zero fields with defaults so NextDelay and Do behave
// predictably for partially-specified policies.
func (p Policy) normalized() Policy {
	if p.RetryCount < 0 {
		p.RetryCount = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Multiplier > 1000 {
		p.Multiplier = 1000
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// NextDelay computes the delay before retrying after the given zero-based
// failed attempt: min(MaxDelay, BaseDelay * Multiplier^attempt), plus up to
// 25% jitter when enabled. A configured DelayFn overrides the computation
// entirely.
func (p Policy) NextDelay(attempt int, err error) time.Duration {
	if p.DelayFn != nil {
		return p.DelayFn(attempt, err)
	}

	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(d/4) + 1))
		randMu.Unlock()
		d += jitter
	}
	return d
}

// Do executes fn, retrying per the policy until success, exhaustion,
// a non-retryable error, or context cancellation. The zero-based attempt
// number is passed to fn; attempt 0 is the original try.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt <= p.RetryCount; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == p.RetryCount {
			break
		}

		timer := time.NewTimer(p.NextDelay(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", p.RetryCount+1, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(attempt int) error {
		var innerErr error
		result, innerErr = fn(attempt)
		return innerErr
	})
	return result, err
}
