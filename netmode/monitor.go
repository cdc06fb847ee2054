package netmode

import (
	"context"
	"log/slog"
	"sync"
)

// Monitor tracks the boolean connectivity signal and lets engine components
// wait for connectivity or react to offline→online edges.
//
// Sources push status via SetOnline; the monitor reacts to edge transitions
// only, so repeated reports of the same status are no-ops. Edge callbacks
// registered with OnOnline run on a dedicated goroutine per transition and
// must tolerate being invoked concurrently with engine operations.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	onlineCh chan struct{} // closed on the next offline→online edge
	onOnline []func()
	logger   *slog.Logger
}

// NewMonitor creates a connectivity monitor with the given initial status.
func NewMonitor(initiallyOnline bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:   initiallyOnline,
		onlineCh: make(chan struct{}),
		logger:   logger,
	}
}

// Online returns the current connectivity status.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline reports the current connectivity status. Only edge transitions
// have effects: offline→online releases waiters and fires OnOnline
// callbacks; online→offline arms a fresh wait gate.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var callbacks []func()
	if online {
		close(m.onlineCh)
		m.onlineCh = make(chan struct{})
		callbacks = make([]func(), len(m.onOnline))
		copy(callbacks, m.onOnline)
	}
	m.mu.Unlock()

	m.logger.Debug("connectivity changed", "online", online)

	if len(callbacks) > 0 {
		go func() {
			for _, fn := range callbacks {
				fn()
			}
		}()
	}
}

// WaitOnline blocks until the device is online or the context is cancelled.
// Returns immediately when already online.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.online {
			m.mu.Unlock()
			return nil
		}
		ch := m.onlineCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			// Re-check: the signal may have flipped back offline between
			// the edge and this waiter being scheduled.
		}
	}
}

// OnOnline registers a callback fired on every offline→online transition.
// Registration order is preserved across a single transition.
func (m *Monitor) OnOnline(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}
