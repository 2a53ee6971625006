// Package delay provides cancellable sleeps for pacing and window waits. All
// waits belonging to one run register in a Registry so shutdown can unblock
// every sleeping task at once instead of waiting out the remaining durations.
package delay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled reports a Sleep attempted after CancelAll. Loops that sleep
// between iterations must treat it as a stop signal, not as a completed wait,
// or they would spin once shutdown begins.
var ErrCancelled = errors.New("delay registry cancelled")

// Registry tracks in-flight waits for one run. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu        sync.Mutex
	pending   map[uint64]chan struct{}
	nextID    uint64
	cancelled bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]chan struct{})}
}

// Sleep suspends the caller for d. It returns immediately when d <= 0 without
// registering a pending wait. A sleep already in flight ends early, with a
// nil error, when CancelAll force-resolves it; it ends with ctx.Err() when
// the context is done first. Sleeps requested after CancelAll fail fast with
// ErrCancelled.
func (r *Registry) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return ErrCancelled
	}
	id := r.nextID
	r.nextID++
	ch := make(chan struct{})
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll force-resolves every pending wait. Idempotent: waits that already
// completed are no-ops, and further Sleep calls fail fast with ErrCancelled.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// Pending returns the number of currently registered waits.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
