package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
	"github.com/mantlewatch/restock-sentinel/internal/session"
)

// CheckFunc runs one check for a target on a checked-out browsing handle.
type CheckFunc func(ctx context.Context, h monitor.Handle, target monitor.Target) error

// bouncePause is the short pause taken after re-drawing an already-attempted
// session, so the coordinator does not spin while the alternatives are busy.
const bouncePause = 5 * time.Millisecond

// RetryCoordinator drives one target's check across the pool: it acquires a
// session, runs the check, and on failure retries on a different session,
// stopping once every live session has been tried. The last failure reason
// wins in the reported error.
type RetryCoordinator struct {
	pool   *session.Pool
	logger *zap.Logger
}

// NewRetryCoordinator wires a coordinator to the pool.
func NewRetryCoordinator(pool *session.Pool, logger *zap.Logger) *RetryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryCoordinator{pool: pool, logger: logger}
}

// Run executes check for target, failing over between sessions. It returns
// nil on the first success. It stops with the last failure once shutdown
// begins or the number of distinct sessions attempted reaches the pool's
// current size, re-evaluated each iteration so concurrent evictions are
// accounted for.
func (r *RetryCoordinator) Run(ctx context.Context, target monitor.Target, check CheckFunc) error {
	attempted := make(map[string]struct{})
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return r.failure(target, attempted, lastErr, err)
		}

		s, err := r.pool.Acquire(ctx)
		if err != nil {
			return r.failure(target, attempted, lastErr, fmt.Errorf("acquire session: %w", err))
		}

		if _, seen := attempted[s.ID()]; seen && r.pool.Size() > 1 {
			// Alternatives exist; put this one back and draw again.
			r.pool.Release(s)
			select {
			case <-ctx.Done():
			case <-time.After(bouncePause):
			}
			continue
		}
		attempted[s.ID()] = struct{}{}

		err = r.attempt(ctx, s, target, check)
		r.pool.Release(s)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Warn("check attempt failed, failing over",
			zap.String("product", target.Name),
			zap.String("proxy", s.Proxy().Label),
			zap.Int("sessions_attempted", len(attempted)),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return r.failure(target, attempted, lastErr, nil)
		}
		if len(attempted) >= r.pool.Size() {
			return r.failure(target, attempted, lastErr, nil)
		}
	}
}

func (r *RetryCoordinator) attempt(ctx context.Context, s *session.Session, target monitor.Target, check CheckFunc) error {
	h, err := s.Handle(ctx)
	if err != nil {
		return fmt.Errorf("session handle: %w", err)
	}
	err = check(ctx, h, target)
	if err != nil && errors.Is(err, monitor.ErrBrowserGone) {
		// The browser behind this session is dead; retire it so release
		// evicts rather than recycling a doomed session.
		s.MarkFailed(err)
	}
	return err
}

// failure aggregates the terminal report: the last check failure wins, with
// the abort cause (context or pool error) appended when no check ran at all.
func (r *RetryCoordinator) failure(target monitor.Target, attempted map[string]struct{}, lastErr, cause error) error {
	switch {
	case lastErr != nil:
		return fmt.Errorf("target %q failed on %d session(s): %w", target.Name, len(attempted), lastErr)
	case cause != nil:
		return fmt.Errorf("target %q: %w", target.Name, cause)
	default:
		return fmt.Errorf("target %q: no session available", target.Name)
	}
}
