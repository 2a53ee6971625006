// Package session manages proxy-bound browsing sessions and the pool that
// arbitrates concurrent access to them. A session owns at most one live
// browsing handle; the pool owns checkout, return, and eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mantlewatch/restock-sentinel/internal/metrics"
	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

// ErrSessionFailed marks a session permanently retired: it never relaunches.
var ErrSessionFailed = errors.New("session permanently failed")

// FailureClass distinguishes launch faults that are worth retrying on the
// same session from those that retire it.
type FailureClass int

const (
	// FailureRetryable covers timeout-shaped faults: the proxy may simply
	// have been slow, so another launch attempt is allowed.
	FailureRetryable FailureClass = iota
	// FailureTerminal retires the session.
	FailureTerminal
)

// Classify buckets a launch error. Context cancellation is terminal (shutdown
// has begun); deadline expiry and network timeouts are retryable; anything
// else is terminal.
func Classify(err error) FailureClass {
	if errors.Is(err, context.Canceled) {
		return FailureTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureRetryable
	}
	return FailureTerminal
}

// Options tunes session launch behavior.
type Options struct {
	LaunchAttempts int
	LaunchTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.LaunchAttempts <= 0 {
		o.LaunchAttempts = 3
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 45 * time.Second
	}
	return o
}

// Session binds one proxy egress point to one lazily-launched browsing
// handle. All methods are safe for concurrent use.
type Session struct {
	id      string
	proxy   monitor.ProxyConfig
	browser monitor.Browser
	opts    Options
	logger  *zap.Logger

	launch singleflight.Group

	mu      sync.Mutex
	handle  monitor.Handle
	failed  bool
	lastErr error
}

// New constructs an unlaunched Session for the proxy.
func New(proxy monitor.ProxyConfig, browser monitor.Browser, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		proxy:   proxy,
		browser: browser,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("session_id", id), zap.String("proxy", proxy.Label)),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Proxy returns the bound proxy configuration.
func (s *Session) Proxy() monitor.ProxyConfig { return s.proxy }

// Failed reports whether the session has been permanently retired.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// LastErr returns the error that retired the session, if any.
func (s *Session) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MarkFailed permanently retires the session. The caller must currently hold
// the session checked out. Sticky: the session never reactivates.
func (s *Session) MarkFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.failed = true
	s.lastErr = err
	s.logger.Warn("session retired", zap.Error(err))
}

// Handle returns the live browsing handle, launching it if necessary.
// Concurrent callers share a single in-flight launch. Fails immediately when
// the session has been retired.
func (s *Session) Handle(ctx context.Context) (monitor.Handle, error) {
	s.mu.Lock()
	if s.failed {
		err := s.lastErr
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w (last error: %v)", s.proxy.Label, ErrSessionFailed, err)
	}
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	v, err, _ := s.launch.Do("launch", func() (any, error) {
		return s.launchHandle(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(monitor.Handle), nil
}

func (s *Session) launchHandle(ctx context.Context) (monitor.Handle, error) {
	// Re-check under the flight: a concurrent detach/relaunch cycle may have
	// already produced a handle, or a holder may have retired the session.
	s.mu.Lock()
	if s.failed {
		err := s.lastErr
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w (last error: %v)", s.proxy.Label, ErrSessionFailed, err)
	}
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.opts.LaunchAttempts; attempt++ {
		if ctx.Err() != nil {
			err := fmt.Errorf("launch aborted: %w", ctx.Err())
			s.MarkFailed(err)
			return nil, err
		}

		launchCtx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
		handle, err := s.browser.Launch(launchCtx, s.proxy)
		cancel()
		if err == nil {
			s.adopt(handle)
			s.logger.Info("session launched", zap.Int("attempt", attempt))
			return handle, nil
		}

		lastErr = err
		if ctx.Err() != nil || Classify(err) == FailureTerminal {
			break
		}
		metrics.SessionLaunchRetry()
		s.logger.Warn("session launch timed out, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.LaunchAttempts),
			zap.Error(err),
		)
	}

	err := fmt.Errorf("launch session via %s: %w", s.proxy.Label, lastErr)
	s.MarkFailed(err)
	return nil, err
}

// adopt installs a freshly launched handle and watches for its disconnect.
// A disconnect clears the cached handle without retiring the session, so the
// next Handle call transparently relaunches.
func (s *Session) adopt(h monitor.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	go func() {
		<-h.Done()
		s.mu.Lock()
		detached := s.handle == h
		if detached {
			s.handle = nil
		}
		s.mu.Unlock()
		if detached {
			s.logger.Warn("browser disconnected, handle detached")
		}
	}()
}

// Close tears down the cached handle, if any. Idempotent; errors are logged,
// not returned, since close runs on shutdown paths.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Close(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("close browsing handle", zap.Error(err))
	}
}
