package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mantlewatch/restock-sentinel/internal/metrics"
	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

var (
	// ErrPoolClosed is returned once shutdown has begun.
	ErrPoolClosed = errors.New("session pool shutting down")
	// ErrPoolExhausted is returned when every session has been evicted.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrNoSessions indicates zero sessions survived pool initialization.
	ErrNoSessions = errors.New("no sessions survived initialization")
)

// sysRand selects via the shared math/rand source, which is safe for
// concurrent use.
type sysRand struct{}

func (sysRand) Intn(n int) int { return rand.Intn(n) }

// PoolOptions configures pool construction.
type PoolOptions struct {
	Session Options
	// Rand breaks ties among available sessions and queued waiters.
	// Defaults to the shared math/rand source.
	Rand   monitor.Rand
	Logger *zap.Logger
}

// Pool owns a fixed set of sessions and arbitrates checkout. Selection among
// available sessions is uniformly random rather than FIFO, which spreads load
// across proxies and keeps the rotation unpredictable. The pool only shrinks
// after initialization: evicted sessions are never replaced.
type Pool struct {
	rng    monitor.Rand
	logger *zap.Logger

	mu        sync.Mutex
	available []*Session
	busy      map[*Session]struct{}
	waiters   []chan *Session
	closed    bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewPool constructs one session per proxy config and launches each eagerly.
// Configs whose launch fails are dropped with a warning; construction fails
// only when zero sessions survive.
func NewPool(ctx context.Context, browser monitor.Browser, configs []monitor.ProxyConfig, opts PoolOptions) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := opts.Rand
	if rng == nil {
		rng = sysRand{}
	}

	sessions := make([]*Session, len(configs))
	for i, cfg := range configs {
		sessions[i] = New(cfg, browser, opts.Session, logger)
	}

	survived := make([]*Session, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			if _, err := s.Handle(ctx); err != nil {
				logger.Warn("dropping session that failed to launch",
					zap.String("proxy", s.Proxy().Label),
					zap.Error(err),
				)
				s.Close(ctx)
				return nil
			}
			survived[i] = s
			return nil
		})
	}
	_ = g.Wait()

	p := &Pool{
		rng:    rng,
		logger: logger,
		busy:   make(map[*Session]struct{}),
		done:   make(chan struct{}),
	}
	for _, s := range survived {
		if s != nil {
			p.available = append(p.available, s)
		}
	}
	if len(p.available) == 0 {
		return nil, fmt.Errorf("%w (%d configured)", ErrNoSessions, len(configs))
	}
	metrics.SetPoolSize(len(p.available))
	logger.Info("session pool initialized",
		zap.Int("sessions", len(p.available)),
		zap.Int("configured", len(configs)),
	)
	return p, nil
}

// Size returns the number of non-evicted sessions (available plus busy).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + len(p.busy)
}

// Acquire checks a session out, suspending the caller when none is free.
// Queued callers are served as sessions free up; the pool rejects immediately
// when shut down or when every session has been evicted.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.available) > 0 {
		s := p.takeRandomLocked()
		p.busy[s] = struct{}{}
		p.mu.Unlock()
		return s, nil
	}
	if len(p.busy) == 0 {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	ch := make(chan *Session, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Not queued anymore: a session was handed over (or the pool
		// closed) while we were cancelling. Settle the handoff.
		if s, ok := <-ch; ok && s != nil {
			p.Release(s)
		}
		return nil, ctx.Err()
	}
}

// Release returns a checked-out session. Failed sessions are evicted; when
// waiters are queued, a healthy session is handed directly to one of them so
// a concurrent Acquire cannot starve the queue. Returning an already-released
// session is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	delete(p.busy, s)

	if p.closed {
		p.mu.Unlock()
		go s.Close(context.Background())
		return
	}

	if s.Failed() {
		p.evictLocked(s)
		return
	}

	if len(p.waiters) > 0 {
		ch := p.takeWaiterLocked()
		p.busy[s] = struct{}{}
		ch <- s
		p.mu.Unlock()
		return
	}

	for _, existing := range p.available {
		if existing == s {
			p.mu.Unlock()
			return
		}
	}
	p.available = append(p.available, s)
	p.mu.Unlock()
}

// evictLocked removes a failed session from all bookkeeping, services queued
// waiters from the remaining pool, and rejects them when nothing is left.
// Called with p.mu held; releases it.
func (p *Pool) evictLocked(s *Session) {
	for i, existing := range p.available {
		if existing == s {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	live := len(p.available) + len(p.busy)
	p.logger.Warn("session evicted from pool",
		zap.String("proxy", s.Proxy().Label),
		zap.Int("remaining", live),
		zap.Error(s.LastErr()),
	)
	metrics.SessionEvicted()
	metrics.SetPoolSize(live)

	for len(p.waiters) > 0 && len(p.available) > 0 {
		ch := p.takeWaiterLocked()
		next := p.takeRandomLocked()
		p.busy[next] = struct{}{}
		ch <- next
	}
	if live == 0 {
		for _, ch := range p.waiters {
			close(ch)
		}
		p.waiters = nil
	}
	p.mu.Unlock()
	go s.Close(context.Background())
}

// Shutdown rejects queued waiters, closes every remaining session, and clears
// all bookkeeping. Idempotent; concurrent calls share one completion.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, ch := range p.waiters {
			close(ch)
		}
		p.waiters = nil
		sessions := append([]*Session(nil), p.available...)
		for s := range p.busy {
			sessions = append(sessions, s)
		}
		p.available = nil
		p.busy = make(map[*Session]struct{})
		p.mu.Unlock()

		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.Close(ctx)
			}(s)
		}
		wg.Wait()
		metrics.SetPoolSize(0)
		p.logger.Info("session pool shut down", zap.Int("closed", len(sessions)))
		close(p.done)
	})
	<-p.done
}

// takeRandomLocked removes and returns a uniformly random available session.
func (p *Pool) takeRandomLocked() *Session {
	i := p.rng.Intn(len(p.available))
	s := p.available[i]
	last := len(p.available) - 1
	p.available[i] = p.available[last]
	p.available = p.available[:last]
	return s
}

// takeWaiterLocked removes and returns a uniformly random queued waiter.
func (p *Pool) takeWaiterLocked() chan *Session {
	i := p.rng.Intn(len(p.waiters))
	ch := p.waiters[i]
	p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
	return ch
}
