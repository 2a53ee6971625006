// Package scheduler drives repeated sweeps over the target list: it gates
// activity to the daily window, caps in-flight checks, ramps concurrency up
// after sustained complete passes, and paces between passes with randomized
// delays so traffic carries no fixed interval.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mantlewatch/restock-sentinel/internal/delay"
	"github.com/mantlewatch/restock-sentinel/internal/metrics"
	"github.com/mantlewatch/restock-sentinel/internal/monitor"
	"github.com/mantlewatch/restock-sentinel/internal/session"
	"github.com/mantlewatch/restock-sentinel/internal/window"
	"github.com/mantlewatch/restock-sentinel/internal/worker"
)

// Config tunes pass pacing and the concurrency ramp.
type Config struct {
	// InitialConcurrency is where the ramp starts; a fresh run begins gently.
	InitialConcurrency int
	// DesiredConcurrency is the ramp ceiling. The effective ceiling is also
	// clamped by the target list length and the live session count.
	DesiredConcurrency int
	// PassDelayMin/Max bound the randomized pause between completed passes.
	PassDelayMin time.Duration
	PassDelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = 1
	}
	if c.DesiredConcurrency <= 0 {
		c.DesiredConcurrency = 3
	}
	if c.PassDelayMin <= 0 {
		c.PassDelayMin = 3 * time.Second
	}
	if c.PassDelayMax < c.PassDelayMin {
		c.PassDelayMax = c.PassDelayMin + 2*time.Second
	}
	return c
}

// sysRand draws from the shared math/rand source.
type sysRand struct{}

func (sysRand) Intn(n int) int { return rand.Intn(n) }

// Snapshot reports scheduler state for the status endpoint.
type Snapshot struct {
	Targets         int       `json:"targets"`
	PoolSize        int       `json:"pool_size"`
	Concurrency     int       `json:"concurrency"`
	DesiredCeiling  int       `json:"desired_ceiling"`
	PassesCompleted uint64    `json:"passes_completed"`
	LastPassAt      time.Time `json:"last_pass_at,omitempty"`
	WindowOpen      bool      `json:"window_open"`
}

// Scheduler owns the pass loop. One Run call per process.
type Scheduler struct {
	cfg         Config
	targets     []monitor.Target
	pool        *session.Pool
	gate        *window.Gate
	delays      *delay.Registry
	coordinator *worker.RetryCoordinator
	check       worker.CheckFunc
	clock       monitor.Clock
	rng         monitor.Rand
	logger      *zap.Logger

	mu       sync.Mutex
	current  int
	passes   uint64
	lastPass time.Time
}

// New wires a Scheduler.
func New(
	cfg Config,
	targets []monitor.Target,
	pool *session.Pool,
	gate *window.Gate,
	delays *delay.Registry,
	coordinator *worker.RetryCoordinator,
	check worker.CheckFunc,
	clock monitor.Clock,
	rng monitor.Rand,
	logger *zap.Logger,
) *Scheduler {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = sysRand{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		targets:     targets,
		pool:        pool,
		gate:        gate,
		delays:      delays,
		coordinator: coordinator,
		check:       check,
		clock:       clock,
		rng:         rng,
		logger:      logger,
		current:     cfg.InitialConcurrency,
	}
}

// Run loops passes until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.waitForWindow(ctx); err != nil {
			return err
		}

		completed := s.runPass(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if !completed {
			// Cut short by the window closing: no ramp, no pacing delay,
			// straight back to waiting for the window.
			continue
		}

		s.recordCompletedPass()
		if s.gate.IsOpen(s.clock.Now()) {
			s.rampUp()
		}
		if err := s.pace(ctx); err != nil {
			return err
		}
	}
}

// waitForWindow suspends until the active window is open. The gate is
// re-checked after every sleep since a wait can be force-resolved early or
// span the window boundary.
func (s *Scheduler) waitForWindow(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.clock.Now()
		if s.gate.IsOpen(now) {
			return nil
		}
		wait := s.gate.UntilOpen(now)
		s.logger.Info("outside active window, waiting",
			zap.Duration("until_open", wait),
		)
		if err := s.delays.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// runPass sweeps the target list in order under the concurrency cap and
// reports whether the full list was admitted (false when the window closed or
// shutdown began mid-sweep).
func (s *Scheduler) runPass(ctx context.Context) bool {
	limit := s.passCap()
	metrics.SetPassConcurrency(limit)
	s.logger.Info("starting pass",
		zap.Int("targets", len(s.targets)),
		zap.Int("concurrency", limit),
		zap.Int("pool_size", s.pool.Size()),
	)

	var cut atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, target := range s.targets {
		if ctx.Err() != nil || !s.gate.IsOpen(s.clock.Now()) {
			cut.Store(true)
			break
		}
		g.Go(func() error {
			// Admission may have blocked a while; re-verify before the
			// check actually starts.
			if cut.Load() || ctx.Err() != nil || !s.gate.IsOpen(s.clock.Now()) {
				cut.Store(true)
				metrics.ObserveCheck("skipped")
				return nil
			}
			if err := s.coordinator.Run(ctx, target, s.check); err != nil {
				metrics.ObserveCheck("failed")
				s.logger.Warn("target check failed",
					zap.String("product", target.Name),
					zap.Error(err),
				)
				return nil
			}
			metrics.ObserveCheck("ok")
			return nil
		})
	}
	_ = g.Wait()
	return !cut.Load()
}

// passCap is min(currentConcurrency, targetConcurrency) where
// targetConcurrency = max(1, min(desired, targets, live sessions)).
func (s *Scheduler) passCap() int {
	ceiling := s.cfg.DesiredConcurrency
	if n := len(s.targets); n < ceiling {
		ceiling = n
	}
	if n := s.pool.Size(); n < ceiling {
		ceiling = n
	}
	if ceiling < 1 {
		ceiling = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < ceiling {
		return s.current
	}
	return ceiling
}

// rampUp raises concurrency one step after a fully-completed pass, up to the
// desired ceiling.
func (s *Scheduler) rampUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.cfg.DesiredConcurrency {
		s.current++
		s.logger.Info("ramping concurrency", zap.Int("concurrency", s.current))
	}
}

func (s *Scheduler) recordCompletedPass() {
	s.mu.Lock()
	s.passes++
	s.lastPass = s.clock.Now()
	s.mu.Unlock()
	metrics.PassCompleted()
}

// pace sleeps a randomized interval between completed passes.
func (s *Scheduler) pace(ctx context.Context) error {
	d := s.cfg.PassDelayMin
	if span := s.cfg.PassDelayMax - s.cfg.PassDelayMin; span > 0 {
		d += time.Duration(s.rng.Intn(int(span)))
	}
	return s.delays.Sleep(ctx, d)
}

// Snapshot returns current scheduler state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	current := s.current
	passes := s.passes
	last := s.lastPass
	s.mu.Unlock()
	return Snapshot{
		Targets:         len(s.targets),
		PoolSize:        s.pool.Size(),
		Concurrency:     current,
		DesiredCeiling:  s.cfg.DesiredConcurrency,
		PassesCompleted: passes,
		LastPassAt:      last,
		WindowOpen:      s.gate.IsOpen(s.clock.Now()),
	}
}
