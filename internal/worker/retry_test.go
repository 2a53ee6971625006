package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
	"github.com/mantlewatch/restock-sentinel/internal/session"
)

type fakeBrowser struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (b *fakeBrowser) Launch(_ context.Context, proxy monitor.ProxyConfig) (monitor.Handle, error) {
	h := newFakeHandle()
	h.label = proxy.Label
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

func testProxies(n int) []monitor.ProxyConfig {
	configs := make([]monitor.ProxyConfig, 0, n)
	for i := 0; i < n; i++ {
		configs = append(configs, monitor.ProxyConfig{
			Host:     fmt.Sprintf("10.0.0.%d", i+1),
			Port:     8080,
			Protocol: "http",
			Label:    fmt.Sprintf("10.0.0.%d:8080", i+1),
		})
	}
	return configs
}

func newRetryPool(t *testing.T, n int) *session.Pool {
	t.Helper()
	pool, err := session.NewPool(context.Background(), &fakeBrowser{}, testProxies(n), session.PoolOptions{
		Session: session.Options{LaunchAttempts: 1, LaunchTimeout: time.Second},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool
}

func handleLabel(h monitor.Handle) string {
	fh, ok := h.(*fakeHandle)
	if !ok {
		return ""
	}
	return fh.label
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 3)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	attempts := 0
	err := coord.Run(context.Background(), checkTarget(), func(context.Context, monitor.Handle, monitor.Target) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 3, pool.Size())
}

func TestRunFailsOverToFreshSession(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 3)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	var mu sync.Mutex
	var tried []string
	err := coord.Run(context.Background(), checkTarget(), func(_ context.Context, h monitor.Handle, _ monitor.Target) error {
		mu.Lock()
		defer mu.Unlock()
		tried = append(tried, handleLabel(h))
		if len(tried) == 1 {
			return errors.New("proxy refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tried, 2)
	require.NotEqual(t, tried[0], tried[1], "failover must use a different session")
}

func TestRunExhaustsEveryLiveSession(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 3)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	var mu sync.Mutex
	tried := make(map[string]int)
	checkErr := errors.New("payload never arrived")
	err := coord.Run(context.Background(), checkTarget(), func(_ context.Context, h monitor.Handle, _ monitor.Target) error {
		mu.Lock()
		defer mu.Unlock()
		tried[handleLabel(h)]++
		return checkErr
	})
	require.ErrorIs(t, err, checkErr)
	require.Contains(t, err.Error(), "failed on 3 session(s)")
	require.Len(t, tried, 3, "every live session tried exactly once")
	for label, n := range tried {
		require.Equal(t, 1, n, "session %s retried", label)
	}
	require.Equal(t, 3, pool.Size(), "ordinary failures do not evict")
}

func TestRunRetiresSessionOnBrowserGone(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 2)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	err := coord.Run(context.Background(), checkTarget(), func(context.Context, monitor.Handle, monitor.Target) error {
		return fmt.Errorf("tab crashed: %w", monitor.ErrBrowserGone)
	})
	require.ErrorIs(t, err, monitor.ErrBrowserGone)
	require.Less(t, pool.Size(), 2, "dead-browser sessions are evicted on release")
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 3)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	err := coord.Run(ctx, checkTarget(), func(context.Context, monitor.Handle, monitor.Target) error {
		cancel()
		return errors.New("interrupted mid-check")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed on 1 session(s)")
	require.Equal(t, 3, pool.Size())
}

func TestRunReportsAcquireFailure(t *testing.T) {
	t.Parallel()

	pool := newRetryPool(t, 1)
	coord := NewRetryCoordinator(pool, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := coord.Run(ctx, checkTarget(), func(context.Context, monitor.Handle, monitor.Target) error {
		t.Fatal("check must not run with a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
