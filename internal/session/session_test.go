package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

type fakeHandle struct {
	mu       sync.Mutex
	respFn   func(monitor.Response)
	navigate func(ctx context.Context, url string) (string, error)
	done     chan struct{}
	closed   atomic.Bool
	closeErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Navigate(ctx context.Context, url string, _ time.Duration) (string, error) {
	if h.navigate != nil {
		return h.navigate(ctx, url)
	}
	return "<html></html>", nil
}

func (h *fakeHandle) OnResponse(fn func(monitor.Response)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respFn = fn
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Close(context.Context) error {
	h.closed.Store(true)
	return h.closeErr
}

func (h *fakeHandle) disconnect() { close(h.done) }

type fakeBrowser struct {
	mu       sync.Mutex
	launches int
	launchFn func(ctx context.Context, proxy monitor.ProxyConfig) (monitor.Handle, error)
}

func (b *fakeBrowser) Launch(ctx context.Context, proxy monitor.ProxyConfig) (monitor.Handle, error) {
	b.mu.Lock()
	b.launches++
	fn := b.launchFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, proxy)
	}
	return newFakeHandle(), nil
}

func (b *fakeBrowser) launchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches
}

func testProxy(label string) monitor.ProxyConfig {
	return monitor.ProxyConfig{Host: "10.0.0.1", Port: 8080, Protocol: "http", Label: label}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, FailureRetryable, Classify(context.DeadlineExceeded))
	require.Equal(t, FailureTerminal, Classify(context.Canceled))
	require.Equal(t, FailureTerminal, Classify(errors.New("proxy refused credentials")))
}

func TestHandleRetriesTimeoutsThenSucceeds(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	attempt := 0
	browser.launchFn = func(context.Context, monitor.ProxyConfig) (monitor.Handle, error) {
		attempt++
		if attempt < 3 {
			return nil, context.DeadlineExceeded
		}
		return newFakeHandle(), nil
	}

	s := New(testProxy("p1"), browser, Options{LaunchAttempts: 3, LaunchTimeout: time.Second}, nil)
	h, err := s.Handle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, 3, browser.launchCount())
	require.False(t, s.Failed())
}

func TestHandleTerminalErrorRetiresSession(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	browser.launchFn = func(context.Context, monitor.ProxyConfig) (monitor.Handle, error) {
		return nil, errors.New("tunnel rejected")
	}

	s := New(testProxy("p1"), browser, Options{}, nil)
	_, err := s.Handle(context.Background())
	require.Error(t, err)
	require.True(t, s.Failed())
	require.Equal(t, 1, browser.launchCount(), "terminal fault must not be retried")

	// Sticky: no further launch attempts once retired.
	_, err = s.Handle(context.Background())
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Equal(t, 1, browser.launchCount())
}

func TestHandleExhaustedTimeoutsRetireSession(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	browser.launchFn = func(context.Context, monitor.ProxyConfig) (monitor.Handle, error) {
		return nil, context.DeadlineExceeded
	}

	s := New(testProxy("p1"), browser, Options{LaunchAttempts: 3, LaunchTimeout: time.Second}, nil)
	_, err := s.Handle(context.Background())
	require.Error(t, err)
	require.True(t, s.Failed())
	require.Equal(t, 3, browser.launchCount())
}

func TestHandleAbortsWhenShutdownBegins(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(testProxy("p1"), browser, Options{}, nil)
	_, err := s.Handle(ctx)
	require.Error(t, err)
	require.True(t, s.Failed())
	require.Zero(t, browser.launchCount())
}

func TestConcurrentCallersShareOneLaunch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	browser := &fakeBrowser{}
	browser.launchFn = func(context.Context, monitor.ProxyConfig) (monitor.Handle, error) {
		<-release
		return newFakeHandle(), nil
	}

	s := New(testProxy("p1"), browser, Options{}, nil)

	const callers = 4
	var wg sync.WaitGroup
	handles := make([]monitor.Handle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Handle(context.Background())
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}

	require.Eventually(t, func() bool { return browser.launchCount() == 1 },
		time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, browser.launchCount(), "callers must share the in-flight launch")
	for _, h := range handles {
		require.Same(t, handles[0], h)
	}
}

func TestDisconnectDetachesWithoutRetiring(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	s := New(testProxy("p1"), browser, Options{}, nil)

	first, err := s.Handle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, browser.launchCount())

	first.(*fakeHandle).disconnect()

	// The detach is observed asynchronously; the next use relaunches.
	require.Eventually(t, func() bool {
		h, err := s.Handle(context.Background())
		return err == nil && h != first
	}, time.Second, 5*time.Millisecond)
	require.False(t, s.Failed())
	require.Equal(t, 2, browser.launchCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	s := New(testProxy("p1"), browser, Options{}, nil)

	h, err := s.Handle(context.Background())
	require.NoError(t, err)

	s.Close(context.Background())
	require.True(t, h.(*fakeHandle).closed.Load())
	s.Close(context.Background())
}
