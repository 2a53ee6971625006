// Package browser launches headless Chrome instances via chromedp, one
// browser per proxy egress point.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

// maxCapturedBody caps how much of an intercepted response body is retained.
const maxCapturedBody = 2 << 20

// Config controls browser behavior shared by every launched instance.
type Config struct {
	Headless  bool
	UserAgent string
	// LaunchWarmup bounds the initial about:blank run that proves the
	// browser process actually started.
	LaunchWarmup time.Duration
}

func (c Config) withDefaults() Config {
	if c.LaunchWarmup <= 0 {
		c.LaunchWarmup = 30 * time.Second
	}
	return c
}

// Engine implements monitor.Browser. Each Launch spawns a dedicated Chrome
// process wired to the given proxy, so one bad egress point never taints
// another session's browser.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine builds an Engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg.withDefaults(), logger: logger}
}

// Launch starts a Chrome process routed through proxy and returns a handle to
// its single browsing tab. The returned handle stays alive past ctx; ctx only
// bounds the launch itself.
func (e *Engine) Launch(ctx context.Context, proxy monitor.ProxyConfig) (monitor.Handle, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.ProxyServer(proxy.ServerURL()),
	)
	if e.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	t := &tab{
		engine:      e,
		proxy:       proxy,
		browserCtx:  browserCtx,
		cancelAll:   func() { browserCancel(); allocCancel() },
		requestURLs: make(map[network.RequestID]capturedResponse),
		logger:      e.logger.With(zap.String("proxy", proxy.Label)),
	}
	chromedp.ListenTarget(browserCtx, t.handleEvent)

	if err := t.warmup(ctx); err != nil {
		t.cancelAll()
		return nil, fmt.Errorf("launch browser via %s: %w", proxy.Label, err)
	}
	return t, nil
}

type capturedResponse struct {
	url    string
	status int
}

// tab is the live browser handle. Navigation is serialized by the session
// layer; event handling is concurrent with everything.
type tab struct {
	engine     *Engine
	proxy      monitor.ProxyConfig
	browserCtx context.Context
	cancelAll  func()
	logger     *zap.Logger

	mu          sync.Mutex
	respFn      func(monitor.Response)
	requestURLs map[network.RequestID]capturedResponse

	closeOnce sync.Once
}

// warmup runs an empty task list to force the Chrome process to start, and
// installs auth handling when the proxy carries credentials. It honors ctx
// even though chromedp.Run drives the browser's own context.
func (t *tab) warmup(ctx context.Context) error {
	warmupCtx, cancel := context.WithTimeout(t.browserCtx, t.engine.cfg.LaunchWarmup)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if t.proxy.HasAuth() {
				if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
					return fmt.Errorf("enable fetch domain: %w", err)
				}
			}
			if ua := t.engine.cfg.UserAgent; ua != "" {
				if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
	}
	if err := chromedp.Run(warmupCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chromedp warmup: %w", err)
	}
	return nil
}

// Navigate loads url in the tab and returns the rendered DOM.
func (t *tab) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if err := t.browserCtx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", monitor.ErrBrowserGone, err)
	}

	navCtx, cancel := context.WithTimeout(t.browserCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if t.browserCtx.Err() != nil {
			return "", fmt.Errorf("%w: %v", monitor.ErrBrowserGone, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("chromedp navigate: %w", err)
	}
	return html, nil
}

// OnResponse installs fn as the intercepted-response handler, replacing any
// previous one. fn may be invoked from event goroutines.
func (t *tab) OnResponse(fn func(monitor.Response)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respFn = fn
}

// Done closes when the underlying browser process is gone.
func (t *tab) Done() <-chan struct{} {
	return t.browserCtx.Done()
}

// Close tears the browser down. Safe to call more than once.
func (t *tab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		// Graceful shutdown first so Chrome's subprocesses exit cleanly,
		// bounded by ctx; cancelAll is the backstop either way.
		done := make(chan struct{})
		go func() {
			_ = chromedp.Cancel(t.browserCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		t.cancelAll()
	})
	return nil
}

// handleEvent captures response bodies for the installed handler. Bodies only
// become fetchable once loading finishes, so the URL and status are staged by
// request id until then.
func (t *tab) handleEvent(ev any) {
	switch event := ev.(type) {
	case *network.EventResponseReceived:
		if event.Response == nil {
			return
		}
		if event.Type != network.ResourceTypeXHR && event.Type != network.ResourceTypeFetch {
			return
		}
		t.mu.Lock()
		t.requestURLs[event.RequestID] = capturedResponse{
			url:    event.Response.URL,
			status: int(event.Response.Status),
		}
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.mu.Lock()
		staged, ok := t.requestURLs[event.RequestID]
		if ok {
			delete(t.requestURLs, event.RequestID)
		}
		fn := t.respFn
		t.mu.Unlock()
		if !ok || fn == nil {
			return
		}
		go t.deliverBody(event.RequestID, staged, fn)
	case *fetch.EventAuthRequired:
		go t.continueWithAuth(event)
	case *fetch.EventRequestPaused:
		go t.continueRequest(event)
	}
}

func (t *tab) deliverBody(id network.RequestID, staged capturedResponse, fn func(monitor.Response)) {
	c := chromedp.FromContext(t.browserCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(t.browserCtx, c.Target)
	body, err := network.GetResponseBody(id).Do(execCtx)
	if err != nil {
		// Bodies for redirects and cached hits are routinely unavailable.
		t.logger.Debug("response body unavailable",
			zap.String("url", staged.url),
			zap.Error(err),
		)
		return
	}
	if len(body) > maxCapturedBody {
		body = body[:maxCapturedBody]
	}
	fn(monitor.Response{URL: staged.url, Status: staged.status, Body: body})
}

func (t *tab) continueWithAuth(event *fetch.EventAuthRequired) {
	c := chromedp.FromContext(t.browserCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(t.browserCtx, c.Target)

	resp := &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseDefault,
	}
	if event.AuthChallenge != nil && event.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: t.proxy.Username,
			Password: t.proxy.Password,
		}
	}
	if err := fetch.ContinueWithAuth(event.RequestID, resp).Do(execCtx); err != nil {
		t.logger.Warn("proxy auth continuation failed", zap.Error(err))
	}
}

func (t *tab) continueRequest(event *fetch.EventRequestPaused) {
	c := chromedp.FromContext(t.browserCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(t.browserCtx, c.Target)
	if err := fetch.ContinueRequest(event.RequestID).Do(execCtx); err != nil {
		t.logger.Debug("request continuation failed", zap.Error(err))
	}
}

// forwardCancel propagates outer's cancellation to cancel until the returned
// stop func runs.
func forwardCancel(outer context.Context, cancel context.CancelFunc) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-outer.Done():
			cancel()
		case <-stopCh:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}
