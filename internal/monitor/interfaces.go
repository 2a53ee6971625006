package monitor

import (
	"context"
	"errors"
	"time"
)

// ErrBrowserGone indicates the underlying browser for a handle has
// disconnected or been torn down. A check failing with this error marks the
// owning session unusable.
var ErrBrowserGone = errors.New("browser disconnected")

// Browser launches isolated browsing contexts bound to a proxy egress point.
type Browser interface {
	Launch(ctx context.Context, proxy ProxyConfig) (Handle, error)
}

// Handle is one live browsing context. Implementations are not required to be
// safe for concurrent navigation; a handle is used by at most one check at a
// time (the session pool enforces checkout exclusivity).
type Handle interface {
	// Navigate loads the URL and returns the rendered document HTML. The
	// timeout bounds the whole navigation; there is no internal retry.
	Navigate(ctx context.Context, url string, timeout time.Duration) (string, error)
	// OnResponse installs the interception callback invoked for network
	// responses observed during navigation. Installing a callback replaces
	// any previous one.
	OnResponse(fn func(Response))
	// Done is closed when the underlying browser disconnects.
	Done() <-chan struct{}
	// Close tears the context down best-effort.
	Close(ctx context.Context) error
}

// Notifier pushes a plain-text notification. Delivery is best-effort: errors
// are logged by the implementation and never surfaced to callers.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// Rand is the random source used for pool selection and pacing jitter,
// injectable so tests are deterministic.
type Rand interface {
	Intn(n int) int
}
