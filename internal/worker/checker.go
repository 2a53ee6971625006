// Package worker executes individual monitoring checks and retries them
// across sessions. It owns the per-check pipeline: navigate, intercept the
// stock payload, diff against prior observations, notify.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mantlewatch/restock-sentinel/internal/metrics"
	"github.com/mantlewatch/restock-sentinel/internal/monitor"
	"github.com/mantlewatch/restock-sentinel/internal/stock"
)

// ErrBlocked indicates the page content matched an anti-bot block signature.
var ErrBlocked = errors.New("anti-bot block detected")

// ErrNoStockPayload indicates navigation succeeded but no stock payload was
// intercepted; the check is retryable on another session.
var ErrNoStockPayload = errors.New("no stock payload observed")

// CheckerConfig tunes check execution.
type CheckerConfig struct {
	// NavTimeout bounds one navigation attempt. No internal retry: failures
	// surface to the retry coordinator, which fails over to another session.
	NavTimeout time.Duration
	// PayloadURLMark identifies the stock payload among intercepted
	// responses by URL substring.
	PayloadURLMark string
	// HostQPS caps navigations per host; zero disables the guard.
	HostQPS float64
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.PayloadURLMark == "" {
		c.PayloadURLMark = "productDetails"
	}
	return c
}

// Checker executes one monitoring check on a checked-out browsing handle:
// navigate, watch the response stream for the stock payload, diff observed
// stock against the last observation, and emit notifications with purchase
// links. A block-signature hit escalates through the configured callback.
type Checker struct {
	cfg      CheckerConfig
	obs      *stock.Observations
	links    *stock.LinkBuilder
	notifier monitor.Notifier
	detector *monitor.BlockDetector
	escalate func(reason string)
	logger   *zap.Logger

	hostLimiters sync.Map
}

// NewChecker wires a Checker. escalate is invoked when a block signature is
// detected; pass nil when escalation is handled elsewhere.
func NewChecker(
	cfg CheckerConfig,
	obs *stock.Observations,
	links *stock.LinkBuilder,
	notifier monitor.Notifier,
	detector *monitor.BlockDetector,
	escalate func(reason string),
	logger *zap.Logger,
) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:      cfg.withDefaults(),
		obs:      obs,
		links:    links,
		notifier: notifier,
		detector: detector,
		escalate: escalate,
		logger:   logger,
	}
}

// Check runs one check for target on the given handle.
func (c *Checker) Check(ctx context.Context, h monitor.Handle, target monitor.Target) error {
	if err := c.waitHostBudget(ctx, target.Host()); err != nil {
		return fmt.Errorf("host rate limit: %w", err)
	}

	collector := newStockCollector(c.cfg.PayloadURLMark, target.ProductID)
	h.OnResponse(collector.capture)
	// Detach before returning so a payload still in flight on this tab
	// cannot be delivered into a later check's collector.
	defer h.OnResponse(nil)

	html, err := h.Navigate(ctx, target.URL, c.cfg.NavTimeout)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", target.URL, err)
	}

	if blocked, signature := c.detector.Blocked([]byte(html)); blocked {
		c.logger.Error("block signature matched",
			zap.String("url", target.URL),
			zap.String("signature", signature),
		)
		if c.escalate != nil {
			c.escalate(signature)
		}
		return fmt.Errorf("%w: %q on %s", ErrBlocked, signature, target.URL)
	}

	variants := collector.variants()
	if len(variants) == 0 {
		return fmt.Errorf("%w for %s", ErrNoStockPayload, target.URL)
	}

	for _, v := range variants {
		if !c.obs.Record(target.URL, v.Index, v.Online) {
			continue
		}
		link := c.links.BuyLink(target, v.Index)
		c.notifier.Notify(ctx, stock.Message(target, v.Index, v.Online, link))
		metrics.NotificationSent("restock")
		c.logger.Info("restock detected",
			zap.String("product", target.Name),
			zap.Int("variant", v.Index),
			zap.Int("online_stock", v.Online),
		)
	}
	return nil
}

func (c *Checker) waitHostBudget(ctx context.Context, host string) error {
	if c.cfg.HostQPS <= 0 || host == "" {
		return nil
	}
	val, _ := c.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(c.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	return limiter.Wait(ctx)
}

// stockCollector accumulates variant stock levels from intercepted responses.
// The payload may arrive more than once during a page load; the last complete
// one wins. Captures are scoped to one product: a payload whose spuId query
// parameter is absent or names a different product is ignored, so a stray
// response from an earlier navigation on the same tab cannot be attributed to
// this check's target.
type stockCollector struct {
	mark  string
	spuID string

	mu       sync.Mutex
	captured []monitor.VariantStock
}

func newStockCollector(mark, spuID string) *stockCollector {
	return &stockCollector{mark: mark, spuID: spuID}
}

// stockPayload mirrors the fragment of the product-details response the
// monitor cares about.
type stockPayload struct {
	Data struct {
		Skus []struct {
			SkuID string `json:"skuId"`
			Stock struct {
				OnlineStock int `json:"onlineStock"`
			} `json:"stock"`
		} `json:"skus"`
	} `json:"data"`
}

func (sc *stockCollector) capture(resp monitor.Response) {
	if !strings.Contains(resp.URL, sc.mark) || !sc.forProduct(resp.URL) {
		return
	}
	var payload stockPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return
	}
	if len(payload.Data.Skus) == 0 {
		return
	}
	observed := make([]monitor.VariantStock, 0, len(payload.Data.Skus))
	for i, sku := range payload.Data.Skus {
		observed = append(observed, monitor.VariantStock{
			Index:  i,
			SKU:    sku.SkuID,
			Online: sku.Stock.OnlineStock,
		})
	}
	sc.mu.Lock()
	sc.captured = observed
	sc.mu.Unlock()
}

func (sc *stockCollector) forProduct(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Query().Get("spuId") == sc.spuID
}

func (sc *stockCollector) variants() []monitor.VariantStock {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]monitor.VariantStock(nil), sc.captured...)
}
