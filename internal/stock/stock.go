// Package stock tracks observed stock levels, decides when a change warrants
// a notification, and builds the purchase links embedded in notification
// payloads. Observations live only in memory; nothing persists across
// restarts.
package stock

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

// Purchase count defaults when no per-variant limit is configured.
const (
	DefaultSingleCount = 12
	DefaultSetCount    = 2
)

type observationKey struct {
	url     string
	variant int
}

// Observations remembers the last seen stock count per (product URL, variant)
// so unchanged stock does not re-notify. Safe for concurrent use.
type Observations struct {
	mu   sync.Mutex
	last map[observationKey]int
}

// NewObservations returns an empty store.
func NewObservations() *Observations {
	return &Observations{last: make(map[observationKey]int)}
}

// Record stores the observation and reports whether it warrants a
// notification: the count must be positive and differ from the previous
// observation for the same key. Repeats of the same positive value stay
// silent; drops to zero are recorded but never notify.
func (o *Observations) Record(productURL string, variant, count int) bool {
	key := observationKey{url: productURL, variant: variant}
	o.mu.Lock()
	prev, seen := o.last[key]
	o.last[key] = count
	o.mu.Unlock()
	if count <= 0 {
		return false
	}
	return !seen || prev != count
}

// LinkBuilder constructs order-confirmation purchase URLs. When the product
// identifier or variant SKU needed for a link is missing it falls back to the
// bare product URL and warns once per missing key, keyed by product URL (or
// product URL plus variant index) so repeated checks do not flood the log.
type LinkBuilder struct {
	base   string
	logger *zap.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewLinkBuilder builds purchase links against the given order-confirmation
// base URL.
func NewLinkBuilder(base string, logger *zap.Logger) *LinkBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkBuilder{
		base:   base,
		logger: logger,
		warned: make(map[string]struct{}),
	}
}

// BuyLink returns the purchase URL for one variant of a target, or the bare
// product URL when the link cannot be constructed.
func (b *LinkBuilder) BuyLink(target monitor.Target, variant int) string {
	if target.ProductID == "" {
		b.warnOnce(target.URL, "product identifier missing, falling back to product URL",
			zap.String("product_url", target.URL))
		return target.URL
	}
	sku := target.VariantSKU(variant)
	if sku == "" {
		b.warnOnce(fmt.Sprintf("%s#%d", target.URL, variant),
			"variant identifier missing, falling back to product URL",
			zap.String("product_url", target.URL),
			zap.Int("variant", variant))
		return target.URL
	}

	q := url.Values{}
	q.Set("spuId", target.ProductID)
	q.Set("skuId", sku)
	q.Set("count", strconv.Itoa(PurchaseCount(target, variant)))
	q.Set("spuTitle", target.PurchaseTitle)
	return b.base + "?" + q.Encode()
}

func (b *LinkBuilder) warnOnce(key, msg string, fields ...zap.Field) {
	b.mu.Lock()
	_, seen := b.warned[key]
	if !seen {
		b.warned[key] = struct{}{}
	}
	b.mu.Unlock()
	if !seen {
		b.logger.Warn(msg, fields...)
	}
}

// PurchaseCount resolves how many units a buy link should order: the first
// declared variant defaults to the "single" count, the second to the "set"
// count, and any other index orders one unit. A configured per-variant limit
// overrides the default.
func PurchaseCount(target monitor.Target, variant int) int {
	switch variant {
	case 0:
		if target.SingleLimit > 0 {
			return target.SingleLimit
		}
		return DefaultSingleCount
	case 1:
		if target.SetLimit > 0 {
			return target.SetLimit
		}
		return DefaultSetCount
	default:
		return 1
	}
}

// VariantLabel names a variant index for notification text.
func VariantLabel(variant int) string {
	switch variant {
	case 0:
		return "single"
	case 1:
		return "whole set"
	default:
		return fmt.Sprintf("variant %d", variant)
	}
}

// Message renders the plain-text notification payload: the restock category,
// the current online stock count, and the purchase (or fallback) link.
func Message(target monitor.Target, variant, count int, link string) string {
	return fmt.Sprintf("%s restock: %s\nOnline stock: %d\n%s",
		VariantLabel(variant), target.Name, count, link)
}
