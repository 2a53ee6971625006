// Package monitor defines core types shared across the restock monitoring
// subsystems: proxy endpoints, monitoring targets, intercepted responses, and
// the small interfaces the session, scheduler, and notification layers plug
// into.
package monitor

import (
	"fmt"
	"net/url"
)

// ProxyConfig describes one proxy egress point. Immutable once parsed.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Protocol string
	Label    string
}

// Address returns the host:port pair for the proxy.
func (p ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ServerURL returns the proxy target in scheme://host:port form, suitable for
// handing to the browsing engine. Credentials are intentionally excluded; the
// engine authenticates separately.
func (p ProxyConfig) ServerURL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// HasAuth reports whether the proxy requires credentials.
func (p ProxyConfig) HasAuth() bool {
	return p.Username != ""
}

// Target is one product page to monitor. Immutable after load.
type Target struct {
	Name          string
	URL           string
	ProductID     string
	SingleSKU     string
	SetSKU        string
	SingleLimit   int
	SetLimit      int
	PurchaseTitle string
}

// VariantSKU maps a variant index to its configured SKU identifier, or ""
// when no identifier is declared for that index.
func (t Target) VariantSKU(index int) string {
	switch index {
	case 0:
		return t.SingleSKU
	case 1:
		return t.SetSKU
	default:
		return ""
	}
}

// Host returns the lowercased hostname of the target URL, or "" if the URL
// does not parse.
func (t Target) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Response is one network response intercepted while a target page loads.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// VariantStock is the observed stock level for one variant of a product.
type VariantStock struct {
	Index  int
	SKU    string
	Online int
}
