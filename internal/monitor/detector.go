package monitor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// BlockDetector recognizes anti-bot block pages from rendered content using
// simple signals: case-insensitive keyword matches and the presence of known
// block-page selectors. A hit is escalating: the whole run is considered
// compromised, not just one session.
type BlockDetector struct {
	keywords  [][]byte
	selectors []string
}

// NewBlockDetector builds a detector from configured keyword and CSS selector
// signatures. Empty entries are dropped.
func NewBlockDetector(keywords, selectors []string) *BlockDetector {
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	kept := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel != "" {
			kept = append(kept, sel)
		}
	}
	return &BlockDetector{keywords: lowered, selectors: kept}
}

// Blocked reports whether the page content matches a known block signature,
// returning the signature that matched.
func (d *BlockDetector) Blocked(body []byte) (bool, string) {
	if d == nil || len(body) == 0 {
		return false, ""
	}
	if len(d.keywords) > 0 {
		lowerBody := bytes.ToLower(body)
		for _, kw := range d.keywords {
			if bytes.Contains(lowerBody, kw) {
				return true, string(kw)
			}
		}
	}
	if len(d.selectors) == 0 {
		return false, ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false, ""
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return true, sel
		}
	}
	return false, ""
}
