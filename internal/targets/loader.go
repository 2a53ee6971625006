// Package targets loads the monitored product list from its tabular
// configuration file. Loading is fail-fast: any row that cannot be fully
// resolved aborts the whole load rather than producing a partial target set.
package targets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/mantlewatch/restock-sentinel/internal/monitor"
)

// ErrNoTargets indicates the file held a header but no data rows.
var ErrNoTargets = errors.New("target list contains no rows")

// Column aliases, matched against case/punctuation-normalized header cells.
var columnAliases = map[string]string{
	"name":        "name",
	"product":     "name",
	"productname": "name",
	"url":         "url",
	"link":        "url",
	"producturl":  "url",
	"productid":   "productid",
	"id":          "productid",
	"spuid":       "productid",
	"skusingle":   "skusingle",
	"singlesku":   "skusingle",
	"varianta":    "skusingle",
	"skuset":      "skuset",
	"setsku":      "skuset",
	"variantb":    "skuset",
	"singlelimit": "singlelimit",
	"limitsingle": "singlelimit",
	"setlimit":    "setlimit",
	"limitset":    "setlimit",
}

// Load reads the target list at path.
func Load(path string) ([]monitor.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads targets from tabular data with a required header row.
func Parse(r io.Reader) ([]monitor.Target, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	columns, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var list []monitor.Target
	row := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+1, err)
		}
		row++
		target, err := buildTarget(columns, record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		list = append(list, target)
	}
	if len(list) == 0 {
		return nil, ErrNoTargets
	}
	return list, nil
}

func mapColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, cell := range header {
		key, ok := columnAliases[normalizeHeader(cell)]
		if !ok {
			continue
		}
		if _, dup := columns[key]; dup {
			return nil, fmt.Errorf("duplicate %q column in header", key)
		}
		columns[key] = i
	}
	if _, ok := columns["name"]; !ok {
		return nil, errors.New("target list header missing name column")
	}
	if _, ok := columns["url"]; !ok {
		return nil, errors.New("target list header missing url column")
	}
	return columns, nil
}

func buildTarget(columns map[string]int, record []string) (monitor.Target, error) {
	cell := func(key string) string {
		i, ok := columns[key]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	name := cell("name")
	rawURL := cell("url")
	if name == "" {
		return monitor.Target{}, errors.New("missing product name")
	}
	if rawURL == "" {
		return monitor.Target{}, errors.New("missing product url")
	}

	productID := cell("productid")
	if productID == "" {
		productID = productIDFromURL(rawURL)
	}
	if productID == "" {
		return monitor.Target{}, fmt.Errorf("product identifier missing and not derivable from url %q", rawURL)
	}

	target := monitor.Target{
		Name:          name,
		URL:           rawURL,
		ProductID:     productID,
		SingleSKU:     cell("skusingle"),
		SetSKU:        cell("skuset"),
		PurchaseTitle: slugify(name),
	}

	var err error
	if target.SingleLimit, err = parseLimit(cell("singlelimit")); err != nil {
		return monitor.Target{}, fmt.Errorf("single limit: %w", err)
	}
	if target.SetLimit, err = parseLimit(cell("setlimit")); err != nil {
		return monitor.Target{}, fmt.Errorf("set limit: %w", err)
	}
	return target, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("limit %d must not be negative", n)
	}
	return n, nil
}

// productIDFromURL extracts the last all-numeric path segment of the URL.
func productIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	id := ""
	for _, segment := range strings.Split(u.Path, "/") {
		if segment == "" || !allDigits(segment) {
			continue
		}
		id = segment
	}
	return id
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeHeader lowercases a header cell and strips everything that is not
// a letter or digit, so "Product ID", "product_id", and "ProductId" all match.
func normalizeHeader(cell string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(cell) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// slugify derives the purchase-title slug embedded in buy links.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
