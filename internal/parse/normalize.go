package parse

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// NormalizePrice strips currency symbols and stray characters, parses the
// remainder as a float and rounds to 2 decimals. Values <= 0 are rejected.
// Handles "29.99", "$1,299.99", "29,99 EUR".
func NormalizePrice(value string) (float64, error) {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0, fmt.Errorf("empty price value")
	}

	cleaned = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, cleaned)

	// Decide the decimal separator by whichever comes last.
	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	if lastComma > lastDot {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", value, err)
	}

	rounded := math.Round(parsed*100) / 100
	if rounded <= 0 {
		return 0, fmt.Errorf("price must be positive, got %v", rounded)
	}
	return rounded, nil
}

// NormalizeProductURL forces an https scheme when missing and validates the
// hostname: it must contain a dot and must not be localhost or loopback.
func NormalizeProductURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty URL")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return "", fmt.Errorf("URL %q has no hostname", raw)
	case host == "localhost", host == "127.0.0.1", host == "::1",
		strings.HasPrefix(host, "127."):
		return "", fmt.Errorf("URL %q points at loopback", raw)
	case !strings.Contains(host, "."):
		return "", fmt.Errorf("URL %q hostname has no dot", raw)
	}

	return trimmed, nil
}

// Stock alias tables. Feeds express availability a dozen ways; anything not in
// either table defaults to in-stock, the less harmful assumption for alerts.
var (
	truthyStock = map[string]bool{
		"true": true, "t": true, "yes": true, "y": true, "1": true,
		"in stock": true, "instock": true, "in_stock": true, "available": true,
	}
	falsyStock = map[string]bool{
		"false": true, "f": true, "no": true, "n": true, "0": true,
		"out of stock": true, "outofstock": true, "out_of_stock": true,
		"unavailable": true, "sold out": true, "backorder": true, "backordered": true,
	}
)

// NormalizeStock maps a stock column value onto a boolean.
func NormalizeStock(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	if falsyStock[v] {
		return false
	}
	if truthyStock[v] {
		return true
	}
	return true
}

// collapseWhitespace trims and collapses internal whitespace runs to a single
// space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
