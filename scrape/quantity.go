package scrape

import (
	"regexp"
	"strconv"
	"strings"
)

// quantityPatterns match inventory counts in free page text, checked in
// order. The first capture group is the count.
var quantityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bonly\s+(\d+)\s+left\b`),
	regexp.MustCompile(`(?i)\bhurry,?\s+only\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s+left\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s+remaining\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s+available\b`),
	regexp.MustCompile(`(?i)\blimited:\s*(\d+)\b`),
	regexp.MustCompile(`(?i)\blow\s+stock:\s*(\d+)\b`),
}

// outOfStockPhrases mark a product as unavailable when present in page text.
var outOfStockPhrases = []string{
	"out of stock",
	"sold out",
	"unavailable",
	"not available",
}

// ParseQuantityText scans free text for an inventory count. Returns the
// count and true on a match.
func ParseQuantityText(s string) (int, bool) {
	for _, re := range quantityPatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// ContainsOutOfStock reports whether the text carries an out-of-stock phrase.
func ContainsOutOfStock(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range outOfStockPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// warningPatterns parse low-stock warning strings on cards
// ("only 3 left", "2 remaining", "low stock").
var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bonly\s+(\d+)\s+left\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s+remaining\b`),
}

var lowStockWarningRe = regexp.MustCompile(`(?i)\blow\s+stock\b`)

// ParseWarning extracts an estimated quantity from a card warning string.
// A bare "low stock" with no number estimates 1. Returns ok=false when the
// string is not a stock warning at all.
func ParseWarning(s string) (estimated int, ok bool) {
	for _, re := range warningPatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	if lowStockWarningRe.MatchString(s) {
		return 1, true
	}
	return 0, false
}

// limitPatterns match purchase-limit messages surfaced by the cart after an
// overflow write. The first capture group is the limit.
var limitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmax(?:imum)?\s+(?:of\s+)?(\d+)\b`),
	regexp.MustCompile(`(?i)\blimit(?:ed)?\s+(?:to\s+)?(\d+)\b`),
	regexp.MustCompile(`(?i)\bonly\s+(\d+)\s+(?:available|remaining|left)\b`),
	regexp.MustCompile(`(?i)\bcannot\s+add\s+more\s+than\s+(\d+)\b`),
}

// ParseLimitText scans page text for a cart purchase-limit message.
func ParseLimitText(s string) (int, bool) {
	for _, re := range limitPatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}
