package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Weight extraction runs the patterns in a fixed order and takes the first
// match. Fractional-ounce names map to their gram equivalents; whole ounces
// convert at 28 g/oz.
var weightPatterns = []struct {
	re   *regexp.Regexp
	unit string
	// fixed > 0 overrides the captured amount.
	fixed float64
	// factor scales the captured amount (0 means 1).
	factor float64
}{
	{re: regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*g\b`), unit: "g"},
	{re: regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*grams?\b`), unit: "g"},
	{re: regexp.MustCompile(`(?i)(?:\b1/8\s*oz\b|\beighth\b)`), unit: "g", fixed: 3.5},
	{re: regexp.MustCompile(`(?i)(?:\b1/4\s*oz\b|\bquarter\b)`), unit: "g", fixed: 7},
	{re: regexp.MustCompile(`(?i)(?:\b1/2\s*oz\b|\bhalf\s+(?:oz|ounce)\b)`), unit: "g", fixed: 14},
	{re: regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*oz\b`), unit: "g", factor: 28},
	{re: regexp.MustCompile(`(?i)\b(\d+)\s*[- ]?packs?\b`), unit: "pack"},
	{re: regexp.MustCompile(`(?i)\b(\d+)\s*[- ]?pieces?\b`), unit: "piece"},
	{re: regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*mg\b`), unit: "mg"},
}

// extractWeight finds the first weight pattern in the working string,
// removes the matched fragment, and returns the parsed weight. A dosage
// like "THC: 100 mg" never counts as a product weight; cannabinoid
// fragments are consumed by an earlier pass, but a literal "THC 100mg"
// form is guarded here as well.
func extractWeight(s string) (string, *Weight) {
	for _, wp := range weightPatterns {
		loc := wp.re.FindStringSubmatchIndex(s)
		if loc == nil {
			continue
		}
		if wp.unit == "mg" && precededByTHC(s, loc[0]) {
			continue
		}

		w := &Weight{Unit: wp.unit}
		switch {
		case wp.fixed > 0:
			w.Amount = wp.fixed
		default:
			amt, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
			if err != nil {
				continue
			}
			if wp.factor > 0 {
				amt *= wp.factor
			}
			w.Amount = amt
		}
		s = s[:loc[0]] + s[loc[1]:]
		return s, w
	}
	return s, nil
}

// precededByTHC reports whether the text just before offset ends with a
// THC label, marking the following milligrams as a dose, not a weight.
func precededByTHC(s string, offset int) bool {
	prefix := strings.ToLower(strings.TrimRight(s[:offset], " :"))
	return strings.HasSuffix(prefix, "thc")
}

// isWeightDescriptor reports whether the segment is purely a weight
// ("3.5g", "1/8 oz", "2 pack"), with nothing left over once the weight
// fragment is removed.
func isWeightDescriptor(seg string) bool {
	rest, w := extractWeight(seg)
	if w == nil {
		return false
	}
	return strings.Trim(rest, " |-–.,") == ""
}
