// Package normalize parses a single concatenated scraped product string
// into structured fields: strain name, brand, category, strain type,
// weight, cannabinoid percentages, marketing tags, and a confidence score.
//
// Menu platforms concatenate card text without separators ("Black
// DieselGrocerySativaTHC: 29.21%"), so the parse runs as a sequence of
// ordered passes, each consuming the fragment it recognised from a working
// copy of the raw name. Pure and deterministic: no I/O, no global state.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Input is the raw tuple scraped from a menu card.
type Input struct {
	RawName     string
	RawBrand    string
	RawCategory string
	RawTHC      string
	RawCBD      string
}

// Weight is a parsed product weight.
type Weight struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"` // g, mg, oz-derived grams, pack, piece
}

// Product is the normalized result.
type Product struct {
	Name       string   `json:"name"`
	Brand      string   `json:"brand"`
	Category   string   `json:"category"`
	Strain     string   `json:"strain,omitempty"` // sativa, indica, hybrid or empty
	THC        *float64 `json:"thc,omitempty"`
	CBD        *float64 `json:"cbd,omitempty"`
	TAC        *float64 `json:"tac,omitempty"`
	Weight     *Weight  `json:"weight,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Categories recognised by the keyword tables.
const (
	CategoryFlower      = "flower"
	CategoryPreRoll     = "pre_roll"
	CategoryVape        = "vape"
	CategoryEdible      = "edible"
	CategoryConcentrate = "concentrate"
	CategoryTincture    = "tincture"
	CategoryTopical     = "topical"
	CategoryOther       = "other"
)

// marketingTags are well-known badges platforms prepend or append to names.
var marketingTags = []string{
	"staff pick", "best seller", "new arrival", "limited edition",
	"on sale", "popular", "featured",
}

var (
	// No leading \b: platforms glue the label onto the preceding word
	// ("...SativaTHC: 29.21%").
	cannabinoidRe = regexp.MustCompile(`(?i)(THC|TAC|CBD)\s*:\s*(\d+(?:\.\d+)?)\s*%?`)
	percentRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%?`)

	strainWordRe = regexp.MustCompile(`(?i)\b(sativa-hybrid|indica-hybrid|sativa|indica|hybrid)\b`)
	// Terminal-token match catches DOM-concatenation artifacts where the
	// strain badge is glued to the end of the name without a separator.
	strainTailRe = regexp.MustCompile(`(Sativa-Hybrid|Indica-Hybrid|Sativa|Indica|Hybrid)\s*$`)

	multiSpaceRe = regexp.MustCompile(`\s+`)
	digitRunRe   = regexp.MustCompile(`\d{3,}`)
	numPrefixRe  = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// descriptorWords never stand alone as a product name.
var descriptorWords = map[string]bool{
	"premium": true, "smalls": true, "small": true, "whole": true,
	"ground": true, "infused": true, "indoor": true, "outdoor": true,
}

// Slug lowercases, hyphenates, and collapses a name for index lookups.
// Shared by brand and product normalized names.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastHyphen := true // swallow leading separators
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Normalize parses a raw scraped tuple into a structured Product.
func Normalize(in Input) Product {
	work := in.RawName
	p := Product{Brand: strings.TrimSpace(in.RawBrand), Confidence: 1.0}

	work, p.Tags = extractTags(work)
	work = extractCannabinoids(work, &p)
	if p.THC == nil {
		p.THC = parsePercent(in.RawTHC)
	}
	if p.CBD == nil {
		p.CBD = parsePercent(in.RawCBD)
	}
	work, p.Strain = extractStrain(work)
	work = stripBrand(work, p.Brand)
	work, p.Weight = extractWeight(work)
	p.Category = deriveCategory(in.RawCategory, work)
	name, brandFromSegments := pickName(work, p.Brand)
	if p.Brand == "" && brandFromSegments != "" {
		p.Brand = brandFromSegments
	}
	p.Name = cleanup(name)
	p.Confidence = confidence(p)
	return p
}

// extractTags removes well-known marketing badges and returns them.
func extractTags(s string) (string, []string) {
	var tags []string
	lower := strings.ToLower(s)
	for _, tag := range marketingTags {
		idx := strings.Index(lower, tag)
		if idx < 0 {
			continue
		}
		tags = append(tags, tag)
		s = s[:idx] + s[idx+len(tag):]
		lower = strings.ToLower(s)
	}
	return s, tags
}

// extractCannabinoids pulls "KEY: N%" fragments out of the working string.
func extractCannabinoids(s string, p *Product) string {
	for {
		m := cannabinoidRe.FindStringSubmatchIndex(s)
		if m == nil {
			return s
		}
		key := strings.ToUpper(s[m[2]:m[3]])
		val, err := strconv.ParseFloat(s[m[4]:m[5]], 64)
		if err == nil {
			switch key {
			case "THC":
				if p.THC == nil {
					p.THC = &val
				}
			case "CBD":
				if p.CBD == nil {
					p.CBD = &val
				}
			case "TAC":
				if p.TAC == nil {
					p.TAC = &val
				}
			}
		}
		s = s[:m[0]] + s[m[1]:]
	}
}

// parsePercent extracts the first numeric value from a raw formatted
// percentage ("29.21%", "THC 29.21").
func parsePercent(raw string) *float64 {
	if raw == "" {
		return nil
	}
	m := percentRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

// extractStrain finds the strain type: first a whole-word match, then a
// terminal-token match for concatenated suffixes. Hybrids collapse to the
// dominant side.
func extractStrain(s string) (string, string) {
	strain := ""
	if m := strainWordRe.FindStringIndex(s); m != nil {
		strain = mapStrain(s[m[0]:m[1]])
		s = s[:m[0]] + s[m[1]:]
	}
	if m := strainTailRe.FindStringIndex(s); m != nil {
		if strain == "" {
			strain = mapStrain(s[m[0]:m[1]])
		}
		s = s[:m[0]]
	}
	return s, strain
}

func mapStrain(tok string) string {
	switch strings.ToLower(tok) {
	case "sativa", "sativa-hybrid":
		return "sativa"
	case "indica", "indica-hybrid":
		return "indica"
	case "hybrid":
		return "hybrid"
	}
	return ""
}

// stripBrand removes duplicated brand text: any trailing exact, compressed,
// uppercased, or hyphenated brand variant, and a leading brand followed by
// a separator.
func stripBrand(s, brand string) string {
	if brand == "" {
		return s
	}
	variants := []string{
		brand,
		strings.ReplaceAll(brand, " ", ""),
		strings.ToUpper(brand),
		strings.ReplaceAll(brand, " ", "-"),
	}
	for changed := true; changed; {
		changed = false
		trimmed := strings.TrimRight(s, " |-–")
		for _, v := range variants {
			if v == "" {
				continue
			}
			if strings.HasSuffix(strings.ToLower(trimmed), strings.ToLower(v)) {
				s = strings.TrimRight(trimmed[:len(trimmed)-len(v)], " |-–")
				changed = true
				break
			}
		}
	}
	lower := strings.ToLower(strings.TrimLeft(s, " "))
	for _, v := range variants {
		lv := strings.ToLower(v)
		if lv == "" || !strings.HasPrefix(lower, lv) {
			continue
		}
		rest := strings.TrimLeft(s, " ")[len(v):]
		restTrim := strings.TrimLeft(rest, " ")
		if strings.HasPrefix(restTrim, "|") || strings.HasPrefix(restTrim, "-") || strings.HasPrefix(restTrim, "–") {
			s = strings.TrimLeft(restTrim, "|-– ")
			break
		}
	}
	return s
}

// deriveCategory checks the raw category field first, then the working
// string, against the keyword tables.
func deriveCategory(rawCategory, work string) string {
	if c := categoryFromKeywords(rawCategory); c != "" {
		return c
	}
	if c := categoryFromKeywords(work); c != "" {
		return c
	}
	return CategoryOther
}

// categoryKeywords is checked in order; more specific categories come
// before "flower" so "Pre-Roll Flower" lands in pre_roll.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{CategoryPreRoll, []string{"pre-roll", "preroll", "pre roll", "joint", "blunt"}},
	{CategoryVape, []string{"vape", "cartridge", "cart ", "pod", "disposable"}},
	{CategoryEdible, []string{"edible", "gummy", "gummies", "chocolate", "cookie", "brownie", "candy", "mints", "beverage", "drink", "chew"}},
	{CategoryConcentrate, []string{"concentrate", "shatter", "wax", "rosin", "resin", "badder", "budder", "crumble", "diamonds", "sauce", "dab", "sugar"}},
	{CategoryTincture, []string{"tincture", "sublingual", "drops"}},
	{CategoryTopical, []string{"topical", "lotion", "balm", "salve", "cream", "transdermal"}},
	{CategoryFlower, []string{"flower", "bud", "eighth", "quarter", "ounce", "shake"}},
}

func categoryFromKeywords(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				return ck.category
			}
		}
	}
	return ""
}

// pickName selects the product name from the working string by segment
// heuristics. Returns the chosen name and, for pipe-separated strings, a
// possible brand read from the first segment.
func pickName(work, brand string) (name, segBrand string) {
	if strings.Contains(work, "|") {
		segments := splitMeaningful(work, "|")
		switch len(segments) {
		case 0:
			return "", ""
		case 1:
			return segments[0], ""
		}
		last := segments[len(segments)-1]
		if isWeightDescriptor(last) {
			// "Brand | Black Diesel | 3.5g": the tail is a weight, not a
			// name; fall back to the first meaningful segment.
			for _, seg := range segments {
				if !isWeightDescriptor(seg) && !descriptorOnly(seg) {
					return seg, ""
				}
			}
			return segments[0], ""
		}
		if brand == "" && len(segments) >= 2 {
			segBrand = strings.TrimSpace(segments[0])
		}
		return last, segBrand
	}

	segments := splitMeaningful(work, "-", "–")
	for _, seg := range segments {
		if numPrefixRe.MatchString(strings.TrimSpace(seg)) {
			continue
		}
		if descriptorOnly(seg) {
			continue
		}
		return seg, ""
	}
	return work, ""
}

// splitMeaningful splits on any of the separators and drops empty segments.
func splitMeaningful(s string, seps ...string) []string {
	parts := []string{s}
	for _, sep := range seps {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// descriptorOnly reports whether every token in the segment is a grade
// descriptor (premium, smalls, ...).
func descriptorOnly(seg string) bool {
	fields := strings.Fields(strings.ToLower(seg))
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if !descriptorWords[strings.Trim(f, ".,")] {
			return false
		}
	}
	return true
}

// cleanup collapses whitespace and trims non-word characters at both ends.
func cleanup(s string) string {
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.Trim(s, " \t|-–—.,:;/\\")
}

// confidence applies the fixed penalty schedule and clamps to [0,1].
func confidence(p Product) float64 {
	score := 1.0
	if len(p.Name) > 40 {
		score -= 0.2
	}
	if p.THC == nil && p.Weight == nil {
		score -= 0.1
	}
	if p.Strain == "" {
		score -= 0.1
	}
	if len(p.Name) < 3 {
		score -= 0.3
	}
	if digitRunRe.MatchString(p.Name) {
		score -= 0.2
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
