package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"

	"github.com/verdantlabs/menuwatch/browser"
	"github.com/verdantlabs/menuwatch/connectivity"
)

// PlatformSSR is the platform tag for server-rendered JSON menus.
const PlatformSSR = "dutchie-ssr"

// ssrPayloadID is the element id of the hydration payload script.
const ssrPayloadID = "__NEXT_DATA__"

var ssrURLRe = regexp.MustCompile(`(?i)dutchie\.com/(?:dispensary|stores)/`)

// SSRJSON extracts menus whose full product data is embedded in a
// hydration payload in the initial HTML. One HTTP fetch, no browser.
type SSRJSON struct {
	client *http.Client
	now    func() time.Time
}

// SSRJSONOption configures the extractor.
type SSRJSONOption func(*SSRJSON)

// WithSSRClient sets a custom HTTP client.
func WithSSRClient(c *http.Client) SSRJSONOption {
	return func(s *SSRJSON) { s.client = c }
}

// WithSSRClock sets a custom clock (for testing).
func WithSSRClock(fn func() time.Time) SSRJSONOption {
	return func(s *SSRJSON) { s.now = fn }
}

// NewSSRJSON creates the SSR-JSON strategy.
func NewSSRJSON(opts ...SSRJSONOption) *SSRJSON {
	s := &SSRJSON{
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SSRJSON) Name() string       { return PlatformSSR }
func (s *SSRJSON) NeedsBrowser() bool { return false }

func (s *SSRJSON) MatchURL(url string) bool { return ssrURLRe.MatchString(url) }

func (s *SSRJSON) MatchHTML(html string) bool {
	return strings.Contains(html, `id="`+ssrPayloadID+`"`)
}

// Extract fetches the HTML once, locates the hydration payload, and maps
// each raw record to an Item. Inventory comes from the payload's dedicated
// numeric field; prices are cents.
func (s *SSRJSON) Extract(ctx context.Context, _ *browser.Session, target Target) ([]Item, error) {
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	header.Set("User-Agent", "Mozilla/5.0 (compatible; menuwatch/1.0)")

	resp, err := connectivity.FetchWithRetry(ctx, http.MethodGet, target.URL, nil, header, connectivity.FetchOptions{
		Client: s.client,
		Retry:  connectivity.RetryOptions{MaxRetries: 2, BaseDelay: 2 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("scrape: read body: %w", err)
	}

	html := string(body)
	if blocked := CheckBlocked(html, pageTitle(html)); blocked != nil {
		return nil, blocked
	}

	payload, err := ssrPayload(html)
	if err != nil {
		return nil, &KindError{Kind: KindParseFailed, Err: err}
	}

	records := collectSSRRecords(payload)
	if records == nil {
		return nil, &KindError{Kind: KindParseFailed, Err: fmt.Errorf("no product collections in payload")}
	}

	now := s.now().UnixMilli()
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		item, ok := s.mapRecord(rec, target, now)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ssrPayload walks the parsed HTML for the payload script element and
// decodes its JSON body.
func ssrPayload(html string) (map[string]any, error) {
	doc, err := xhtml.Parse(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var raw string
	var walk func(*xhtml.Node) bool
	walk = func(n *xhtml.Node) bool {
		if n.Type == xhtml.ElementNode && n.Data == "script" {
			for _, a := range n.Attr {
				if a.Key == "id" && a.Val == ssrPayloadID {
					if n.FirstChild != nil {
						raw = n.FirstChild.Data
					}
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if !walk(doc) || raw == "" {
		return nil, fmt.Errorf("payload element %q not found", ssrPayloadID)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// ssrCollectionPaths are the known product collection locations inside the
// hydration payload, checked in order. "*" iterates list elements.
var ssrCollectionPaths = [][]string{
	{"props", "pageProps", "menuData", "showcasedGroups", "*", "products"},
	{"props", "pageProps", "menuData", "deals"},
	{"props", "pageProps", "searchResults", "products"},
}

// collectSSRRecords walks the known collection paths and flattens every
// raw record found. Returns nil when no path yields anything.
func collectSSRRecords(payload map[string]any) []map[string]any {
	var records []map[string]any
	for _, path := range ssrCollectionPaths {
		for _, v := range digAll(payload, path) {
			if rec, ok := v.(map[string]any); ok {
				records = append(records, rec)
			}
		}
	}
	return records
}

// digAll resolves a path through nested maps/lists; "*" fans out over list
// elements. The result is the flattened list of leaf collection members.
func digAll(v any, path []string) []any {
	if len(path) == 0 {
		if list, ok := v.([]any); ok {
			return list
		}
		return nil
	}
	key := path[0]
	if key == "*" {
		list, ok := v.([]any)
		if !ok {
			return nil
		}
		var out []any
		for _, el := range list {
			out = append(out, digAll(el, path[1:])...)
		}
		return out
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := m[key]
	if !ok {
		return nil
	}
	return digAll(next, path[1:])
}

// mapRecord converts one raw payload record to an Item.
func (s *SSRJSON) mapRecord(rec map[string]any, target Target, now int64) (Item, bool) {
	name, _ := rec["name"].(string)
	if name == "" {
		return Item{}, false
	}

	item := Item{
		RawProductName: name,
		RawBrandName:   recBrand(rec),
		SourceURL:      target.URL,
		SourcePlatform: PlatformSSR,
		QuantitySource: SourceSSR,
		ScrapedAt:      now,
	}
	if c, ok := rec["category"].(string); ok {
		item.RawCategory = c
	} else if c, ok := rec["type"].(string); ok {
		item.RawCategory = c
	}

	if cents, ok := recNumber(rec, "priceCents"); ok {
		item.Price = cents / 100
	}
	if cents, ok := recNumber(rec, "originalPriceCents"); ok && cents/100 > item.Price {
		orig := cents / 100
		item.OriginalPrice = &orig
	}

	if qty, ok := recNumber(rec, "quantityAvailable"); ok {
		q := int(qty)
		item.Quantity = &q
		item.InStock = q > 0
	} else if inStock, ok := rec["inStock"].(bool); ok {
		item.InStock = inStock
	}

	if v, ok := rec["thcFormatted"].(string); ok {
		item.THCFormatted = v
	}
	if v, ok := rec["cbdFormatted"].(string); ok {
		item.CBDFormatted = v
	}
	if v, ok := rec["imageUrl"].(string); ok {
		item.ImageURL = v
	}
	if v, ok := rec["url"].(string); ok {
		item.ProductURL = v
	}
	return item, true
}

func recBrand(rec map[string]any) string {
	switch b := rec["brand"].(type) {
	case string:
		return b
	case map[string]any:
		if name, ok := b["name"].(string); ok {
			return name
		}
	}
	return ""
}

func recNumber(rec map[string]any, key string) (float64, bool) {
	v, ok := rec[key].(float64)
	return v, ok
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func pageTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
