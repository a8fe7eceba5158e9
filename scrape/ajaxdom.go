package scrape

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/verdantlabs/menuwatch/browser"
)

// PlatformAJAX is the platform tag for AJAX-hydrated DOM menus.
const PlatformAJAX = "leafbridge"

var ajaxURLRe = regexp.MustCompile(`(?i)(?:^|\.)leafbridge\.(?:com|io)/`)

const (
	ajaxCardSelector = ".lb-product-card"
	ajaxHydrateWait  = 5 * time.Second
)

// ajaxExtractJS reads per-card fields from the hydrated DOM. The number
// input's max attribute is the platform's inventory proxy: it mirrors the
// backend's available quantity unless clamped to a purchase cap, so values
// above 100 are discarded.
const ajaxExtractJS = `(sel) => {
	const cards = Array.from(document.querySelectorAll(sel));
	return cards.map(card => {
		const pick = (s) => { const el = card.querySelector(s); return el ? el.textContent.trim() : ''; };
		const input = card.querySelector('input[type=number]');
		let inputMax = null;
		if (input && input.max) {
			const m = parseInt(input.max, 10);
			if (!isNaN(m)) inputMax = m;
		}
		return {
			name: pick('.lb-product-name'),
			brand: pick('.lb-product-brand'),
			price: pick('.lb-product-price'),
			originalPrice: pick('.lb-product-price--original'),
			category: card.dataset.category || '',
			soldOut: card.classList.contains('lb-sold-out'),
			warning: pick('.lb-stock-warning'),
			image: (card.querySelector('img') || {}).src || '',
			url: (card.querySelector('a') || {}).href || '',
			inputMax: inputMax,
		};
	});
}`

// AJAXDOM extracts menus whose initial HTML renders placeholders hydrated
// by XHR. Requires a browser.
type AJAXDOM struct {
	now func() time.Time
}

// NewAJAXDOM creates the AJAX-DOM strategy.
func NewAJAXDOM() *AJAXDOM {
	return &AJAXDOM{now: time.Now}
}

func (a *AJAXDOM) Name() string       { return PlatformAJAX }
func (a *AJAXDOM) NeedsBrowser() bool { return true }

func (a *AJAXDOM) MatchURL(url string) bool { return ajaxURLRe.MatchString(url) }

func (a *AJAXDOM) MatchHTML(html string) bool {
	return strings.Contains(html, "lb-product-card") || strings.Contains(html, "leafbridge-menu")
}

// Extract navigates, waits a fixed bound for hydration, then evaluates the
// card reader.
func (a *AJAXDOM) Extract(ctx context.Context, sess *browser.Session, target Target) ([]Item, error) {
	page := sess.Primary()

	if err := page.Navigate(ctx, target.URL, 30*time.Second); err != nil {
		return nil, err
	}

	if blocked, err := pageBlocked(ctx, page); err == nil && blocked != nil {
		return nil, blocked
	}

	if err := page.WaitForSelector(ctx, ajaxCardSelector, ajaxHydrateWait, false); err != nil {
		return nil, err
	}

	res, err := page.EvalFunction(ctx, ajaxExtractJS, ajaxCardSelector)
	if err != nil {
		return nil, err
	}

	now := a.now().UnixMilli()
	var items []Item
	for _, card := range res.Arr() {
		name := card.Get("name").Str()
		if name == "" {
			continue
		}
		item := Item{
			RawProductName: name,
			RawBrandName:   card.Get("brand").Str(),
			RawCategory:    card.Get("category").Str(),
			Price:          parsePrice(card.Get("price").Str()),
			InStock:        !card.Get("soldOut").Bool(),
			ImageURL:       card.Get("image").Str(),
			ProductURL:     card.Get("url").Str(),
			SourceURL:      target.URL,
			SourcePlatform: PlatformAJAX,
			ScrapedAt:      now,
		}
		if orig := parsePrice(card.Get("originalPrice").Str()); orig > item.Price && item.Price > 0 {
			item.OriginalPrice = &orig
		}

		switch {
		case !item.InStock:
			zero := 0
			item.Quantity = &zero
			item.QuantitySource = SourceSoldOutClass
		case card.Get("inputMax").Val() != nil:
			max := card.Get("inputMax").Int()
			if max > 0 && max <= 100 {
				item.Quantity = &max
				item.QuantitySource = SourceInputMax
			}
		}

		if warning := card.Get("warning").Str(); warning != "" {
			item.QuantityWarning = warning
			if item.Quantity == nil {
				if est, ok := ParseWarning(warning); ok {
					item.Quantity = &est
					item.QuantitySource = SourceWarningText
				}
			}
		}

		items = append(items, item)
	}
	return items, nil
}

// pageBlocked runs the challenge check against the live page.
func pageBlocked(ctx context.Context, page *browser.Page) (*BlockedError, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	title, err := page.Title(ctx)
	if err != nil {
		title = ""
	}
	return CheckBlocked(html, title), nil
}

var priceRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// parsePrice reads the first decimal number out of a price string
// ("$45.00", "45", "from $12.50").
func parsePrice(s string) float64 {
	m := priceRe.FindStringSubmatch(strings.ReplaceAll(s, ",", ""))
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}
