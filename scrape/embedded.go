package scrape

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ysmood/gson"

	"github.com/verdantlabs/menuwatch/browser"
)

// PlatformEmbedded is the platform tag for stores embedded behind an age
// gate and/or bot protection.
const PlatformEmbedded = "dutchie-embedded"

var embeddedURLRe = regexp.MustCompile(`(?i)dutchie\.com/embedded-menu/`)

// cardSelectors is the prioritized list of product-card selectors; the
// first one that appears wins.
var cardSelectors = []string{
	"[data-testid='product-card']",
	".product-card",
	".product-list-item",
	"[class*='ProductCard']",
}

const (
	embeddedCardWait   = 15 * time.Second
	detailRenderWait   = 1500 * time.Millisecond
	detailBatchSleep   = 500 * time.Millisecond
	defaultDetailLimit = 40
	defaultPagePool    = 4
	defaultCartBudget  = 3
)

// ageGateJS clicks the first button whose text reads like an
// age-confirmation and reports whether anything was clicked. If nothing
// matches we proceed and rely on the blocked-detection path.
const ageGateJS = `() => {
	const re = /^(yes|i am 21|21\+|enter|i agree)/i;
	const buttons = Array.from(document.querySelectorAll('button, [role=button]'));
	for (const b of buttons) {
		if (re.test((b.textContent || '').trim())) { b.click(); return true; }
	}
	return false;
}`

// scrollJS scrolls n viewport heights to trigger lazy loading, then back
// to the top.
const scrollJS = `async (n) => {
	for (let i = 1; i <= n; i++) {
		window.scrollTo(0, window.innerHeight * i);
		await new Promise(r => setTimeout(r, 400));
	}
	window.scrollTo(0, 0);
}`

// cardExtractJS reads card-level fields from the listing.
const cardExtractJS = `(sel) => {
	const cards = Array.from(document.querySelectorAll(sel));
	return cards.map(card => {
		const pick = (sels) => {
			for (const s of sels) {
				const el = card.querySelector(s);
				if (el && el.textContent.trim()) return el.textContent.trim();
			}
			return '';
		};
		const link = card.querySelector('a[href]');
		return {
			name: pick(["[data-testid='product-name']", '.product-name', 'h3', 'h4']),
			brand: pick(["[data-testid='product-brand']", '.product-brand', '.brand']),
			price: pick(["[data-testid='product-price']", '.product-price', '.price']),
			originalPrice: pick(['.price--original', 's', 'del']),
			category: card.dataset.category || '',
			soldOut: /sold\s*out/i.test(card.textContent) || card.className.includes('sold-out'),
			warning: pick(['.stock-warning', '.low-stock', "[class*='LowStock']"]),
			image: (card.querySelector('img') || {}).src || '',
			url: link ? link.href : '',
		};
	});
}`

// pageTextJS returns visible page text, capped; quantity and
// out-of-stock patterns are matched on the Go side.
const pageTextJS = `() => (document.body ? document.body.innerText : '').slice(0, 20000)`

// selectMaxJS reads the numeric maximum of a quantity <select>.
const selectMaxJS = `() => {
	const sel = document.querySelector('select[name*=quantity i], select[class*=quantity i], select[data-testid*=quantity i]');
	if (!sel) return null;
	let max = null;
	for (const opt of sel.options) {
		const n = parseInt(opt.value || opt.textContent, 10);
		if (!isNaN(n) && (max === null || n > max)) max = n;
	}
	return max;
}`

// cartOverflowJS writes an absurd quantity into the numeric input,
// dispatches input/change events so the SPA reacts, and reports the
// page text plus the input's corrected value. The original value is
// restored afterwards.
const cartOverflowJS = `() => {
	const input = document.querySelector('input[type=number]');
	if (!input) return null;
	const original = input.value;
	const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
	setter.call(input, '999');
	input.dispatchEvent(new Event('input', {bubbles: true}));
	input.dispatchEvent(new Event('change', {bubbles: true}));
	const corrected = parseInt(input.value, 10);
	const text = (document.body ? document.body.innerText : '').slice(0, 20000);
	setter.call(input, original);
	input.dispatchEvent(new Event('input', {bubbles: true}));
	input.dispatchEvent(new Event('change', {bubbles: true}));
	return {corrected: isNaN(corrected) ? null : corrected, text: text};
}`

// EmbeddedOptions tunes the embedded-SPA strategy.
type EmbeddedOptions struct {
	// DetailLimit caps how many products get a detail-page visit. Default: 40.
	DetailLimit int
	// PagePool is the number of concurrent detail pages. Default: 4.
	PagePool int
	// CartBudget caps cart-overflow attempts per location. Default: 3.
	CartBudget int
	Logger     *slog.Logger
}

func (o *EmbeddedOptions) defaults() {
	if o.DetailLimit <= 0 {
		o.DetailLimit = defaultDetailLimit
	}
	if o.PagePool <= 0 {
		o.PagePool = defaultPagePool
	}
	if o.CartBudget <= 0 {
		o.CartBudget = defaultCartBudget
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Embedded extracts stores embedded behind an age gate, with optional
// product-detail drilldown and a cart-overflow inventory probe.
type Embedded struct {
	opts EmbeddedOptions
	now  func() time.Time
}

// NewEmbedded creates the embedded-SPA strategy.
func NewEmbedded(opts EmbeddedOptions) *Embedded {
	opts.defaults()
	return &Embedded{opts: opts, now: time.Now}
}

func (e *Embedded) Name() string       { return PlatformEmbedded }
func (e *Embedded) NeedsBrowser() bool { return true }

func (e *Embedded) MatchURL(url string) bool { return embeddedURLRe.MatchString(url) }

func (e *Embedded) MatchHTML(html string) bool {
	return strings.Contains(html, "dutchie-embed") || strings.Contains(html, "embedded-menu")
}

// Extract runs the full embedded flow: navigate with retries, dismiss the
// age gate, wait for cards, lazy-load scroll, card extraction, then
// detail-page drilldown for products whose inventory is not visible.
func (e *Embedded) Extract(ctx context.Context, sess *browser.Session, target Target) ([]Item, error) {
	log := e.opts.Logger
	page := sess.Primary()

	if err := e.navigateWithRetries(ctx, page, target.URL); err != nil {
		return nil, err
	}

	if clicked, err := page.Eval(ctx, ageGateJS); err == nil && clicked.Bool() {
		log.Debug("scrape: age gate dismissed", "url", target.URL)
	}

	if blocked, err := pageBlocked(ctx, page); err == nil && blocked != nil {
		return nil, blocked
	}

	if err := e.waitForCards(ctx, page); err != nil {
		return nil, err
	}

	if _, err := page.EvalFunction(ctx, scrollJS, 3); err != nil {
		log.Debug("scrape: lazy-load scroll failed", "error", err)
	}

	items, err := e.extractCards(ctx, page, target)
	if err != nil {
		return nil, err
	}

	e.drilldown(ctx, sess, items)
	return items, nil
}

// navigateWithRetries attempts navigation up to 3 times with 2s and 4s
// backoff on navigation errors.
func (e *Embedded) navigateWithRetries(ctx context.Context, page *browser.Page, url string) error {
	backoffs := []time.Duration{2 * time.Second, 4 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoffs[attempt-1]):
			}
		}
		if err := page.Navigate(ctx, url, 30*time.Second); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// waitForCards polls the prioritized selector list until one matches.
func (e *Embedded) waitForCards(ctx context.Context, page *browser.Page) error {
	deadline := time.Now().Add(embeddedCardWait)
	for {
		for _, sel := range cardSelectors {
			if err := page.WaitForSelector(ctx, sel, 100*time.Millisecond, false); err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			// Surface the timeout through the first-choice selector.
			return page.WaitForSelector(ctx, cardSelectors[0], time.Millisecond, false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *Embedded) extractCards(ctx context.Context, page *browser.Page, target Target) ([]Item, error) {
	var cards []gson.JSON
	for _, s := range cardSelectors {
		v, err := page.EvalFunction(ctx, cardExtractJS, s)
		if err != nil {
			return nil, err
		}
		if arr := v.Arr(); len(arr) > 0 {
			cards = arr
			break
		}
	}

	now := e.now().UnixMilli()
	var items []Item
	for _, card := range cards {
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
			SourcePlatform: PlatformEmbedded,
			ScrapedAt:      now,
		}
		if orig := parsePrice(card.Get("originalPrice").Str()); orig > item.Price && item.Price > 0 {
			item.OriginalPrice = &orig
		}

		if !item.InStock {
			zero := 0
			item.Quantity = &zero
			item.QuantitySource = SourceSoldOutClass
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

// drilldown visits product-detail pages for items whose inventory is not
// visible on the card, using a bounded page pool. Detail pages are
// processed in batches of pool size with a pause between batches; a page
// never holds more than one navigation in flight.
func (e *Embedded) drilldown(ctx context.Context, sess *browser.Session, items []Item) {
	log := e.opts.Logger

	var pending []*Item
	for i := range items {
		if items[i].Quantity == nil && items[i].InStock && items[i].ProductURL != "" {
			pending = append(pending, &items[i])
			if len(pending) >= e.opts.DetailLimit {
				break
			}
		}
	}
	if len(pending) == 0 {
		return
	}

	poolSize := e.opts.PagePool
	if poolSize > len(pending) {
		poolSize = len(pending)
	}
	pages := make([]*browser.Page, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		pg, err := sess.CreatePage()
		if err != nil {
			log.Warn("scrape: detail page create failed", "error", err)
			break
		}
		pages = append(pages, pg)
	}
	if len(pages) == 0 {
		return
	}
	defer func() {
		for _, pg := range pages {
			pg.Close()
		}
	}()

	// Shared cart-overflow budget across the whole location.
	budget := &cartBudget{remaining: e.opts.CartBudget}

	for start := 0; start < len(pending); start += len(pages) {
		end := start + len(pages)
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func(pg *browser.Page, item *Item) {
				defer wg.Done()
				e.visitDetail(ctx, pg, item, budget)
			}(pages[i], item)
		}
		wg.Wait()

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(detailBatchSleep):
			}
		}
	}
}

type cartBudget struct {
	mu        sync.Mutex
	remaining int
}

func (b *cartBudget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// visitDetail reads inventory off one product-detail page: text patterns
// first, then the cart-overflow fallback while the location budget lasts.
func (e *Embedded) visitDetail(ctx context.Context, page *browser.Page, item *Item, budget *cartBudget) {
	log := e.opts.Logger

	if err := page.Navigate(ctx, item.ProductURL, 30*time.Second); err != nil {
		log.Debug("scrape: detail navigate failed", "url", item.ProductURL, "error", err)
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(detailRenderWait):
	}

	text, err := page.Eval(ctx, pageTextJS)
	if err != nil {
		log.Debug("scrape: detail text read failed", "url", item.ProductURL, "error", err)
		return
	}
	body := text.Str()

	if n, ok := ParseQuantityText(body); ok {
		item.Quantity = &n
		item.QuantitySource = SourceTextPattern
		return
	}
	if ContainsOutOfStock(body) {
		zero := 0
		item.InStock = false
		item.Quantity = &zero
		item.QuantitySource = SourceTextPattern
		return
	}

	if !budget.take() {
		return
	}
	e.cartOverflow(ctx, page, item)
}

// cartOverflow probes the maximum purchasable quantity: first a quantity
// <select> whose numeric maximum under 50 is the inventory, then the
// overflow write (999) with limit-text scan and corrected-value read.
func (e *Embedded) cartOverflow(ctx context.Context, page *browser.Page, item *Item) {
	log := e.opts.Logger

	if v, err := page.Eval(ctx, selectMaxJS); err == nil && v.Val() != nil {
		if max := v.Int(); max > 0 && max < 50 {
			item.Quantity = &max
			item.QuantitySource = SourceCartHack
			return
		}
	}

	v, err := page.Eval(ctx, cartOverflowJS)
	if err != nil || v.Val() == nil {
		return
	}

	if n, ok := ParseLimitText(v.Get("text").Str()); ok {
		item.Quantity = &n
		item.QuantitySource = SourceCartHack
		return
	}
	if v.Get("corrected").Val() != nil {
		if corrected := v.Get("corrected").Int(); corrected > 0 && corrected < 999 {
			item.Quantity = &corrected
			item.QuantitySource = SourceCartHack
			return
		}
	}
	log.Debug("scrape: cart overflow inconclusive", "url", item.ProductURL)
}
