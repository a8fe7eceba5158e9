// Package scrape turns dispensary menu pages into uniform product items.
//
// A Strategy is selected per target by URL pattern, then by HTML content
// signatures. Three concrete strategies exist: server-rendered JSON
// (no browser), AJAX-hydrated DOM, and embedded SPA with detail-page
// drilldown and a cart-overflow inventory probe. Extractors never write to
// the catalog; they only produce Items for the ingestion engine.
package scrape

import "fmt"

// Quantity source tags, recorded on every item that carries a quantity.
const (
	SourceSSR          = "ssr"
	SourceInputMax     = "leafbridge_input_max"
	SourceTextPattern  = "text_pattern"
	SourceSoldOutClass = "sold_out_class"
	SourceCartHack     = "cart_hack"
	SourceWarningText  = "warning_text"
	SourceInferred     = "inferred"
)

// Error kinds surfaced on the wire and in scrape job rows.
const (
	KindBlocked     = "blocked"
	KindRateLimit   = "rate_limit"
	KindParseFailed = "parse_failed"
)

// Item is one scraped product listing, uniform across platforms.
type Item struct {
	RawProductName  string   `json:"rawProductName"`
	RawBrandName    string   `json:"rawBrandName"`
	RawCategory     string   `json:"rawCategory,omitempty"`
	Price           float64  `json:"price"`
	OriginalPrice   *float64 `json:"originalPrice,omitempty"`
	InStock         bool     `json:"inStock"`
	Quantity        *int     `json:"quantity,omitempty"`
	QuantityWarning string   `json:"quantityWarning,omitempty"`
	QuantitySource  string   `json:"quantitySource,omitempty"`
	THCFormatted    string   `json:"thcFormatted,omitempty"`
	CBDFormatted    string   `json:"cbdFormatted,omitempty"`
	ImageURL        string   `json:"imageUrl,omitempty"`
	SourceURL       string   `json:"sourceUrl"`
	SourcePlatform  string   `json:"sourcePlatform"`
	ProductURL      string   `json:"productUrl,omitempty"`
	ScrapedAt       int64    `json:"scrapedAt"`
}

// Result is the outcome for one location.
type Result struct {
	RetailerID     string `json:"retailerId"`
	Status         string `json:"status"` // ok | error
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	SourceURL      string `json:"sourceUrl,omitempty"`
	SourcePlatform string `json:"sourcePlatform,omitempty"`
	StartedAt      int64  `json:"startedAt,omitempty"`
	Retries        int    `json:"retries,omitempty"`
	Items          []Item `json:"items"`
}

// Batch is one atomic delivery of scraped results to ingestion.
type Batch struct {
	BatchID string   `json:"batchId"`
	Results []Result `json:"results"`
}

// Target identifies one menu location to extract.
type Target struct {
	RetailerID string
	URL        string
	Platform   string
}

// BlockedError reports a bot-protection challenge detected before
// extraction. The location is failed with kind "blocked"; no extraction is
// attempted.
type BlockedError struct {
	Signature string
	Reason    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("scrape: blocked: %s (%s)", e.Reason, e.Signature)
}
