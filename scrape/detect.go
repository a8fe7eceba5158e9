package scrape

import (
	"context"
	"errors"

	"github.com/verdantlabs/menuwatch/browser"
)

// ErrNoStrategy is returned when neither URL patterns nor HTML signatures
// match any registered strategy.
var ErrNoStrategy = errors.New("scrape: no strategy matches target")

// Strategy is a per-platform extraction implementation.
type Strategy interface {
	// Name is the platform tag recorded on items and scrape jobs.
	Name() string
	// NeedsBrowser reports whether Extract requires a live session.
	NeedsBrowser() bool
	// MatchURL is the cheap first-pass check on the target URL.
	MatchURL(url string) bool
	// MatchHTML checks content signatures in already-fetched HTML.
	MatchHTML(html string) bool
	// Extract produces the uniform item sequence for one location.
	// sess is nil for strategies that do not need a browser.
	Extract(ctx context.Context, sess *browser.Session, target Target) ([]Item, error)
}

// Registry holds strategies in priority order; the first match wins.
type Registry struct {
	strategies []Strategy
}

// NewRegistry creates an ordered strategy registry.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// Detect selects a strategy for a target: URL regexes first (cheap), then
// HTML signature substrings. Every strategy is selectable from at least one
// of the two.
func (r *Registry) Detect(url, html string) (Strategy, error) {
	for _, s := range r.strategies {
		if s.MatchURL(url) {
			return s, nil
		}
	}
	if html != "" {
		for _, s := range r.strategies {
			if s.MatchHTML(html) {
				return s, nil
			}
		}
	}
	return nil, ErrNoStrategy
}

// ByName returns the strategy with the given platform name, or nil.
// Used when a location's platform is pinned in configuration.
func (r *Registry) ByName(name string) Strategy {
	for _, s := range r.strategies {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
