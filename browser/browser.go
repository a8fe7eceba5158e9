// Package browser provides remote browser session acquisition and a
// bounded page pool for concurrent detail-page visits within one location.
//
// Sessions are created against a remote browser vendor (websocket control
// URL built from an API key and project id, with optional residential proxy
// and geolocation) and driven through Rod. Acquisition is wrapped in a
// process-wide circuit breaker keyed by vendor.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/verdantlabs/menuwatch/connectivity"
)

// Error kinds surfaced on the wire and in logs.
const (
	KindUnavailable      = "browser_unavailable"
	KindNavigationFailed = "navigation_failed"
	KindEvaluationFailed = "evaluation_failed"
	KindTimeout          = "timeout"
)

// OpError is a browser operation failure carrying its taxonomy kind.
type OpError struct {
	Kind string
	URL  string
	Err  error
}

func (e *OpError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("browser: %s: %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("browser: %s: %v", e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or "" when err carries none.
func KindOf(err error) string {
	var oe *OpError
	if ok := asOpError(err, &oe); ok {
		return oe.Kind
	}
	return ""
}

func asOpError(err error, target **OpError) bool {
	for err != nil {
		if oe, ok := err.(*OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	acquireTimeout        = 30 * time.Second
	selectorPollInterval  = 100 * time.Millisecond
)

// Config configures session acquisition.
type Config struct {
	// APIKey and ProjectID authenticate against the remote browser vendor.
	APIKey    string
	ProjectID string

	// Proxy enables the vendor's residential proxy; ProxyGeo pins its
	// geolocation (e.g. "us-ny").
	Proxy    bool
	ProxyGeo string

	// ControlURL overrides the websocket URL entirely (local Chrome,
	// tests). When set, APIKey/ProjectID are ignored.
	ControlURL string

	// BlockResources lists resource types to abort (images, fonts, media)
	// to cut proxy bandwidth.
	BlockResources []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// controlURL builds the vendor websocket URL.
func (c *Config) controlURL() string {
	if c.ControlURL != "" {
		return c.ControlURL
	}
	q := url.Values{}
	q.Set("apiKey", c.APIKey)
	q.Set("projectId", c.ProjectID)
	if c.Proxy {
		q.Set("proxy", "true")
		if c.ProxyGeo != "" {
			q.Set("proxyGeo", c.ProxyGeo)
		}
	}
	return "wss://connect.browserbase.com?" + q.Encode()
}

// BreakerKey is the circuit-breaker key for session acquisition.
const BreakerKey = "browserbase"

// Pool acquires sessions under the shared breaker registry.
type Pool struct {
	breakers *connectivity.Breakers
	breaker  connectivity.BreakerConfig
	logger   *slog.Logger
}

// NewPool creates a Pool. cfg tunes the acquisition breaker.
func NewPool(breakers *connectivity.Breakers, breaker connectivity.BreakerConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{breakers: breakers, breaker: breaker, logger: logger}
}

// Acquire creates a remote session, connects the control channel, and opens
// a primary page at the default viewport. It must complete within 30s or
// fail browser_unavailable. Open breaker → immediate *ErrCircuitOpen.
func (p *Pool) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()

	var sess *Session
	err := p.breakers.Do(ctx, BreakerKey, p.breaker, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, acquireTimeout)
		defer cancel()

		b := rod.New().ControlURL(cfg.controlURL()).Context(ctx)
		if err := b.Connect(); err != nil {
			return &OpError{Kind: KindUnavailable, Err: err}
		}

		s := &Session{browser: b, cfg: cfg, logger: cfg.Logger}
		primary, err := s.CreatePage()
		if err != nil {
			b.Close()
			return &OpError{Kind: KindUnavailable, Err: err}
		}
		s.primary = primary
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("browser: session acquired", "proxy", cfg.Proxy, "geo", cfg.ProxyGeo)
	return sess, nil
}

// Session is one remote browser session. Pages created from it share
// cookies and the proxy identity.
type Session struct {
	browser *rod.Browser
	cfg     Config
	logger  *slog.Logger
	primary *Page

	closeOnce sync.Once
}

// Primary returns the page opened at acquisition time.
func (s *Session) Primary() *Page { return s.primary }

// CreatePage opens an additional stealth page at the default viewport.
func (s *Session) CreatePage() (*Page, error) {
	rp, err := stealth.Page(s.browser)
	if err != nil {
		return nil, &OpError{Kind: KindUnavailable, Err: fmt.Errorf("create page: %w", err)}
	}
	if err := rp.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             defaultViewportWidth,
		Height:            defaultViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		s.logger.Warn("browser: set viewport failed", "error", err)
	}
	if len(s.cfg.BlockResources) > 0 {
		if err := applyResourceBlocking(rp, s.cfg.BlockResources); err != nil {
			s.logger.Warn("browser: resource blocking failed", "error", err)
		}
	}
	return &Page{p: rp, logger: s.logger}, nil
}

// Close shuts the session down. Idempotent; never returns an error to
// callers in defer position.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				s.logger.Debug("browser: session close", "error", err)
			}
		}
	})
}

// Page wraps one Rod page with timeout-bounded, error-kinded operations.
type Page struct {
	p      *rod.Page
	logger *slog.Logger

	closeOnce sync.Once
}

// Navigate loads url and waits for the load event, bounded by timeout.
func (pg *Page) Navigate(ctx context.Context, pageURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pg.p.Context(navCtx).Navigate(pageURL); err != nil {
		return &OpError{Kind: KindNavigationFailed, URL: pageURL, Err: err}
	}
	if err := pg.p.Context(navCtx).WaitLoad(); err != nil {
		// Slow subresources are tolerated; the DOM is usually usable.
		pg.logger.Debug("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return nil
}

// WaitForSelector polls every 100ms until sel exists (and, if visible is
// set, is visible) or the timeout elapses.
func (pg *Page) WaitForSelector(ctx context.Context, sel string, timeout time.Duration, visible bool) error {
	deadline := time.Now().Add(timeout)
	for {
		has, el, err := pg.p.Context(ctx).Has(sel)
		if err == nil && has {
			if !visible {
				return nil
			}
			if vis, verr := el.Visible(); verr == nil && vis {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return &OpError{Kind: KindTimeout, Err: fmt.Errorf("selector %q not found within %s", sel, timeout)}
		}
		select {
		case <-ctx.Done():
			return &OpError{Kind: KindTimeout, Err: ctx.Err()}
		case <-time.After(selectorPollInterval):
		}
	}
}

// Eval runs a JavaScript expression in the page context, awaiting any
// promise and returning the JSON-serializable value.
func (pg *Page) Eval(ctx context.Context, js string) (gson.JSON, error) {
	res, err := pg.p.Context(ctx).Eval(js)
	if err != nil {
		return gson.New(nil), &OpError{Kind: KindEvaluationFailed, Err: err}
	}
	return res.Value, nil
}

// EvalFunction runs a JavaScript function source with JSON-encoded args.
func (pg *Page) EvalFunction(ctx context.Context, fnSrc string, args ...any) (gson.JSON, error) {
	res, err := pg.p.Context(ctx).Eval(fnSrc, args...)
	if err != nil {
		return gson.New(nil), &OpError{Kind: KindEvaluationFailed, Err: err}
	}
	return res.Value, nil
}

// HTML returns the full serialized DOM.
func (pg *Page) HTML(ctx context.Context) (string, error) {
	v, err := pg.Eval(ctx, `() => document.documentElement.outerHTML`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// Title returns document.title.
func (pg *Page) Title(ctx context.Context) (string, error) {
	v, err := pg.Eval(ctx, `() => document.title`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// Close closes the page. Idempotent; must not throw.
func (pg *Page) Close() {
	pg.closeOnce.Do(func() {
		if pg.p != nil {
			if err := pg.p.Close(); err != nil {
				pg.logger.Debug("browser: page close", "error", err)
			}
		}
	})
}
