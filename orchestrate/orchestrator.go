// Package orchestrate drives the scrape cadence: it walks the configured
// locations, runs the matching extraction strategy for each, posts the
// aggregated batch to ingestion, and reports an operator summary.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/verdantlabs/menuwatch/browser"
	"github.com/verdantlabs/menuwatch/config"
	"github.com/verdantlabs/menuwatch/connectivity"
	"github.com/verdantlabs/menuwatch/idgen"
	"github.com/verdantlabs/menuwatch/ingest"
	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
)

const (
	// Per-location extraction attempts for browser strategies.
	locationAttempts = 3
	// Pause between locations, for per-vendor pacing.
	locationPause = 2 * time.Second

	ingestTimeout = 60 * time.Second
)

// ErrTickRunning is returned when a tick is requested while one is active.
// Missed ticks are skipped, never queued.
var ErrTickRunning = errors.New("orchestrate: tick already running")

// TickSummary is the outcome of one orchestrator pass.
type TickSummary struct {
	BatchID   string               `json:"batchId"`
	Locations int                  `json:"locations"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Errors    []string             `json:"errors,omitempty"`
	Ingest    *ingest.BatchSummary `json:"ingest,omitempty"`
}

// Orchestrator owns the scrape tick.
type Orchestrator struct {
	locations  []config.Location
	registry   *scrape.Registry
	pool       *browser.Pool
	browserCfg browser.Config
	store      *store.Store

	ingestURL string
	ingestKey string

	// dispatch triggers one notification pass after ingestion, best-effort.
	dispatch func(ctx context.Context) error

	summaryURL string
	client     *http.Client

	log        *slog.Logger
	now        func() time.Time
	newBatchID idgen.Generator
	pause      time.Duration

	running atomic.Bool
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithDispatch wires the post-ingest notification trigger.
func WithDispatch(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.dispatch = fn }
}

// WithSummaryWebhook sets the operator summary destination.
func WithSummaryWebhook(url string) Option {
	return func(o *Orchestrator) { o.summaryURL = url }
}

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBatchIDGenerator replaces the batch id source, for tests.
func WithBatchIDGenerator(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newBatchID = gen }
}

// WithLocationPause overrides the between-location sleep, for tests.
func WithLocationPause(d time.Duration) Option {
	return func(o *Orchestrator) { o.pause = d }
}

// New assembles an Orchestrator. pool may be nil when every configured
// location uses a fetch-only platform.
func New(locations []config.Location, registry *scrape.Registry, pool *browser.Pool, browserCfg browser.Config, st *store.Store, ingestURL, ingestKey string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locations:  locations,
		registry:   registry,
		pool:       pool,
		browserCfg: browserCfg,
		store:      st,
		ingestURL:  ingestURL,
		ingestKey:  ingestKey,
		client:     &http.Client{},
		log:        slog.Default(),
		now:        time.Now,
		newBatchID: idgen.Prefixed("batch_", idgen.Timestamped(idgen.Default)),
		pause:      locationPause,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run ticks on the given cadence until the context ends. A tick that is
// still running when the next fires causes the new one to be skipped.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil && !errors.Is(err, ErrTickRunning) {
				o.log.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick runs one full scrape pass. Single-flight: a concurrent call returns
// ErrTickRunning immediately.
func (o *Orchestrator) Tick(ctx context.Context) (*TickSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrTickRunning
	}
	defer o.running.Store(false)

	started := o.now()
	batch := scrape.Batch{BatchID: o.newBatchID()}
	summary := &TickSummary{BatchID: batch.BatchID}

	active := activeLocations(o.locations)
	summary.Locations = len(active)
	if len(active) == 0 {
		o.log.Info("tick skipped, no active locations")
		return summary, nil
	}

	sess := o.acquireIfNeeded(ctx, active)
	if sess != nil {
		defer sess.Close()
	}

	for i, loc := range active {
		res := o.scrapeLocation(ctx, sess, loc)
		batch.Results = append(batch.Results, res)
		if res.Status == "ok" {
			summary.Succeeded++
			if err := o.store.TouchRetailerScraped(ctx, loc.ID, loc.URL, o.now().UnixMilli()); err != nil &&
				!errors.Is(err, store.ErrNotFound) {
				o.log.Warn("retailer stamp failed", "location", loc.ID, "error", err)
			}
		} else {
			summary.Failed++
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s: %s (%s)", loc.Name, res.Error, res.ErrorKind))
			if _, err := o.store.RecordDeadLetter(ctx, loc.ID, res.ErrorKind, res.Error, o.now().UnixMilli()); err != nil {
				o.log.Warn("dead letter record failed", "location", loc.ID, "error", err)
			}
		}
		if i < len(active)-1 {
			if err := sleepCtx(ctx, o.pause); err != nil {
				return summary, err
			}
		}
	}

	ingestSummary, err := o.postBatch(ctx, batch)
	if err != nil {
		o.log.Error("batch ingestion failed", "batch", batch.BatchID, "error", err)
		summary.Errors = append(summary.Errors, "ingestion: "+err.Error())
	} else {
		summary.Ingest = ingestSummary
	}

	if o.dispatch != nil {
		if err := o.dispatch(ctx); err != nil {
			o.log.Warn("notification dispatch failed", "error", err)
		}
	}

	o.postSummary(ctx, summary)
	o.log.Info("tick complete", "batch", batch.BatchID,
		"locations", summary.Locations, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "elapsed", o.now().Sub(started).String())
	return summary, nil
}

func activeLocations(locations []config.Location) []config.Location {
	out := make([]config.Location, 0, len(locations))
	for _, loc := range locations {
		if loc.Disabled {
			continue
		}
		out = append(out, loc)
	}
	return out
}

// acquireIfNeeded opens one browser session for the tick when any active
// location requires it. Acquisition failure is not fatal: fetch-only
// locations still run, browser locations fail with browser_unavailable.
func (o *Orchestrator) acquireIfNeeded(ctx context.Context, active []config.Location) *browser.Session {
	needed := false
	for _, loc := range active {
		s := o.strategyFor(loc)
		if s != nil && s.NeedsBrowser() {
			needed = true
			break
		}
	}
	if !needed || o.pool == nil {
		return nil
	}

	sess, err := connectivity.WithRetry(ctx, connectivity.RetryOptions{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Multiplier: 2,
		Logger:     o.log,
	}, func(ctx context.Context) (*browser.Session, error) {
		return o.pool.Acquire(ctx, o.browserCfg)
	})
	if err != nil {
		o.log.Error("browser session unavailable", "error", err)
		return nil
	}
	return sess
}

func (o *Orchestrator) strategyFor(loc config.Location) scrape.Strategy {
	if loc.Platform != "" {
		return o.registry.ByName(loc.Platform)
	}
	s, err := o.registry.Detect(loc.URL, "")
	if err != nil {
		return nil
	}
	return s
}

// scrapeLocation runs one location's extraction, with retries for browser
// strategies. Fetch-only strategies carry their own HTTP retry loop.
func (o *Orchestrator) scrapeLocation(ctx context.Context, sess *browser.Session, loc config.Location) scrape.Result {
	res := scrape.Result{
		RetailerID: loc.ID,
		SourceURL:  loc.URL,
		StartedAt:  o.now().UnixMilli(),
	}

	strategy := o.strategyFor(loc)
	if strategy == nil {
		res.Status = "error"
		res.Error = fmt.Sprintf("no extraction strategy for %s", loc.URL)
		res.ErrorKind = scrape.KindParseFailed
		return res
	}
	res.SourcePlatform = strategy.Name()

	target := scrape.Target{RetailerID: loc.ID, URL: loc.URL, Platform: loc.Platform}

	if strategy.NeedsBrowser() && sess == nil {
		res.Status = "error"
		res.Error = "browser session unavailable"
		res.ErrorKind = browser.KindUnavailable
		return res
	}

	attempts := 1
	if strategy.NeedsBrowser() {
		attempts = locationAttempts
	}

	var items []scrape.Item
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		items, err = strategy.Extract(ctx, sess, target)
		if err == nil {
			res.Retries = attempt - 1
			break
		}
		// A bot wall will not clear on an immediate retry.
		if scrape.ErrKind(err) == scrape.KindBlocked {
			break
		}
		if attempt < attempts {
			o.log.Warn("extraction attempt failed",
				"location", loc.ID, "attempt", attempt, "error", err)
			if serr := sleepCtx(ctx, time.Duration(attempt)*locationPause); serr != nil {
				err = serr
				break
			}
		}
	}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		if res.ErrorKind = scrape.ErrKind(err); res.ErrorKind == "" {
			res.ErrorKind = "unknown"
		}
		return res
	}

	res.Status = "ok"
	res.Items = items
	return res
}

// postBatch submits the tick's results to the ingestion endpoint and decodes
// the accounting response.
func (o *Orchestrator) postBatch(ctx context.Context, batch scrape.Batch) (*ingest.BatchSummary, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	header := http.Header{"Content-Type": {"application/json"}}
	if o.ingestKey != "" {
		header.Set("X-API-Key", o.ingestKey)
	}

	resp, err := connectivity.FetchWithRetry(ctx, http.MethodPost, o.ingestURL, body, header, connectivity.FetchOptions{
		Timeout: ingestTimeout,
		Client:  o.client,
		Retry: connectivity.RetryOptions{
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
			Multiplier: 2,
			Logger:     o.log,
		},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("ingest status %d: %s", resp.StatusCode, raw)
	}

	var decoded struct {
		ingest.BatchSummary
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode ingest response: %w", err)
	}
	return &decoded.BatchSummary, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
