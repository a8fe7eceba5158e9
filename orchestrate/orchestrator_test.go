package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdantlabs/menuwatch/browser"
	"github.com/verdantlabs/menuwatch/config"
	"github.com/verdantlabs/menuwatch/dbopen"
	"github.com/verdantlabs/menuwatch/ingest"
	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
	_ "modernc.org/sqlite"
)

type fakeStrategy struct {
	name     string
	browser  bool
	items    []scrape.Item
	err      error
	calls    int
	block    chan struct{} // when set, Extract waits until closed
	started  chan struct{} // when set, closed once Extract is entered
	startOne sync.Once
}

func (f *fakeStrategy) Name() string          { return f.name }
func (f *fakeStrategy) NeedsBrowser() bool    { return f.browser }
func (f *fakeStrategy) MatchURL(string) bool  { return true }
func (f *fakeStrategy) MatchHTML(string) bool { return false }

func (f *fakeStrategy) Extract(ctx context.Context, sess *browser.Session, target scrape.Target) ([]scrape.Item, error) {
	f.calls++
	if f.started != nil {
		f.startOne.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	batches []scrape.Batch
	srv     *httptest.Server
	apiKeys []string
}

// newFixture wires an orchestrator against an in-process ingest server that
// records every batch and answers with a canned summary.
func newFixture(t *testing.T, locations []config.Location, strategies ...scrape.Strategy) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	f := &fixture{store: st}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.apiKeys = append(f.apiKeys, r.Header.Get("X-API-Key"))
		var b scrape.Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		f.batches = append(f.batches, b)
		json.NewEncoder(w).Encode(map[string]any{
			"success":             true,
			"batchId":             b.BatchID,
			"totalProcessed":      7,
			"totalFailed":         0,
			"totalEventsDetected": 2,
		})
	}))
	t.Cleanup(f.srv.Close)

	ctx := context.Background()
	for _, loc := range locations {
		if err := st.UpsertRetailer(ctx, &store.Retailer{
			ID: loc.ID, Name: loc.Name, Slug: loc.ID, IsActive: true,
			MenuSources: []store.MenuSource{{URL: loc.URL, Platform: loc.Platform}},
			CreatedAt:   1, UpdatedAt: 1,
		}); err != nil {
			t.Fatalf("UpsertRetailer: %v", err)
		}
	}

	f.orch = New(locations, scrape.NewRegistry(strategies...), nil, browser.Config{},
		st, f.srv.URL, "test-key",
		WithLocationPause(time.Millisecond),
		WithBatchIDGenerator(func() string { return "batch_test" }),
	)
	return f
}

func TestTickScrapesAndSubmitsBatch(t *testing.T) {
	// WHAT: A tick runs every active location, posts one batch with the
	// shared API key, and stamps the retailers that succeeded.
	items := []scrape.Item{{RawProductName: "Blue Dream 3.5g", RawBrandName: "Cookies", Price: 35, InStock: true}}
	strategy := &fakeStrategy{name: "dutchie-ssr", items: items}
	locations := []config.Location{
		{ID: "green-leaf", Name: "Green Leaf", URL: "https://dutchie.com/dispensary/green-leaf", Platform: "dutchie-ssr"},
		{ID: "high-tide", Name: "High Tide", URL: "https://dutchie.com/dispensary/high-tide", Platform: "dutchie-ssr"},
		{ID: "closed", Name: "Closed", URL: "https://x", Platform: "dutchie-ssr", Disabled: true},
	}
	f := newFixture(t, locations, strategy)

	summary, err := f.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if summary.Locations != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Ingest == nil || summary.Ingest.TotalProcessed != 7 {
		t.Errorf("ingest summary = %+v", summary.Ingest)
	}
	if strategy.calls != 2 {
		t.Errorf("extract calls = %d, want 2", strategy.calls)
	}

	if len(f.batches) != 1 {
		t.Fatalf("batches posted = %d", len(f.batches))
	}
	batch := f.batches[0]
	if batch.BatchID != "batch_test" || len(batch.Results) != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	for _, res := range batch.Results {
		if res.Status != "ok" || res.SourcePlatform != "dutchie-ssr" || res.StartedAt == 0 {
			t.Errorf("result = %+v", res)
		}
	}
	if f.apiKeys[0] != "test-key" {
		t.Errorf("api key = %q", f.apiKeys[0])
	}

	r, err := f.store.GetRetailer(context.Background(), "green-leaf")
	if err != nil {
		t.Fatalf("GetRetailer: %v", err)
	}
	if r.LastScrapedAt == nil || *r.LastScrapedAt == 0 {
		t.Error("retailer not stamped after success")
	}
}

func TestTickRecordsFailuresAsDeadLetters(t *testing.T) {
	// WHAT: A failed location produces an error result in the batch and one
	// dead letter; the tick itself still completes and submits.
	strategy := &fakeStrategy{
		name: "dutchie-ssr",
		err:  &scrape.KindError{Kind: scrape.KindParseFailed, Err: errors.New("no embedded state")},
	}
	locations := []config.Location{
		{ID: "green-leaf", Name: "Green Leaf", URL: "https://dutchie.com/dispensary/green-leaf", Platform: "dutchie-ssr"},
	}
	f := newFixture(t, locations, strategy)

	summary, err := f.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if summary.Failed != 1 || summary.Succeeded != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "parse_failed") {
		t.Errorf("errors = %v", summary.Errors)
	}

	res := f.batches[0].Results[0]
	if res.Status != "error" || res.ErrorKind != scrape.KindParseFailed {
		t.Errorf("result = %+v", res)
	}

	dls, err := f.store.ListUnresolvedDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnresolvedDeadLetters: %v", err)
	}
	if len(dls) != 1 || dls[0].RetailerID != "green-leaf" || dls[0].ErrorType != scrape.KindParseFailed {
		t.Errorf("dead letters = %+v", dls)
	}
}

func TestTickBrowserUnavailable(t *testing.T) {
	// WHAT: With no browser pool, browser-bound locations fail with the
	// browser_unavailable kind while fetch-only locations still run.
	embedded := &fakeStrategy{name: "dutchie-embedded", browser: true}
	ssr := &fakeStrategy{name: "dutchie-ssr", items: []scrape.Item{{RawProductName: "x", Price: 1}}}
	locations := []config.Location{
		{ID: "spa-shop", Name: "SPA Shop", URL: "https://dutchie.com/embedded-menu/spa-shop", Platform: "dutchie-embedded"},
		{ID: "green-leaf", Name: "Green Leaf", URL: "https://dutchie.com/dispensary/green-leaf", Platform: "dutchie-ssr"},
	}
	f := newFixture(t, locations, embedded, ssr)

	summary, err := f.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if embedded.calls != 0 {
		t.Errorf("embedded extract ran without a session")
	}
	res := f.batches[0].Results[0]
	if res.ErrorKind != browser.KindUnavailable {
		t.Errorf("kind = %q", res.ErrorKind)
	}
}

func TestTickSingleFlight(t *testing.T) {
	// WHAT: A tick requested while one is in flight returns ErrTickRunning
	// instead of queueing.
	strategy := &fakeStrategy{
		name:    "dutchie-ssr",
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	locations := []config.Location{
		{ID: "green-leaf", Name: "Green Leaf", URL: "https://dutchie.com/dispensary/green-leaf", Platform: "dutchie-ssr"},
	}
	f := newFixture(t, locations, strategy)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.Tick(context.Background())
	}()
	<-strategy.started

	if _, err := f.orch.Tick(context.Background()); !errors.Is(err, ErrTickRunning) {
		t.Errorf("concurrent tick err = %v", err)
	}

	close(strategy.block)
	<-done

	if _, err := f.orch.Tick(context.Background()); err != nil {
		t.Errorf("tick after completion: %v", err)
	}
}

func TestSummaryEmbedColorsAndTruncation(t *testing.T) {
	// WHAT: Full success is green, partial is orange, total failure is red;
	// at most five errors are listed and long descriptions are cut.
	green := buildSummaryEmbed(&TickSummary{Locations: 3, Succeeded: 3,
		Ingest: &ingest.BatchSummary{TotalProcessed: 40, TotalEventsDetected: 3}})
	if green.Color != colorGreen {
		t.Errorf("green color = %#x", green.Color)
	}
	if !strings.Contains(green.Description, "3/3") || !strings.Contains(green.Description, "40 items") {
		t.Errorf("description = %q", green.Description)
	}

	partial := buildSummaryEmbed(&TickSummary{Locations: 3, Succeeded: 2, Failed: 1,
		Errors: []string{"a: boom (timeout)"}})
	if partial.Color != colorOrange {
		t.Errorf("partial color = %#x", partial.Color)
	}

	var errs []string
	for i := 0; i < 8; i++ {
		errs = append(errs, strings.Repeat("x", 200))
	}
	red := buildSummaryEmbed(&TickSummary{Locations: 8, Failed: 8, Errors: errs})
	if red.Color != colorRed {
		t.Errorf("red color = %#x", red.Color)
	}
	if len(red.Description) > summaryDescLimit+2 { // the ellipsis rune is multi-byte
		t.Errorf("description length = %d", len(red.Description))
	}
	if strings.Count(red.Description, "•") > summaryMaxErrors {
		t.Errorf("more than %d errors listed", summaryMaxErrors)
	}
}
