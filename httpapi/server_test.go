package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/verdantlabs/menuwatch/config"
	"github.com/verdantlabs/menuwatch/dbopen"
	"github.com/verdantlabs/menuwatch/health"
	"github.com/verdantlabs/menuwatch/ingest"
	"github.com/verdantlabs/menuwatch/store"
	_ "modernc.org/sqlite"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Locations = []config.Location{
		{ID: "green-leaf", Name: "Green Leaf", URL: "https://dutchie.com/dispensary/green-leaf", City: "Portland", State: "OR"},
		{ID: "high-tide", Name: "High Tide", URL: "https://dutchie.com/embedded-menu/high-tide",
			Disabled: true, DisabledReason: "bot wall"},
	}
	return cfg
}

func testServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	engine := ingest.New(st)
	monitor := health.New(st)
	return New(cfg, st, engine, nil, monitor), st
}

func seedRetailer(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if err := st.UpsertRetailer(context.Background(), &store.Retailer{
		ID: id, Name: id, Slug: id, IsActive: true,
		MenuSources: []store.MenuSource{{URL: "https://dutchie.com/dispensary/" + id, Platform: "dutchie-ssr"}},
		CreatedAt:   1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertRetailer: %v", err)
	}
}

const sampleBatch = `{
	"batchId": "batch_t1",
	"results": [{
		"retailerId": "green-leaf",
		"status": "ok",
		"sourcePlatform": "dutchie-ssr",
		"sourceUrl": "https://dutchie.com/dispensary/green-leaf",
		"startedAt": 1000,
		"items": [{
			"rawProductName": "Blue Dream 3.5g",
			"rawBrandName": "Cookies",
			"rawCategory": "flower",
			"price": 35,
			"inStock": true,
			"sourceUrl": "https://dutchie.com/dispensary/green-leaf",
			"sourcePlatform": "dutchie-ssr",
			"scrapedAt": 1000
		}]
	}]
}`

func TestIngestEndpoint(t *testing.T) {
	// WHAT: A valid batch is processed through the delta engine and the
	// accounting response carries the new-product event.
	cfg := testConfig()
	cfg.Ingestion.APIKey = "shared-secret"
	srv, st := testServer(t, cfg)
	seedRetailer(t, st, "green-leaf")
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/ingest/scraped-batch", strings.NewReader(sampleBatch))
	req.Header.Set("X-API-Key", "shared-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Success             bool           `json:"success"`
		BatchID             string         `json:"batchId"`
		TotalProcessed      int            `json:"totalProcessed"`
		TotalEventsDetected int            `json:"totalEventsDetected"`
		EventBreakdown      map[string]int `json:"eventBreakdown"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.BatchID != "batch_t1" || resp.TotalProcessed != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.EventBreakdown[store.EventNewProduct] != 1 {
		t.Errorf("breakdown = %v", resp.EventBreakdown)
	}

	events, err := st.ListUnnotifiedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnnotifiedEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != store.EventNewProduct {
		t.Errorf("events = %+v", events)
	}
}

func TestIngestValidation(t *testing.T) {
	// WHAT: Bad key, malformed JSON, and empty payloads are rejected before
	// they reach the engine.
	cfg := testConfig()
	cfg.Ingestion.APIKey = "shared-secret"
	srv, _ := testServer(t, cfg)
	router := srv.Router()

	cases := []struct {
		name string
		key  string
		body string
		want int
	}{
		{"wrong key", "nope", sampleBatch, http.StatusUnauthorized},
		{"bad json", "shared-secret", "{", http.StatusBadRequest},
		{"missing batch id", "shared-secret", `{"results":[{"retailerId":"x","status":"ok"}]}`, http.StatusBadRequest},
		{"empty results", "shared-secret", `{"batchId":"b","results":[]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/ingest/scraped-batch", strings.NewReader(tc.body))
		req.Header.Set("X-API-Key", tc.key)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestIngestKeyOptional(t *testing.T) {
	// WHAT: With no configured key, the endpoint is open.
	srv, st := testServer(t, testConfig())
	seedRetailer(t, st, "green-leaf")

	req := httptest.NewRequest(http.MethodPost, "/ingest/scraped-batch", strings.NewReader(sampleBatch))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	// WHAT: Health reports location counts, the schedule, and store stats.
	srv, st := testServer(t, testConfig())
	seedRetailer(t, st, "green-leaf")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status    string            `json:"status"`
		Locations map[string]int    `json:"locations"`
		Schedule  map[string]string `json:"schedule"`
		Stats     store.Stats       `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Locations["total"] != 2 || resp.Locations["active"] != 1 || resp.Locations["disabled"] != 1 {
		t.Errorf("locations = %v", resp.Locations)
	}
	if resp.Schedule["scrapeInterval"] != "15m0s" {
		t.Errorf("schedule = %v", resp.Schedule)
	}
	if resp.Stats.Retailers != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestLocationsEndpoint(t *testing.T) {
	// WHAT: Disabled locations appear with their reasons.
	srv, _ := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/locations", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp struct {
		Count     int `json:"count"`
		Locations []struct {
			ID             string `json:"id"`
			Disabled       bool   `json:"disabled"`
			DisabledReason string `json:"disabledReason"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d", resp.Count)
	}
	if !resp.Locations[1].Disabled || resp.Locations[1].DisabledReason != "bot wall" {
		t.Errorf("locations = %+v", resp.Locations)
	}
}

func TestTriggerWithoutOrchestrator(t *testing.T) {
	// WHAT: No orchestrator wired means 503, not a panic.
	srv, _ := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAlertsCheckHonorsForceParam(t *testing.T) {
	// WHAT: A plain check alerts once and then stays inside the cooldown;
	// only ?forceAlert=true bypasses it.
	srv, st := testServer(t, testConfig())
	ctx := context.Background()
	now := time.Now().UnixMilli()
	for _, r := range []string{"a", "b", "c", "d", "e"} {
		if _, err := st.RecordDeadLetter(ctx, r, "timeout", "boom", now); err != nil {
			t.Fatalf("RecordDeadLetter: %v", err)
		}
	}
	router := srv.Router()

	check := func(target string) health.Report {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		var report health.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return report
	}

	report := check("/alerts/check")
	if len(report.Alerted) != 1 || report.Alerted[0] != health.CondNewFailures {
		t.Errorf("first check = %+v", report)
	}

	// Second plain check is inside the 15-minute cooldown.
	report = check("/alerts/check")
	if len(report.Alerted) != 0 || len(report.Suppressed) != 1 {
		t.Errorf("cooldown ignored: %+v", report)
	}

	report = check("/alerts/check?forceAlert=true")
	if len(report.Alerted) != 1 {
		t.Errorf("force did not alert: %+v", report)
	}
}

func TestCORSPreflight(t *testing.T) {
	// WHAT: Browser preflights get the allowed methods back.
	srv, _ := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/ingest/scraped-batch", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code >= 300 {
		t.Fatalf("status = %d", rec.Code)
	}
	allow := rec.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, http.MethodPost) {
		t.Errorf("allow-methods = %q", allow)
	}
}
