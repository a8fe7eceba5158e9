// Package httpapi exposes the pipeline over HTTP: batch ingestion, health,
// configured locations, and manual triggers for the scrape tick and health
// check.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/verdantlabs/menuwatch/config"
	"github.com/verdantlabs/menuwatch/health"
	"github.com/verdantlabs/menuwatch/ingest"
	"github.com/verdantlabs/menuwatch/orchestrate"
	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
)

// Server holds the handler dependencies.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	engine  *ingest.Engine
	orch    *orchestrate.Orchestrator
	monitor *health.Monitor
	log     *slog.Logger
	now     func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New assembles the API server. orch and monitor may be nil; their trigger
// endpoints then answer 503.
func New(cfg *config.Config, st *store.Store, engine *ingest.Engine, orch *orchestrate.Orchestrator, monitor *health.Monitor, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		orch:    orch,
		monitor: monitor,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// maxBodyBytes caps ingest payloads. A full menu batch for a large fleet
// stays well under this.
const maxBodyBytes = 10 << 20

// Router builds the chi mux with CORS and recovery middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(maxBody(maxBodyBytes))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/locations", s.handleLocations)
	r.Post("/ingest/scraped-batch", s.handleIngest)
	r.Post("/trigger", s.handleTrigger)
	r.Post("/alerts/check", s.handleAlertsCheck)
	return r
}

// handleIngest accepts one scraped batch and runs it through the delta
// engine. The API key is enforced only when one is configured.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if key := s.cfg.Ingestion.APIKey; key != "" {
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
	}

	var batch scrape.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	if batch.BatchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batchId is required"})
		return
	}
	if len(batch.Results) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "results must not be empty"})
		return
	}

	summary, err := s.engine.ProcessBatch(r.Context(), batch)
	if err != nil {
		s.log.Error("batch processing failed", "batch", batch.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "batch processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*ingest.BatchSummary
	}{true, summary})
}

// handleHealth reports liveness plus a database snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	stats, err := s.store.GatherStats(r.Context(), now.Add(-24*time.Hour).UnixMilli())
	if err != nil {
		s.log.Error("stats gathering failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}

	total := len(s.cfg.Locations)
	active := len(s.cfg.Active())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   now.UnixMilli(),
		"locations": map[string]int{
			"total":    total,
			"active":   active,
			"disabled": total - active,
		},
		"schedule": map[string]string{
			"scrapeInterval":   s.cfg.Schedule.ScrapeInterval.Std().String(),
			"dispatchInterval": s.cfg.Schedule.DispatchInterval.Std().String(),
			"retryInterval":    s.cfg.Schedule.RetryInterval.Std().String(),
			"healthInterval":   s.cfg.Schedule.HealthInterval.Std().String(),
		},
		"features": []string{"delta-detection", "notifications", "retry-queue", "health-alerts"},
		"stats":    stats,
	})
}

// handleLocations lists the configured set, including disabled entries with
// their reasons.
func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	type location struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		URL            string `json:"url"`
		Platform       string `json:"platform,omitempty"`
		City           string `json:"city,omitempty"`
		State          string `json:"state,omitempty"`
		Region         string `json:"region,omitempty"`
		Disabled       bool   `json:"disabled"`
		DisabledReason string `json:"disabledReason,omitempty"`
	}
	out := make([]location, 0, len(s.cfg.Locations))
	for _, loc := range s.cfg.Locations {
		out = append(out, location{
			ID: loc.ID, Name: loc.Name, URL: loc.URL, Platform: loc.Platform,
			City: loc.City, State: loc.State, Region: loc.Region,
			Disabled: loc.Disabled, DisabledReason: loc.DisabledReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": out, "count": len(out)})
}

// handleTrigger runs one scrape tick inline. A tick already in flight
// answers 409 rather than queueing a second.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not running"})
		return
	}
	summary, err := s.orch.Tick(r.Context())
	if err != nil {
		if errors.Is(err, orchestrate.ErrTickRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "scrape already in progress"})
			return
		}
		s.log.Error("manual tick failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scrape failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAlertsCheck runs the health monitor once. ?forceAlert=true bypasses
// the per-type cooldowns; a plain call still honors them.
func (s *Server) handleAlertsCheck(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitor not running"})
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("forceAlert"))
	report, err := s.monitor.Check(r.Context(), force)
	if err != nil {
		s.log.Error("health check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "health check failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed_ms", s.now().Sub(start).Milliseconds(),
		)
	})
}

func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
