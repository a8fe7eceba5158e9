// Entry point for the menuwatch pipeline: scrape orchestrator, delta
// ingestion, notification dispatch, health monitor, and the HTTP API, all
// in one process over a single SQLite file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/verdantlabs/menuwatch/browser"
	"github.com/verdantlabs/menuwatch/config"
	"github.com/verdantlabs/menuwatch/connectivity"
	"github.com/verdantlabs/menuwatch/dbopen"
	"github.com/verdantlabs/menuwatch/health"
	"github.com/verdantlabs/menuwatch/httpapi"
	"github.com/verdantlabs/menuwatch/ingest"
	"github.com/verdantlabs/menuwatch/notify"
	"github.com/verdantlabs/menuwatch/orchestrate"
	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
	_ "modernc.org/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "menuwatch.yaml", "path to the YAML config (missing file = defaults)")
		dbPath     = flag.String("db", "", "override the database path")
		addr       = flag.String("addr", "", "override the HTTP listen address")
		logLevel   = flag.String("log-level", "", "override the log level (debug|info|warn|error)")
		once       = flag.Bool("once", false, "run a single scrape tick and exit")
	)
	flag.Parse()

	// Config file is optional: a missing default path falls back to
	// built-in defaults plus environment.
	path := *configPath
	if _, err := os.Stat(path); err != nil && path == "menuwatch.yaml" {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		slog.Error("init store", "error", err)
		os.Exit(1)
	}

	if err := seedRetailers(ctx, st, cfg.Locations); err != nil {
		slog.Error("seed retailers", "error", err)
		os.Exit(1)
	}

	breakers := connectivity.NewBreakers()
	pool := browser.NewPool(breakers, connectivity.BreakerConfig{
		FailureThreshold: 3,
		ResetTime:        120 * time.Second,
		HalfOpenRequests: 1,
	}, logger)

	registry := scrape.NewRegistry(
		scrape.NewSSRJSON(),
		scrape.NewAJAXDOM(),
		scrape.NewEmbedded(scrape.EmbeddedOptions{
			DetailLimit: cfg.Scrape.DetailLimit,
			PagePool:    cfg.Scrape.PagePool,
			CartBudget:  cfg.Scrape.CartBudget,
			Logger:      logger,
		}),
	)

	engine := ingest.New(st, ingest.WithLogger(logger))
	queue := notify.NewRetryQueue(st, notify.WithQueueLogger(logger))
	dispatcher := notify.NewDispatcher(st, queue,
		notify.WithDefaultWebhook(cfg.Webhooks.Default),
		notify.WithDispatcherLogger(logger),
	)
	monitor := health.New(st,
		health.WithWebhook(cfg.Webhooks.Operator),
		health.WithLogger(logger),
	)

	orch := orchestrate.New(cfg.Locations, registry, pool, browser.Config{
		APIKey:    cfg.Browser.APIKey,
		ProjectID: cfg.Browser.ProjectID,
		Proxy:     cfg.Browser.UseProxy,
		ProxyGeo:  cfg.Browser.ProxyGeo,
	}, st, ingestURL(cfg), cfg.Ingestion.APIKey,
		orchestrate.WithLogger(logger),
		orchestrate.WithSummaryWebhook(cfg.Webhooks.Operator),
		orchestrate.WithDispatch(func(ctx context.Context) error {
			_, err := dispatcher.Dispatch(ctx)
			return err
		}),
	)

	if *once {
		summary, err := orch.Tick(ctx)
		if err != nil {
			slog.Error("tick", "error", err)
			os.Exit(1)
		}
		slog.Info("tick done", "batch", summary.BatchID,
			"succeeded", summary.Succeeded, "failed", summary.Failed)
		return
	}

	go orch.Run(ctx, cfg.Schedule.ScrapeInterval.Std())
	go queue.Run(ctx, cfg.Schedule.RetryInterval.Std())
	go monitor.Run(ctx, cfg.Schedule.HealthInterval.Std())
	go runDispatcher(ctx, dispatcher, cfg.Schedule.DispatchInterval.Std())

	api := httpapi.New(cfg, st, engine, orch, monitor, httpapi.WithLogger(logger))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("menuwatch listening", "addr", cfg.Addr,
			"locations", len(cfg.Locations), "active", len(cfg.Active()),
			"interval", cfg.Schedule.ScrapeInterval.Std().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

// seedRetailers upserts one retailer row per configured location so scrape
// jobs and dead letters always have a parent. Upsert preserves scrape
// timestamps across restarts.
func seedRetailers(ctx context.Context, st *store.Store, locations []config.Location) error {
	now := time.Now().UnixMilli()
	for _, loc := range locations {
		if err := st.UpsertRetailer(ctx, &store.Retailer{
			ID:       loc.ID,
			Name:     loc.Name,
			Slug:     loc.ID,
			City:     loc.City,
			State:    loc.State,
			Region:   loc.Region,
			IsActive: !loc.Disabled,
			MenuSources: []store.MenuSource{{
				URL:      loc.URL,
				Platform: loc.Platform,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ingestURL points the orchestrator at our own ingest endpoint unless the
// config routes batches elsewhere.
func ingestURL(cfg *config.Config) string {
	if cfg.Ingestion.URL != "" {
		return cfg.Ingestion.URL
	}
	host := cfg.Addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/ingest/scraped-batch"
}

func runDispatcher(ctx context.Context, d *notify.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Dispatch(ctx); err != nil {
				slog.Error("dispatch", "error", err)
			}
		}
	}
}
