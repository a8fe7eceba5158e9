// Package ingest consumes scraped batches: it upserts the brand/product
// catalog, appends menu snapshots, and computes inventory change events
// against the previous state of each (retailer, product) pair.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/verdantlabs/menuwatch/normalize"
	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
)

const (
	lowStockThreshold = 5
	// A row must be stale this long before the batch sweep calls it removed;
	// one missed tick is not a delisting.
	removedStaleness = int64(time.Hour / time.Millisecond)
	// Quantity swings under this percentage are scrape noise, not events.
	quantityChangePct = 20.0
	priceChangePct    = 1.0
)

// BatchSummary is the aggregate result of one ProcessBatch call.
type BatchSummary struct {
	BatchID             string         `json:"batchId"`
	TotalProcessed      int            `json:"totalProcessed"`
	TotalFailed         int            `json:"totalFailed"`
	TotalEventsDetected int            `json:"totalEventsDetected"`
	EventBreakdown      map[string]int `json:"eventBreakdown"`
}

// Engine runs ingestion against one store.
type Engine struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces the engine clock, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New returns an Engine bound to st.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{store: st, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ProcessBatch ingests every result in the batch. Item-level failures are
// counted, never fatal; a failed result records a failed scrape job and
// skips the removed sweep for that retailer. The whole batch shares one
// clock reading so its events carry one timestamp.
func (e *Engine) ProcessBatch(ctx context.Context, batch scrape.Batch) (*BatchSummary, error) {
	now := e.now().UnixMilli()
	sum := &BatchSummary{BatchID: batch.BatchID, EventBreakdown: map[string]int{}}

	for _, res := range batch.Results {
		if res.Status != "ok" {
			sum.TotalFailed += len(res.Items)
			job := &store.ScrapeJob{
				RetailerID:     res.RetailerID,
				SourcePlatform: resultPlatform(res),
				SourceURL:      resultURL(res),
				BatchID:        batch.BatchID,
				Status:         store.JobFailed,
				StartedAt:      resultStartedAt(res, now),
				CompletedAt:    now,
				ItemsFailed:    len(res.Items),
				ErrorMessage:   res.Error,
				RetryCount:     res.Retries,
			}
			if _, err := e.store.InsertJob(ctx, job); err != nil {
				return nil, err
			}
			continue
		}

		seen := map[string]bool{}
		scraped, failed := 0, 0
		for _, item := range res.Items {
			productID, events, err := e.processItem(ctx, res.RetailerID, item, batch.BatchID, now)
			if err != nil {
				failed++
				e.log.Warn("item ingestion failed",
					"retailer", res.RetailerID, "product", item.RawProductName, "error", err)
				continue
			}
			scraped++
			seen[productID] = true
			for _, typ := range events {
				sum.EventBreakdown[typ]++
				sum.TotalEventsDetected++
			}
		}
		sum.TotalProcessed += scraped
		sum.TotalFailed += failed

		removed, err := e.sweepRemoved(ctx, res.RetailerID, seen, batch.BatchID, now)
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			sum.EventBreakdown[store.EventRemoved] += removed
			sum.TotalEventsDetected += removed
		}

		job := &store.ScrapeJob{
			RetailerID:     res.RetailerID,
			SourcePlatform: resultPlatform(res),
			SourceURL:      resultURL(res),
			BatchID:        batch.BatchID,
			Status:         store.JobCompleted,
			StartedAt:      resultStartedAt(res, now),
			CompletedAt:    now,
			ItemsScraped:   scraped,
			ItemsFailed:    failed,
			RetryCount:     res.Retries,
		}
		if _, err := e.store.InsertJob(ctx, job); err != nil {
			return nil, err
		}
		if err := e.store.ResolveDeadLetters(ctx, res.RetailerID, now); err != nil {
			e.log.Warn("dead letter resolution failed", "retailer", res.RetailerID, "error", err)
		}
	}

	e.log.Info("batch ingested", "batch", batch.BatchID,
		"processed", sum.TotalProcessed, "failed", sum.TotalFailed,
		"events", sum.TotalEventsDetected)
	return sum, nil
}

// processItem runs the per-item contract in one transaction: brand upsert,
// normalization, product upsert, snapshot append, delta detection. Returns
// the product id and the event types emitted.
func (e *Engine) processItem(ctx context.Context, retailerID string, item scrape.Item, batchID string, now int64) (string, []string, error) {
	var productID string
	var emitted []string

	err := e.store.WithTx(ctx, func(txs *store.Store) error {
		norm := normalize.Normalize(normalize.Input{
			RawName:     item.RawProductName,
			RawBrand:    item.RawBrandName,
			RawCategory: item.RawCategory,
			RawTHC:      item.THCFormatted,
			RawCBD:      item.CBDFormatted,
		})

		brand, err := upsertBrand(ctx, txs, item.RawBrandName, norm.Category, now)
		if err != nil {
			return err
		}
		product, err := upsertProduct(ctx, txs, brand.ID, item, norm, now)
		if err != nil {
			return err
		}
		productID = product.ID

		snap := buildSnapshot(retailerID, product.ID, item, batchID, now)
		snapID, err := txs.InsertSnapshot(ctx, snap)
		if err != nil {
			return err
		}

		emitted, err = e.applyDelta(ctx, txs, retailerID, brand.ID, product.ID, snapID, item, batchID, now)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return productID, emitted, nil
}

func upsertBrand(ctx context.Context, txs *store.Store, rawBrand, category string, now int64) (*store.Brand, error) {
	name := rawBrand
	if name == "" {
		name = "Unknown"
	}
	slug := normalize.Slug(name)
	brand, err := txs.GetBrandByNormalized(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return txs.CreateBrand(ctx, name, slug, category, now)
	}
	if err != nil {
		return nil, err
	}
	if rawBrand != "" && rawBrand != brand.Name {
		if err := txs.AddBrandAlias(ctx, brand.ID, rawBrand); err != nil {
			return nil, err
		}
	}
	return brand, nil
}

func upsertProduct(ctx context.Context, txs *store.Store, brandID string, item scrape.Item, norm normalize.Product, now int64) (*store.Product, error) {
	slug := normalize.Slug(norm.Name)
	existing, err := txs.GetProductByKey(ctx, brandID, slug)
	if err == nil {
		patch := &store.Product{
			ID:       existing.ID,
			THCMin:   norm.THC,
			THCMax:   norm.THC,
			CBDMin:   norm.CBD,
			CBDMax:   norm.CBD,
			Strain:   optString(norm.Strain),
			ImageURL: item.ImageURL,
		}
		if err := txs.TouchProduct(ctx, patch, now); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p := &store.Product{
		BrandID:        brandID,
		Name:           norm.Name,
		NormalizedName: slug,
		Category:       norm.Category,
		Strain:         optString(norm.Strain),
		THCMin:         norm.THC,
		THCMax:         norm.THC,
		CBDMin:         norm.CBD,
		CBDMax:         norm.CBD,
		ImageURL:       item.ImageURL,
		IsActive:       true,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	if norm.Weight != nil {
		p.WeightAmount = &norm.Weight.Amount
		p.WeightUnit = &norm.Weight.Unit
	}
	if err := txs.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func buildSnapshot(retailerID, productID string, item scrape.Item, batchID string, now int64) *store.MenuSnapshot {
	snap := &store.MenuSnapshot{
		RetailerID:      retailerID,
		ProductID:       productID,
		ScrapedAt:       now,
		BatchID:         batchID,
		Price:           item.Price,
		OriginalPrice:   item.OriginalPrice,
		InStock:         item.InStock,
		Quantity:        item.Quantity,
		QuantityWarning: item.QuantityWarning,
		QuantitySource:  item.QuantitySource,
		SourceURL:       item.SourceURL,
		SourcePlatform:  item.SourcePlatform,
		RawProductName:  item.RawProductName,
		RawBrandName:    item.RawBrandName,
		RawCategory:     item.RawCategory,
	}
	if item.OriginalPrice != nil && item.Price < *item.OriginalPrice {
		snap.IsOnSale = true
		pct := int(math.Round((*item.OriginalPrice - item.Price) / *item.OriginalPrice * 100))
		snap.DiscountPercent = &pct
	}
	return snap
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonString(v any) *string {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func resultPlatform(res scrape.Result) string {
	if res.SourcePlatform != "" {
		return res.SourcePlatform
	}
	if len(res.Items) > 0 {
		return res.Items[0].SourcePlatform
	}
	return ""
}

func resultURL(res scrape.Result) string {
	if res.SourceURL != "" {
		return res.SourceURL
	}
	if len(res.Items) > 0 {
		return res.Items[0].SourceURL
	}
	return ""
}

func resultStartedAt(res scrape.Result, now int64) int64 {
	if res.StartedAt > 0 {
		return res.StartedAt
	}
	return now
}
