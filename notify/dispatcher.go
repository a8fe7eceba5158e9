package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/verdantlabs/menuwatch/store"
)

const (
	// How many unnotified events one pass scans.
	scanLimit = 100
	// How many it actually dispatches; the rest wait for the next tick.
	defaultMaxEvents = 50

	defaultPostTimeout = 15 * time.Second
)

// Watcher alert-type codes. new_product events match watches subscribed to
// the new_drop code.
const watchCodeNewDrop = "new_drop"

// alertable lists the event types watchers can subscribe to.
var alertable = map[string]bool{
	store.EventRestock:    true,
	store.EventPriceDrop:  true,
	store.EventNewProduct: true,
}

// Stats is the per-pass dispatch accounting.
type Stats struct {
	Processed       int `json:"processed"`
	AlertsSent      int `json:"alerts_sent"`
	WatchesNotified int `json:"watches_notified"`
}

// Dispatcher routes alertable events to watcher webhooks.
type Dispatcher struct {
	store          *store.Store
	queue          *RetryQueue
	client         *http.Client
	defaultWebhook string
	maxEvents      int
	log            *slog.Logger
	now            func() time.Time
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDefaultWebhook sets the fallback destination for watches without one.
func WithDefaultWebhook(url string) DispatcherOption {
	return func(d *Dispatcher) { d.defaultWebhook = url }
}

// WithMaxEvents caps how many events one pass dispatches.
func WithMaxEvents(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxEvents = n }
}

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithDispatcherClock replaces the clock, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher returns a Dispatcher sharing the retry queue's store.
func NewDispatcher(st *store.Store, queue *RetryQueue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		queue:     queue,
		client:    &http.Client{Timeout: defaultPostTimeout},
		maxEvents: defaultMaxEvents,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs one pass: scan unnotified events, fan alertable ones out to
// matching watches, and consume the rest. Failed deliveries land in the
// retry queue with the event ids attached; the event stays unnotified until
// a delivery sticks.
func (d *Dispatcher) Dispatch(ctx context.Context) (*Stats, error) {
	events, err := d.store.ListUnnotifiedEvents(ctx, scanLimit)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	dispatched := 0
	for _, ev := range events {
		if dispatched >= d.maxEvents {
			break
		}
		if !alertable[ev.EventType] || ev.ProductID == nil {
			// Nothing subscribes to these; consume so the scan window
			// doesn't silt up.
			if err := d.store.MarkEventsNotified(ctx, []string{ev.ID}, d.now().UnixMilli()); err != nil {
				return stats, err
			}
			continue
		}
		dispatched++
		stats.Processed++

		sent, watches, err := d.dispatchEvent(ctx, ev)
		if err != nil {
			return stats, err
		}
		stats.AlertsSent += sent
		stats.WatchesNotified += watches
	}
	return stats, nil
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev *store.InventoryEvent) (sent, notified int, err error) {
	ec, err := d.loadContext(ctx, ev)
	if err != nil {
		d.log.Warn("event context unavailable, consuming", "event", ev.ID, "error", err)
		return 0, 0, d.store.MarkEventsNotified(ctx, []string{ev.ID}, d.now().UnixMilli())
	}

	watches, err := d.store.ActiveWatchesForProduct(ctx, *ev.ProductID)
	if err != nil {
		return 0, 0, err
	}

	matched := false
	delivered := false
	for _, w := range watches {
		if !watchMatches(w, ev) {
			continue
		}
		matched = true

		url := w.WebhookURL
		if url == "" {
			url = d.defaultWebhook
		}
		if url == "" {
			continue
		}

		payload := WebhookPayload{
			Username: "menuwatch",
			Embeds:   []Embed{buildEmbed(ec, w.Email)},
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return sent, notified, err
		}

		if err := d.post(ctx, url, body); err != nil {
			d.log.Warn("webhook delivery failed, queueing",
				"watch", w.ID, "url", url, "error", err)
			if qerr := d.queue.Add(ctx, url, string(body), []string{ev.ID}, err.Error()); qerr != nil {
				return sent, notified, qerr
			}
			continue
		}
		delivered = true
		sent++
		notified++
		if err := d.store.TouchWatchNotified(ctx, w.ID, d.now().UnixMilli()); err != nil {
			return sent, notified, err
		}
	}

	// Mark notified when a delivery stuck, or when nothing subscribes to
	// this event at all. A matched-but-failed event stays open; the queue
	// owns flipping it after redelivery.
	if delivered || !matched {
		if err := d.store.MarkEventsNotified(ctx, []string{ev.ID}, d.now().UnixMilli()); err != nil {
			return sent, notified, err
		}
	}
	return sent, notified, nil
}

func (d *Dispatcher) loadContext(ctx context.Context, ev *store.InventoryEvent) (eventContext, error) {
	ec := eventContext{event: ev}
	var err error
	if ec.product, err = d.store.GetProduct(ctx, *ev.ProductID); err != nil {
		return ec, fmt.Errorf("load product: %w", err)
	}
	if ec.brand, err = d.store.GetBrand(ctx, ec.product.BrandID); err != nil {
		return ec, fmt.Errorf("load brand: %w", err)
	}
	// A missing retailer only drops the location line.
	if r, err := d.store.GetRetailer(ctx, ev.RetailerID); err == nil {
		ec.retailer = r
	} else if !errors.Is(err, store.ErrNotFound) {
		return ec, fmt.Errorf("load retailer: %w", err)
	}
	return ec, nil
}

// watchMatches applies the subscription rules: the watch must list the
// event's type (new_product under the new_drop code) and either target all
// retailers or include the event's.
func watchMatches(w *store.Watch, ev *store.InventoryEvent) bool {
	code := ev.EventType
	if code == store.EventNewProduct {
		code = watchCodeNewDrop
	}
	typeOK := false
	for _, t := range w.AlertTypes {
		if t == code {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if len(w.RetailerIDs) == 0 {
		return true
	}
	for _, id := range w.RetailerIDs {
		if id == ev.RetailerID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
