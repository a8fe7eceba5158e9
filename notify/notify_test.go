package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/verdantlabs/menuwatch/dbopen"
	"github.com/verdantlabs/menuwatch/store"
	_ "modernc.org/sqlite"
)

type fixture struct {
	store *store.Store
	clock *testClock
}

type testClock struct{ at int64 }

func (c *testClock) now() time.Time { return time.UnixMilli(c.at) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return &fixture{store: st, clock: &testClock{at: 1000}}
}

// seedEvent creates retailer, brand, product, and one unnotified event.
func (f *fixture) seedEvent(t *testing.T, eventType string) (*store.Product, *store.InventoryEvent) {
	t.Helper()
	ctx := context.Background()

	if err := f.store.UpsertRetailer(ctx, &store.Retailer{
		ID: "R1", Name: "Green Leaf", Slug: "green-leaf",
		City: "Portland", State: "OR", IsActive: true,
		MenuSources: []store.MenuSource{}, CreatedAt: 1, UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertRetailer: %v", err)
	}
	brand, err := f.store.CreateBrand(ctx, "Jeeter", "jeeter", "pre_roll", 1)
	if err != nil {
		t.Fatalf("CreateBrand: %v", err)
	}
	product := &store.Product{
		BrandID: brand.ID, Name: "Runtz", NormalizedName: "runtz",
		Category: "pre_roll", IsActive: true, FirstSeenAt: 1, LastSeenAt: 1,
	}
	if err := f.store.CreateProduct(ctx, product); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	prev := `{"price":60}`
	next := `{"price":45,"inStock":true}`
	meta := `{"changePercent":-25}`
	ev := &store.InventoryEvent{
		RetailerID: "R1", ProductID: &product.ID, BrandID: &brand.ID,
		EventType: eventType, PreviousValue: &prev, NewValue: &next,
		Metadata: &meta, BatchID: "b1", Timestamp: 1000,
	}
	if _, err := f.store.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return product, ev
}

func (f *fixture) seedWatch(t *testing.T, productID, webhookURL string, alertTypes, retailerIDs []string) *store.Watch {
	t.Helper()
	w := &store.Watch{
		Email: "fan@example.com", ProductID: productID,
		RetailerIDs: retailerIDs, AlertTypes: alertTypes,
		WebhookURL: webhookURL, IsActive: true, CreatedAt: 1,
	}
	if err := f.store.CreateWatch(context.Background(), w); err != nil {
		t.Fatalf("CreateWatch: %v", err)
	}
	return w
}

func captureServer(t *testing.T, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestDispatchPriceDrop(t *testing.T) {
	// WHAT: A price_drop event reaches a subscribed watch as a Discord
	// embed carrying both prices and the location line; the event flips to
	// notified and the watch is stamped.
	f := newFixture(t)
	ctx := context.Background()
	product, ev := f.seedEvent(t, store.EventPriceDrop)
	srv, bodies := captureServer(t, http.StatusNoContent)
	watch := f.seedWatch(t, product.ID, srv.URL, []string{"price_drop"}, nil)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	d := NewDispatcher(f.store, queue, WithDispatcherClock(f.clock.now))

	stats, err := d.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.Processed != 1 || stats.AlertsSent != 1 || stats.WatchesNotified != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if len(*bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(*bodies))
	}
	var payload WebhookPayload
	if err := json.Unmarshal([]byte((*bodies)[0]), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	desc := payload.Embeds[0].Description
	for _, want := range []string{"Jeeter - Runtz", "$60.00", "$45.00", "25.0% off", "Green Leaf (Portland, OR)"} {
		if !strings.Contains(desc, want) {
			t.Errorf("description missing %q: %s", want, desc)
		}
	}
	if payload.Embeds[0].Footer.Text != "Watching: fan@example.com" {
		t.Errorf("footer = %q", payload.Embeds[0].Footer.Text)
	}

	remaining, _ := f.store.ListUnnotifiedEvents(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("event still unnotified: %+v", remaining)
	}
	_ = ev

	watches, _ := f.store.ActiveWatchesForProduct(ctx, product.ID)
	if watches[0].LastNotifiedAt == nil {
		t.Error("watch lastNotifiedAt not stamped")
	}
	_ = watch
}

func TestNewProductMapsToNewDrop(t *testing.T) {
	// WHAT: new_product events match watches subscribed under the new_drop
	// code, not "new_product".
	f := newFixture(t)
	ctx := context.Background()
	product, _ := f.seedEvent(t, store.EventNewProduct)
	srv, bodies := captureServer(t, http.StatusOK)
	f.seedWatch(t, product.ID, srv.URL, []string{"new_drop"}, nil)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	d := NewDispatcher(f.store, queue, WithDispatcherClock(f.clock.now))
	stats, err := d.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.AlertsSent != 1 || len(*bodies) != 1 {
		t.Errorf("stats = %+v deliveries = %d", stats, len(*bodies))
	}
	if !strings.Contains((*bodies)[0], "just dropped") {
		t.Errorf("payload = %s", (*bodies)[0])
	}
}

func TestRetailerFilterExcludes(t *testing.T) {
	// WHAT: A watch pinned to another retailer never fires; with no other
	// subscriber the event is consumed rather than rescanned forever.
	f := newFixture(t)
	ctx := context.Background()
	product, _ := f.seedEvent(t, store.EventRestock)
	srv, bodies := captureServer(t, http.StatusOK)
	f.seedWatch(t, product.ID, srv.URL, []string{"restock"}, []string{"R9"})

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	d := NewDispatcher(f.store, queue, WithDispatcherClock(f.clock.now))
	stats, err := d.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.AlertsSent != 0 || len(*bodies) != 0 {
		t.Errorf("unexpected delivery: %+v", stats)
	}
	remaining, _ := f.store.ListUnnotifiedEvents(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("unmatched event not consumed")
	}
}

func TestNonAlertableConsumed(t *testing.T) {
	// WHAT: sold_out is not watcher-alertable; the dispatcher consumes it
	// without delivery so the scan window stays clear.
	f := newFixture(t)
	ctx := context.Background()
	f.seedEvent(t, store.EventSoldOut)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	d := NewDispatcher(f.store, queue, WithDispatcherClock(f.clock.now))
	stats, err := d.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	remaining, _ := f.store.ListUnnotifiedEvents(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("sold_out not consumed")
	}
}

func TestFailedDeliveryQueues(t *testing.T) {
	// WHAT: A 500 from the webhook queues the payload with the event id
	// attached and leaves the event unnotified; the queue owns it now.
	f := newFixture(t)
	ctx := context.Background()
	product, ev := f.seedEvent(t, store.EventRestock)
	srv, _ := captureServer(t, http.StatusInternalServerError)
	f.seedWatch(t, product.ID, srv.URL, []string{"restock"}, nil)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	d := NewDispatcher(f.store, queue, WithDispatcherClock(f.clock.now))
	stats, err := d.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.AlertsSent != 0 {
		t.Errorf("stats = %+v", stats)
	}

	entry, err := f.store.GetPendingByWebhook(ctx, srv.URL)
	if err != nil {
		t.Fatalf("no queue entry: %v", err)
	}
	if entry.AttemptNumber != 1 || len(entry.EventIDs) != 1 || entry.EventIDs[0] != ev.ID {
		t.Errorf("entry = %+v", entry)
	}
	if entry.NextRetryAt == nil || *entry.NextRetryAt != 1000+5000 {
		t.Errorf("nextRetryAt = %v, want base delay 5s", entry.NextRetryAt)
	}

	remaining, _ := f.store.ListUnnotifiedEvents(ctx, 10)
	if len(remaining) != 1 {
		t.Errorf("event lost: %d remaining", len(remaining))
	}
}

func TestQueueCollapsesByWebhook(t *testing.T) {
	// WHAT: Repeated failures for one URL share a single pending row with
	// merged event ids; the attempt counter is not reset.
	f := newFixture(t)
	ctx := context.Background()
	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))

	if err := queue.Add(ctx, "https://hooks/x", `{"a":1}`, []string{"evt_1"}, "boom"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := queue.Add(ctx, "https://hooks/x", `{"a":2}`, []string{"evt_2", "evt_1"}, "boom again"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entry, err := f.store.GetPendingByWebhook(ctx, "https://hooks/x")
	if err != nil {
		t.Fatalf("GetPendingByWebhook: %v", err)
	}
	if entry.Payload != `{"a":2}` || entry.AttemptNumber != 1 {
		t.Errorf("entry = %+v", entry)
	}
	if len(entry.EventIDs) != 2 {
		t.Errorf("eventIds = %v, want merged 2", entry.EventIDs)
	}
}

func TestQueueRedeliveryMarksEvents(t *testing.T) {
	// WHAT: A due entry that posts 2xx flips to delivered and marks its
	// attached events notified.
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.seedEvent(t, store.EventRestock)
	srv, bodies := captureServer(t, http.StatusOK)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	if err := queue.Add(ctx, srv.URL, `{"retry":true}`, []string{ev.ID}, "first failure"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f.clock.at = 1000 + 5001 // past the base delay
	delivered, err := queue.ProcessRetries(ctx)
	if err != nil {
		t.Fatalf("ProcessRetries: %v", err)
	}
	if delivered != 1 || len(*bodies) != 1 {
		t.Errorf("delivered = %d bodies = %d", delivered, len(*bodies))
	}

	remaining, _ := f.store.ListUnnotifiedEvents(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("event not marked notified")
	}
	depth, _ := f.store.CountQueueByStatus(ctx)
	if depth[store.QueueDelivered] != 1 || depth[store.QueuePending] != 0 {
		t.Errorf("depth = %v", depth)
	}
}

func TestQueueExhaustion(t *testing.T) {
	// WHAT: A webhook that never recovers is retried with doubling delays
	// and abandoned as failed once attempts reach the cap; the entry keeps
	// a terminal message.
	f := newFixture(t)
	ctx := context.Background()
	srv, _ := captureServer(t, http.StatusBadGateway)

	queue := NewRetryQueue(f.store, WithQueueClock(f.clock.now))
	if err := queue.Add(ctx, srv.URL, `{"doomed":true}`, nil, "initial"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wantDelays := []int64{10_000, 20_000, 40_000} // attempts 2..4 schedule base·2^(n-1)
	for i := 0; ; i++ {
		entry, err := f.store.GetPendingByWebhook(ctx, srv.URL)
		if err != nil {
			break // no longer pending
		}
		f.clock.at = *entry.NextRetryAt + 1
		if _, err := queue.ProcessRetries(ctx); err != nil {
			t.Fatalf("ProcessRetries: %v", err)
		}
		if i < len(wantDelays) {
			if after, err := f.store.GetPendingByWebhook(ctx, srv.URL); err == nil {
				got := *after.NextRetryAt - f.clock.at
				if got != wantDelays[i] {
					t.Errorf("attempt %d delay = %d, want %d", after.AttemptNumber, got, wantDelays[i])
				}
			}
		}
		if i > 10 {
			t.Fatal("queue never gave up")
		}
	}

	depth, _ := f.store.CountQueueByStatus(ctx)
	if depth[store.QueueFailed] != 1 {
		t.Errorf("depth = %v, want one failed", depth)
	}
	entries, _ := f.store.DueQueueEntries(ctx, f.clock.at+1<<40, 10)
	if len(entries) != 0 {
		t.Errorf("failed entry still due: %+v", entries)
	}
}
