package store

import (
	"context"
	"strings"
	"testing"

	"github.com/verdantlabs/menuwatch/dbopen"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func seedRetailer(t *testing.T, s *Store, id string) *Retailer {
	t.Helper()
	r := &Retailer{
		ID: id, Name: "Green Leaf " + id, Slug: "green-leaf-" + id,
		City: "Portland", State: "OR", IsActive: true,
		MenuSources: []MenuSource{{URL: "https://dutchie.com/dispensary/" + id, Platform: "dutchie-ssr"}},
		CreatedAt:   1000, UpdatedAt: 1000,
	}
	if err := s.UpsertRetailer(context.Background(), r); err != nil {
		t.Fatalf("UpsertRetailer: %v", err)
	}
	return r
}

func seedProduct(t *testing.T, s *Store, brandName, productName string) (*Brand, *Product) {
	t.Helper()
	ctx := context.Background()
	b, err := s.CreateBrand(ctx, brandName, strings.ToLower(brandName), "flower", 1000)
	if err != nil {
		t.Fatalf("CreateBrand: %v", err)
	}
	p := &Product{
		BrandID: b.ID, Name: productName, NormalizedName: strings.ToLower(productName),
		Category: "flower", IsActive: true, FirstSeenAt: 1000, LastSeenAt: 1000,
	}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return b, p
}

func TestRetailerRoundTrip(t *testing.T) {
	// WHAT: Upsert preserves lastScrapedAt; TouchRetailerScraped stamps both
	// the retailer and the matching menu source.
	s := testStore(t)
	ctx := context.Background()
	r := seedRetailer(t, s, "r1")

	if err := s.TouchRetailerScraped(ctx, r.ID, r.MenuSources[0].URL, 5000); err != nil {
		t.Fatalf("TouchRetailerScraped: %v", err)
	}

	got, err := s.GetRetailer(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRetailer: %v", err)
	}
	if got.LastScrapedAt == nil || *got.LastScrapedAt != 5000 {
		t.Errorf("lastScrapedAt = %v, want 5000", got.LastScrapedAt)
	}
	if got.MenuSources[0].LastScrapedAt != 5000 {
		t.Errorf("menu source lastScrapedAt = %d, want 5000", got.MenuSources[0].LastScrapedAt)
	}

	// Config re-seed must not clobber the scrape stamp.
	r.Name = "Renamed"
	r.UpdatedAt = 6000
	if err := s.UpsertRetailer(ctx, r); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = s.GetRetailer(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRetailer: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("name = %q", got.Name)
	}
	if got.LastScrapedAt == nil || *got.LastScrapedAt != 5000 {
		t.Errorf("lastScrapedAt lost on upsert: %v", got.LastScrapedAt)
	}
	if got.MenuSources[0].LastScrapedAt != 5000 {
		t.Errorf("menu source lastScrapedAt lost on upsert: %d", got.MenuSources[0].LastScrapedAt)
	}
}

func TestUpsertMergesSourceTimestamps(t *testing.T) {
	// WHAT: Re-seeding from config carries stored per-source scrape stamps
	// over by URL; a new URL starts unstamped and an explicit incoming stamp
	// wins over the stored one.
	s := testStore(t)
	ctx := context.Background()
	r := seedRetailer(t, s, "r1")

	if err := s.TouchRetailerScraped(ctx, r.ID, r.MenuSources[0].URL, 7000); err != nil {
		t.Fatalf("TouchRetailerScraped: %v", err)
	}

	reseed := &Retailer{
		ID: r.ID, Name: r.Name, Slug: r.Slug, IsActive: true,
		MenuSources: []MenuSource{
			{URL: r.MenuSources[0].URL, Platform: "dutchie-ssr"},
			{URL: "https://dutchie.com/embedded-menu/r1", Platform: "dutchie-embedded"},
		},
		CreatedAt: 8000, UpdatedAt: 8000,
	}
	if err := s.UpsertRetailer(ctx, reseed); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	got, err := s.GetRetailer(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRetailer: %v", err)
	}
	if len(got.MenuSources) != 2 {
		t.Fatalf("menu sources = %+v", got.MenuSources)
	}
	if got.MenuSources[0].LastScrapedAt != 7000 {
		t.Errorf("known source stamp = %d, want 7000", got.MenuSources[0].LastScrapedAt)
	}
	if got.MenuSources[1].LastScrapedAt != 0 {
		t.Errorf("new source stamp = %d, want 0", got.MenuSources[1].LastScrapedAt)
	}

	reseed.MenuSources[0].LastScrapedAt = 9000
	if err := s.UpsertRetailer(ctx, reseed); err != nil {
		t.Fatalf("explicit stamp upsert: %v", err)
	}
	got, err = s.GetRetailer(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRetailer: %v", err)
	}
	if got.MenuSources[0].LastScrapedAt != 9000 {
		t.Errorf("explicit stamp = %d, want 9000", got.MenuSources[0].LastScrapedAt)
	}
}

func TestBrandIdentity(t *testing.T) {
	// WHAT: Brands resolve by normalized name; aliases collect raw spellings
	// without duplicates.
	s := testStore(t)
	ctx := context.Background()

	b, err := s.CreateBrand(ctx, "Up North", "up-north", "", 1000)
	if err != nil {
		t.Fatalf("CreateBrand: %v", err)
	}
	got, err := s.GetBrandByNormalized(ctx, "up-north")
	if err != nil {
		t.Fatalf("GetBrandByNormalized: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("id = %q, want %q", got.ID, b.ID)
	}
	if !strings.HasPrefix(b.ID, "brd_") {
		t.Errorf("brand id %q lacks brd_ prefix", b.ID)
	}

	for _, alias := range []string{"UP NORTH", "UpNorth", "UP NORTH"} {
		if err := s.AddBrandAlias(ctx, b.ID, alias); err != nil {
			t.Fatalf("AddBrandAlias: %v", err)
		}
	}
	got, _ = s.GetBrandByNormalized(ctx, "up-north")
	if len(got.Aliases) != 2 {
		t.Errorf("aliases = %v, want 2 distinct", got.Aliases)
	}

	if _, err := s.GetBrandByNormalized(ctx, "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProductKeyAndTouch(t *testing.T) {
	// WHAT: Products resolve by (brand, normalized name); TouchProduct fills
	// missing cannabinoids without overwriting known values.
	s := testStore(t)
	ctx := context.Background()
	b, p := seedProduct(t, s, "Jeeter", "runtz pre-roll|2|piece")

	got, err := s.GetProductByKey(ctx, b.ID, p.NormalizedName)
	if err != nil {
		t.Fatalf("GetProductByKey: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("id = %q, want %q", got.ID, p.ID)
	}

	thc := 24.8
	update := &Product{ID: p.ID, THCMin: &thc, THCMax: &thc, ImageURL: "https://img/x.jpg"}
	if err := s.TouchProduct(ctx, update, 9000); err != nil {
		t.Fatalf("TouchProduct: %v", err)
	}
	got, _ = s.GetProduct(ctx, p.ID)
	if got.LastSeenAt != 9000 {
		t.Errorf("lastSeenAt = %d", got.LastSeenAt)
	}
	if got.THCMin == nil || *got.THCMin != 24.8 {
		t.Errorf("thcMin = %v, want filled", got.THCMin)
	}
	if got.ImageURL != "https://img/x.jpg" {
		t.Errorf("imageURL = %q", got.ImageURL)
	}

	// A second touch with different THC must not overwrite the first.
	other := 30.0
	if err := s.TouchProduct(ctx, &Product{ID: p.ID, THCMin: &other}, 9500); err != nil {
		t.Fatalf("TouchProduct: %v", err)
	}
	got, _ = s.GetProduct(ctx, p.ID)
	if *got.THCMin != 24.8 {
		t.Errorf("thcMin overwritten to %v", *got.THCMin)
	}
}

func TestInventoryRoundTrip(t *testing.T) {
	// WHAT: PutInventory upserts the (retailer, product) row including the
	// JSON quantity history, and ListInventoryByRetailer sees it.
	s := testStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1")
	b, p := seedProduct(t, s, "Stiiizy", "gelato cart|1|g")

	qty := 12
	inv := &CurrentInventory{
		RetailerID: "r1", ProductID: p.ID, BrandID: b.ID,
		CurrentPrice: 30, InStock: true, Quantity: &qty,
		QuantitySource: "ssr",
		QuantityHistory: []QuantityPoint{
			{Quantity: 12, Source: "ssr", Timestamp: 2000},
			{Quantity: 15, Source: "ssr", Timestamp: 1000},
		},
		DaysOnMenu: 1, LastUpdatedAt: 2000, LastSnapshotID: "snp_x",
	}
	if err := s.PutInventory(ctx, inv); err != nil {
		t.Fatalf("PutInventory: %v", err)
	}

	got, err := s.GetInventory(ctx, "r1", p.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got.Quantity == nil || *got.Quantity != 12 || !got.InStock {
		t.Errorf("row = %+v", got)
	}
	if len(got.QuantityHistory) != 2 || got.QuantityHistory[0].Quantity != 12 {
		t.Errorf("history = %v", got.QuantityHistory)
	}

	// Upsert replaces in place, never duplicates.
	inv.CurrentPrice = 25
	if err := s.PutInventory(ctx, inv); err != nil {
		t.Fatalf("PutInventory update: %v", err)
	}
	rows, err := s.ListInventoryByRetailer(ctx, "r1")
	if err != nil {
		t.Fatalf("ListInventoryByRetailer: %v", err)
	}
	if len(rows) != 1 || rows[0].CurrentPrice != 25 {
		t.Errorf("rows = %d price = %v", len(rows), rows[0].CurrentPrice)
	}

	if err := s.DeleteInventory(ctx, "r1", p.ID); err != nil {
		t.Fatalf("DeleteInventory: %v", err)
	}
	if _, err := s.GetInventory(ctx, "r1", p.ID); err != ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestEventsNotifiedFlow(t *testing.T) {
	// WHAT: Unnotified events list oldest first; MarkEventsNotified flips
	// only the given ids.
	s := testStore(t)
	ctx := context.Background()

	var ids []string
	for i, typ := range []string{EventNewProduct, EventPriceDrop, EventRestock} {
		id, err := s.InsertEvent(ctx, &InventoryEvent{
			RetailerID: "r1", EventType: typ, BatchID: "b1",
			Timestamp: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
		ids = append(ids, id)
	}

	events, err := s.ListUnnotifiedEvents(ctx, 100)
	if err != nil {
		t.Fatalf("ListUnnotifiedEvents: %v", err)
	}
	if len(events) != 3 || events[0].EventType != EventNewProduct {
		t.Fatalf("events = %+v", events)
	}

	if err := s.MarkEventsNotified(ctx, ids[:2], 5000); err != nil {
		t.Fatalf("MarkEventsNotified: %v", err)
	}
	events, _ = s.ListUnnotifiedEvents(ctx, 100)
	if len(events) != 1 || events[0].ID != ids[2] {
		t.Errorf("remaining = %+v", events)
	}

	counts, err := s.CountEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("CountEventsSince: %v", err)
	}
	if counts[EventPriceDrop] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDeadLetterCollapse(t *testing.T) {
	// WHAT: Repeated failures of one kind collapse onto a single unresolved
	// row; resolution closes it so the next failure opens a fresh row.
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.RecordDeadLetter(ctx, "r1", "blocked", "cf challenge", 1000)
	if err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}
	id2, err := s.RecordDeadLetter(ctx, "r1", "blocked", "cf challenge again", 2000)
	if err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}

	list, err := s.ListUnresolvedDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnresolvedDeadLetters: %v", err)
	}
	if len(list) != 1 || list[0].Attempts != 2 || list[0].LastAttemptAt != 2000 {
		t.Fatalf("list = %+v", list[0])
	}
	if list[0].FirstAttemptAt != 1000 {
		t.Errorf("firstAttemptAt = %d", list[0].FirstAttemptAt)
	}

	if n, _ := s.CountDeadLettersByType(ctx, "blocked", 0); n != 1 {
		t.Errorf("count by type = %d", n)
	}

	if err := s.ResolveDeadLetters(ctx, "r1", 3000); err != nil {
		t.Fatalf("ResolveDeadLetters: %v", err)
	}
	id3, err := s.RecordDeadLetter(ctx, "r1", "blocked", "back again", 4000)
	if err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}
	if id3 == id1 {
		t.Error("resolved row reused for new failure")
	}
}

func TestQueueDueSelection(t *testing.T) {
	// WHAT: DueQueueEntries returns only pending entries whose nextRetryAt
	// has passed, oldest first; GetPendingByWebhook finds the collapse target.
	s := testStore(t)
	ctx := context.Background()

	due := int64(1000)
	notYet := int64(9000)
	if _, err := s.EnqueueNotification(ctx, &QueueEntry{
		WebhookURL: "https://hooks/a", Payload: `{"a":1}`, EventIDs: []string{"evt_1"},
		AttemptNumber: 1, CreatedAt: 500, NextRetryAt: &due,
	}); err != nil {
		t.Fatalf("EnqueueNotification: %v", err)
	}
	if _, err := s.EnqueueNotification(ctx, &QueueEntry{
		WebhookURL: "https://hooks/b", Payload: `{"b":1}`,
		AttemptNumber: 1, CreatedAt: 600, NextRetryAt: &notYet,
	}); err != nil {
		t.Fatalf("EnqueueNotification: %v", err)
	}

	got, err := s.DueQueueEntries(ctx, 2000, 10)
	if err != nil {
		t.Fatalf("DueQueueEntries: %v", err)
	}
	if len(got) != 1 || got[0].WebhookURL != "https://hooks/a" {
		t.Fatalf("due = %+v", got)
	}

	pending, err := s.GetPendingByWebhook(ctx, "https://hooks/a")
	if err != nil {
		t.Fatalf("GetPendingByWebhook: %v", err)
	}
	pending.Status = QueueDelivered
	deliveredAt := int64(2500)
	pending.DeliveredAt = &deliveredAt
	if err := s.UpdateQueueEntry(ctx, pending); err != nil {
		t.Fatalf("UpdateQueueEntry: %v", err)
	}
	if _, err := s.GetPendingByWebhook(ctx, "https://hooks/a"); err != ErrNotFound {
		t.Errorf("delivered entry still pending: %v", err)
	}

	depth, err := s.CountQueueByStatus(ctx)
	if err != nil {
		t.Fatalf("CountQueueByStatus: %v", err)
	}
	if depth[QueuePending] != 1 || depth[QueueDelivered] != 1 {
		t.Errorf("depth = %v", depth)
	}
}

func TestAlertCooldownLookup(t *testing.T) {
	// WHAT: LastAlertAt returns the newest creation time per type, 0 when
	// the type has never fired.
	s := testStore(t)
	ctx := context.Background()

	for _, at := range []int64{1000, 3000, 2000} {
		if _, err := s.InsertAlert(ctx, &ScraperAlert{
			Type: "scraper_stalled", Severity: "critical",
			Title: "Scraper stalled", Message: "no batch in 45m",
			DeliveredTo: []string{}, CreatedAt: at,
		}); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
	}

	at, err := s.LastAlertAt(ctx, "scraper_stalled")
	if err != nil {
		t.Fatalf("LastAlertAt: %v", err)
	}
	if at != 3000 {
		t.Errorf("at = %d, want 3000", at)
	}
	if at, _ := s.LastAlertAt(ctx, "never_fired"); at != 0 {
		t.Errorf("unknown type at = %d, want 0", at)
	}
}

func TestWithTxRollback(t *testing.T) {
	// WHAT: An error inside WithTx rolls back every write in the closure.
	s := testStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(txs *Store) error {
		if _, err := txs.InsertEvent(ctx, &InventoryEvent{
			RetailerID: "r1", EventType: EventRestock, BatchID: "b1", Timestamp: 1,
		}); err != nil {
			return err
		}
		return ErrNotFound // force rollback
	})
	if err == nil {
		t.Fatal("want error from WithTx")
	}

	events, _ := s.ListUnnotifiedEvents(ctx, 10)
	if len(events) != 0 {
		t.Errorf("events survived rollback: %+v", events)
	}
}

func TestGatherStats(t *testing.T) {
	// WHAT: The aggregate snapshot counts every table it reports.
	s := testStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1")
	b, p := seedProduct(t, s, "Jeeter", "runtz")

	if _, err := s.InsertSnapshot(ctx, &MenuSnapshot{
		RetailerID: "r1", ProductID: p.ID, ScrapedAt: 1000, BatchID: "b1",
		Price: 15, InStock: true, SourceURL: "u", SourcePlatform: "dutchie-ssr",
		RawProductName: "Runtz",
	}); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := s.PutInventory(ctx, &CurrentInventory{
		RetailerID: "r1", ProductID: p.ID, BrandID: b.ID,
		CurrentPrice: 15, InStock: true, QuantityHistory: []QuantityPoint{},
		DaysOnMenu: 1, LastUpdatedAt: 1000,
	}); err != nil {
		t.Fatalf("PutInventory: %v", err)
	}
	if _, err := s.InsertJob(ctx, &ScrapeJob{
		RetailerID: "r1", SourcePlatform: "dutchie-ssr", SourceURL: "u",
		BatchID: "b1", Status: JobCompleted, StartedAt: 900, CompletedAt: 1100,
		ItemsScraped: 1,
	}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	st, err := s.GatherStats(ctx, 0)
	if err != nil {
		t.Fatalf("GatherStats: %v", err)
	}
	if st.Retailers != 1 || st.ActiveRetailers != 1 || st.Brands != 1 ||
		st.Products != 1 || st.InventoryRows != 1 || st.Snapshots24h != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastJobAt != 1100 {
		t.Errorf("lastJobAt = %d", st.LastJobAt)
	}
}
