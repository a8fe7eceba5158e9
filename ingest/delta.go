package ingest

import (
	"context"
	"errors"
	"math"

	"github.com/verdantlabs/menuwatch/scrape"
	"github.com/verdantlabs/menuwatch/store"
)

// applyDelta compares the scraped item against the current-inventory row,
// emits the change events the transition warrants, and writes the updated
// row. Runs inside the item's transaction.
func (e *Engine) applyDelta(ctx context.Context, txs *store.Store, retailerID, brandID, productID, snapshotID string, item scrape.Item, batchID string, now int64) ([]string, error) {
	prev, err := txs.GetInventory(ctx, retailerID, productID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	emit := func(typ string, prevVal, newVal, meta *string) error {
		_, err := txs.InsertEvent(ctx, &store.InventoryEvent{
			RetailerID:    retailerID,
			ProductID:     &productID,
			BrandID:       &brandID,
			EventType:     typ,
			PreviousValue: prevVal,
			NewValue:      newVal,
			Metadata:      meta,
			BatchID:       batchID,
			Timestamp:     now,
		})
		return err
	}

	if prev == nil {
		return e.firstSighting(ctx, txs, emit, retailerID, brandID, productID, snapshotID, item, now)
	}

	var emitted []string

	next := *prev
	next.CurrentPrice = item.Price
	next.InStock = item.InStock
	next.QuantityWarning = item.QuantityWarning
	next.LastUpdatedAt = now
	next.LastSnapshotID = snapshotID

	// Price transition.
	if prev.CurrentPrice != item.Price {
		pv := prev.CurrentPrice
		next.PreviousPrice = &pv
		changedAt := now
		next.PriceChangedAt = &changedAt

		deltaPct := (item.Price - prev.CurrentPrice) / prev.CurrentPrice * 100
		if math.Abs(deltaPct) > priceChangePct {
			typ := store.EventPriceIncrease
			if item.Price < prev.CurrentPrice {
				typ = store.EventPriceDrop
			}
			err := emit(typ,
				jsonString(map[string]any{"price": prev.CurrentPrice}),
				jsonString(map[string]any{"price": item.Price}),
				jsonString(map[string]any{"changePercent": math.Round(deltaPct*10) / 10}))
			if err != nil {
				return nil, err
			}
			emitted = append(emitted, typ)
		}
	}

	// Stock transition.
	switch {
	case !prev.InStock && item.InStock:
		at := now
		next.LastInStockAt = &at
		next.OutOfStockSince = nil
		err := emit(store.EventRestock,
			jsonString(map[string]any{"inStock": false}),
			jsonString(map[string]any{"inStock": true, "price": item.Price, "quantity": item.Quantity}),
			nil)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, store.EventRestock)
	case prev.InStock && !item.InStock:
		at := now
		next.OutOfStockSince = &at
		err := emit(store.EventSoldOut,
			jsonString(map[string]any{"inStock": true}),
			jsonString(map[string]any{"inStock": false}),
			nil)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, store.EventSoldOut)
	}

	// Quantity transitions need a known quantity on both sides.
	if item.Quantity != nil && prev.Quantity != nil {
		q, pq := *item.Quantity, *prev.Quantity

		if pq >= lowStockThreshold && q > 0 && q < lowStockThreshold {
			err := emit(store.EventLowStock,
				jsonString(map[string]any{"quantity": pq}),
				jsonString(map[string]any{"quantity": q}),
				nil)
			if err != nil {
				return nil, err
			}
			emitted = append(emitted, store.EventLowStock)
		}

		if pq != 0 {
			deltaPct := float64(q-pq) / float64(pq) * 100
			if math.Abs(deltaPct) >= quantityChangePct {
				direction := "increase"
				if q < pq {
					direction = "decrease"
				}
				err := emit(store.EventQuantityChange,
					jsonString(map[string]any{"quantity": pq}),
					jsonString(map[string]any{"quantity": q}),
					jsonString(map[string]any{
						"changePercent": math.Round(deltaPct*10) / 10,
						"direction":     direction,
					}))
				if err != nil {
					return nil, err
				}
				emitted = append(emitted, store.EventQuantityChange)
			}
		}
	}

	if item.Quantity != nil {
		if prev.Quantity != nil && *prev.Quantity != *item.Quantity {
			pq := *prev.Quantity
			next.PreviousQty = &pq
		}
		q := *item.Quantity
		next.Quantity = &q
		next.QuantitySource = item.QuantitySource
		at := now
		next.LastQuantityAt = &at
		next.QuantityHistory = pushHistory(prev.QuantityHistory, store.QuantityPoint{
			Quantity: q, Source: item.QuantitySource, Timestamp: now,
		})
	}

	// Warning-only low stock: no numeric quantity this scrape, but the card
	// carries a scarcity warning.
	if item.Quantity == nil && item.QuantityWarning != "" {
		if est, ok := scrape.ParseWarning(item.QuantityWarning); ok {
			transitionedIn := prev.QuantityWarning == ""
			if transitionedIn || est < lowStockThreshold {
				err := emit(store.EventLowStock, nil,
					jsonString(map[string]any{"estimatedQuantity": est}),
					jsonString(map[string]any{"warning": item.QuantityWarning}))
				if err != nil {
					return nil, err
				}
				emitted = append(emitted, store.EventLowStock)
			}
		}
	}

	// Days on menu accrues by whole elapsed days.
	if days := (now - prev.LastUpdatedAt) / 86_400_000; days >= 1 {
		next.DaysOnMenu = prev.DaysOnMenu + int(days)
	}

	if err := txs.PutInventory(ctx, &next); err != nil {
		return nil, err
	}
	return emitted, nil
}

// firstSighting inserts a fresh inventory row and emits new_product, plus
// low_stock when the first observation is already scarce.
func (e *Engine) firstSighting(ctx context.Context, txs *store.Store, emit func(string, *string, *string, *string) error, retailerID, brandID, productID, snapshotID string, item scrape.Item, now int64) ([]string, error) {
	inv := &store.CurrentInventory{
		RetailerID:      retailerID,
		ProductID:       productID,
		BrandID:         brandID,
		CurrentPrice:    item.Price,
		InStock:         item.InStock,
		Quantity:        item.Quantity,
		QuantityWarning: item.QuantityWarning,
		QuantityHistory: []store.QuantityPoint{},
		DaysOnMenu:      1,
		LastUpdatedAt:   now,
		LastSnapshotID:  snapshotID,
	}
	if item.InStock {
		at := now
		inv.LastInStockAt = &at
	}
	if item.Quantity != nil {
		inv.QuantitySource = item.QuantitySource
		at := now
		inv.LastQuantityAt = &at
		inv.QuantityHistory = []store.QuantityPoint{
			{Quantity: *item.Quantity, Source: item.QuantitySource, Timestamp: now},
		}
	}
	if err := txs.PutInventory(ctx, inv); err != nil {
		return nil, err
	}

	err := emit(store.EventNewProduct, nil,
		jsonString(map[string]any{"price": item.Price, "inStock": item.InStock, "quantity": item.Quantity}),
		nil)
	if err != nil {
		return nil, err
	}
	emitted := []string{store.EventNewProduct}

	if item.Quantity != nil && *item.Quantity > 0 && *item.Quantity < lowStockThreshold {
		err := emit(store.EventLowStock, nil,
			jsonString(map[string]any{"quantity": *item.Quantity}), nil)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, store.EventLowStock)
	}
	return emitted, nil
}

// sweepRemoved emits removed for every inventory row of the retailer whose
// product was absent from this batch and stale for over an hour. Rows are
// kept; a later sighting becomes a plain update. Emission is once per
// staleness episode.
func (e *Engine) sweepRemoved(ctx context.Context, retailerID string, seen map[string]bool, batchID string, now int64) (int, error) {
	rows, err := e.store.ListInventoryByRetailer(ctx, retailerID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, inv := range rows {
		if seen[inv.ProductID] {
			continue
		}
		if inv.LastUpdatedAt >= now-removedStaleness {
			continue
		}
		already, err := e.store.HasEventSince(ctx, retailerID, inv.ProductID, store.EventRemoved, inv.LastUpdatedAt)
		if err != nil {
			return 0, err
		}
		if already {
			continue
		}
		productID := inv.ProductID
		brandID := inv.BrandID
		_, err = e.store.InsertEvent(ctx, &store.InventoryEvent{
			RetailerID: retailerID,
			ProductID:  &productID,
			BrandID:    &brandID,
			EventType:  store.EventRemoved,
			PreviousValue: jsonString(map[string]any{
				"price":         inv.CurrentPrice,
				"inStock":       inv.InStock,
				"quantity":      inv.Quantity,
				"lastUpdatedAt": inv.LastUpdatedAt,
			}),
			BatchID:   batchID,
			Timestamp: now,
		})
		if err != nil {
			return 0, err
		}
		removed++
	}
	return removed, nil
}

// pushHistory prepends a point and truncates to the ten most recent.
func pushHistory(hist []store.QuantityPoint, p store.QuantityPoint) []store.QuantityPoint {
	out := make([]store.QuantityPoint, 0, len(hist)+1)
	out = append(out, p)
	out = append(out, hist...)
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}
