package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const inventoryCols = `retailer_id, product_id, brand_id, current_price, previous_price,
	price_changed_at, in_stock, last_in_stock_at, out_of_stock_since,
	quantity, previous_quantity, quantity_warning, quantity_source, last_quantity_at,
	quantity_history, days_on_menu, last_updated_at, last_snapshot_id`

// GetInventory loads the current-inventory row for one (retailer, product)
// pair, or ErrNotFound when the product has never been seen there.
func (s *Store) GetInventory(ctx context.Context, retailerID, productID string) (*CurrentInventory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+inventoryCols+` FROM current_inventory
		WHERE retailer_id = ? AND product_id = ?`, retailerID, productID)
	return scanInventory(row)
}

// PutInventory inserts or fully replaces the (retailer, product) row.
func (s *Store) PutInventory(ctx context.Context, inv *CurrentInventory) error {
	history, err := json.Marshal(inv.QuantityHistory)
	if err != nil {
		return fmt.Errorf("marshal quantity history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO current_inventory (`+inventoryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(retailer_id, product_id) DO UPDATE SET
			brand_id = excluded.brand_id,
			current_price = excluded.current_price,
			previous_price = excluded.previous_price,
			price_changed_at = excluded.price_changed_at,
			in_stock = excluded.in_stock,
			last_in_stock_at = excluded.last_in_stock_at,
			out_of_stock_since = excluded.out_of_stock_since,
			quantity = excluded.quantity,
			previous_quantity = excluded.previous_quantity,
			quantity_warning = excluded.quantity_warning,
			quantity_source = excluded.quantity_source,
			last_quantity_at = excluded.last_quantity_at,
			quantity_history = excluded.quantity_history,
			days_on_menu = excluded.days_on_menu,
			last_updated_at = excluded.last_updated_at,
			last_snapshot_id = excluded.last_snapshot_id`,
		inv.RetailerID, inv.ProductID, inv.BrandID, inv.CurrentPrice, nullF(inv.PreviousPrice),
		nullI64(inv.PriceChangedAt), boolInt(inv.InStock), nullI64(inv.LastInStockAt),
		nullI64(inv.OutOfStockSince), nullI(inv.Quantity), nullI(inv.PreviousQty),
		inv.QuantityWarning, inv.QuantitySource, nullI64(inv.LastQuantityAt),
		string(history), inv.DaysOnMenu, inv.LastUpdatedAt, inv.LastSnapshotID)
	if err != nil {
		return fmt.Errorf("put inventory %s/%s: %w", inv.RetailerID, inv.ProductID, err)
	}
	return nil
}

// ListInventoryByRetailer returns every current-inventory row for a retailer.
// The removed sweep uses it to find rows a batch failed to refresh.
func (s *Store) ListInventoryByRetailer(ctx context.Context, retailerID string) ([]*CurrentInventory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inventoryCols+` FROM current_inventory WHERE retailer_id = ?`, retailerID)
	if err != nil {
		return nil, fmt.Errorf("list inventory for %s: %w", retailerID, err)
	}
	defer rows.Close()

	var out []*CurrentInventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// DeleteInventory drops the (retailer, product) row after a removed event.
func (s *Store) DeleteInventory(ctx context.Context, retailerID, productID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM current_inventory WHERE retailer_id = ? AND product_id = ?`,
		retailerID, productID)
	if err != nil {
		return fmt.Errorf("delete inventory %s/%s: %w", retailerID, productID, err)
	}
	return nil
}

func scanInventory(row rowScanner) (*CurrentInventory, error) {
	var (
		inv       CurrentInventory
		prevPrice sql.NullFloat64
		priceAt   sql.NullInt64
		inStock   int
		lastIn    sql.NullInt64
		oosSince  sql.NullInt64
		qty       sql.NullInt64
		prevQty   sql.NullInt64
		qtyAt     sql.NullInt64
		history   string
	)
	err := row.Scan(&inv.RetailerID, &inv.ProductID, &inv.BrandID, &inv.CurrentPrice,
		&prevPrice, &priceAt, &inStock, &lastIn, &oosSince,
		&qty, &prevQty, &inv.QuantityWarning, &inv.QuantitySource, &qtyAt,
		&history, &inv.DaysOnMenu, &inv.LastUpdatedAt, &inv.LastSnapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan inventory: %w", err)
	}
	if prevPrice.Valid {
		inv.PreviousPrice = &prevPrice.Float64
	}
	if priceAt.Valid {
		inv.PriceChangedAt = &priceAt.Int64
	}
	inv.InStock = inStock != 0
	if lastIn.Valid {
		inv.LastInStockAt = &lastIn.Int64
	}
	if oosSince.Valid {
		inv.OutOfStockSince = &oosSince.Int64
	}
	if qty.Valid {
		v := int(qty.Int64)
		inv.Quantity = &v
	}
	if prevQty.Valid {
		v := int(prevQty.Int64)
		inv.PreviousQty = &v
	}
	if qtyAt.Valid {
		inv.LastQuantityAt = &qtyAt.Int64
	}
	if err := json.Unmarshal([]byte(history), &inv.QuantityHistory); err != nil {
		return nil, fmt.Errorf("decode quantity history: %w", err)
	}
	return &inv, nil
}
