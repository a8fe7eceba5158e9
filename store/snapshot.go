package store

import (
	"context"
	"fmt"
)

// InsertSnapshot appends one menu snapshot and returns its id.
func (s *Store) InsertSnapshot(ctx context.Context, snap *MenuSnapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = s.id("snapshot")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO menu_snapshots (id, retailer_id, product_id, scraped_at, batch_id,
			price, original_price, is_on_sale, discount_percent,
			in_stock, quantity, quantity_warning, quantity_source,
			source_url, source_platform, raw_product_name, raw_brand_name, raw_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RetailerID, snap.ProductID, snap.ScrapedAt, snap.BatchID,
		snap.Price, nullF(snap.OriginalPrice), boolInt(snap.IsOnSale), nullI(snap.DiscountPercent),
		boolInt(snap.InStock), nullI(snap.Quantity), snap.QuantityWarning, snap.QuantitySource,
		snap.SourceURL, snap.SourcePlatform, snap.RawProductName, snap.RawBrandName, snap.RawCategory)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return snap.ID, nil
}

// CountSnapshotsSince reports how many snapshots landed at or after the cutoff.
func (s *Store) CountSnapshotsSince(ctx context.Context, cutoff int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM menu_snapshots WHERE scraped_at >= ?`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// PruneSnapshots deletes snapshots older than the cutoff and returns the
// number removed. Run periodically to bound table growth.
func (s *Store) PruneSnapshots(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM menu_snapshots WHERE scraped_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
