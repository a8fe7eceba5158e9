package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateWatch inserts a subscriber watch. Watches are managed by an external
// surface; the store only needs insert and read for dispatch routing.
func (s *Store) CreateWatch(ctx context.Context, w *Watch) error {
	if w.ID == "" {
		w.ID = s.id("watch")
	}
	retailers, err := json.Marshal(w.RetailerIDs)
	if err != nil {
		return fmt.Errorf("marshal retailer ids: %w", err)
	}
	types, err := json.Marshal(w.AlertTypes)
	if err != nil {
		return fmt.Errorf("marshal alert types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watches (id, email, product_id, brand_id, retailer_ids, alert_types,
			webhook_url, is_active, created_at, last_notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Email, w.ProductID, nullS(w.BrandID), string(retailers), string(types),
		w.WebhookURL, boolInt(w.IsActive), w.CreatedAt, nullI64(w.LastNotifiedAt))
	if err != nil {
		return fmt.Errorf("create watch: %w", err)
	}
	return nil
}

// ActiveWatchesForProduct returns active watches targeting the product.
func (s *Store) ActiveWatchesForProduct(ctx context.Context, productID string) ([]*Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, product_id, brand_id, retailer_ids, alert_types,
			webhook_url, is_active, created_at, last_notified_at
		FROM watches WHERE product_id = ? AND is_active = 1`, productID)
	if err != nil {
		return nil, fmt.Errorf("list watches for %s: %w", productID, err)
	}
	defer rows.Close()

	var out []*Watch
	for rows.Next() {
		var (
			w         Watch
			brandID   sql.NullString
			retailers string
			types     string
			active    int
			lastAt    sql.NullInt64
		)
		if err := rows.Scan(&w.ID, &w.Email, &w.ProductID, &brandID, &retailers,
			&types, &w.WebhookURL, &active, &w.CreatedAt, &lastAt); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		if brandID.Valid {
			w.BrandID = &brandID.String
		}
		w.IsActive = active != 0
		if lastAt.Valid {
			w.LastNotifiedAt = &lastAt.Int64
		}
		if err := json.Unmarshal([]byte(retailers), &w.RetailerIDs); err != nil {
			return nil, fmt.Errorf("decode retailer ids: %w", err)
		}
		if err := json.Unmarshal([]byte(types), &w.AlertTypes); err != nil {
			return nil, fmt.Errorf("decode alert types: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// TouchWatchNotified records when a watch last produced a delivery.
func (s *Store) TouchWatchNotified(ctx context.Context, watchID string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET last_notified_at = ? WHERE id = ?`, at, watchID)
	if err != nil {
		return fmt.Errorf("touch watch %s: %w", watchID, err)
	}
	return nil
}
