package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const eventCols = `id, retailer_id, product_id, brand_id, event_type,
	previous_value, new_value, metadata, batch_id, timestamp, notified, notified_at`

// InsertEvent appends one inventory event and returns its id.
func (s *Store) InsertEvent(ctx context.Context, e *InventoryEvent) (string, error) {
	if e.ID == "" {
		e.ID = s.id("event")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_events (`+eventCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RetailerID, nullS(e.ProductID), nullS(e.BrandID), e.EventType,
		nullS(e.PreviousValue), nullS(e.NewValue), nullS(e.Metadata),
		e.BatchID, e.Timestamp, boolInt(e.Notified), nullI64(e.NotifiedAt))
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

// ListUnnotifiedEvents returns the oldest unnotified events, capped at limit.
func (s *Store) ListUnnotifiedEvents(ctx context.Context, limit int) ([]*InventoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventCols+` FROM inventory_events
		WHERE notified = 0 ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unnotified events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkEventsNotified flips notified on the given event ids.
func (s *Store) MarkEventsNotified(ctx context.Context, ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx, `
		UPDATE inventory_events SET notified = 1, notified_at = ?
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark events notified: %w", err)
	}
	return nil
}

// ListEventsByBatch returns every event a batch produced, oldest first.
func (s *Store) ListEventsByBatch(ctx context.Context, batchID string) ([]*InventoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventCols+` FROM inventory_events
		WHERE batch_id = ? ORDER BY timestamp ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list events for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// HasEventSince reports whether an event of the given type exists for the
// (retailer, product) pair at or after the cutoff. The removed sweep uses it
// to emit once per staleness episode.
func (s *Store) HasEventSince(ctx context.Context, retailerID, productID, eventType string, cutoff int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inventory_events
		WHERE retailer_id = ? AND product_id = ? AND event_type = ? AND timestamp >= ?`,
		retailerID, productID, eventType, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has event since: %w", err)
	}
	return n > 0, nil
}

// CountEventsSince reports event volume at or after the cutoff, per type.
func (s *Store) CountEventsSince(ctx context.Context, cutoff int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM inventory_events
		WHERE timestamp >= ? GROUP BY event_type`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]*InventoryEvent, error) {
	var out []*InventoryEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*InventoryEvent, error) {
	var (
		e          InventoryEvent
		productID  sql.NullString
		brandID    sql.NullString
		prev       sql.NullString
		next       sql.NullString
		meta       sql.NullString
		notified   int
		notifiedAt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.RetailerID, &productID, &brandID, &e.EventType,
		&prev, &next, &meta, &e.BatchID, &e.Timestamp, &notified, &notifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if productID.Valid {
		e.ProductID = &productID.String
	}
	if brandID.Valid {
		e.BrandID = &brandID.String
	}
	if prev.Valid {
		e.PreviousValue = &prev.String
	}
	if next.Valid {
		e.NewValue = &next.String
	}
	if meta.Valid {
		e.Metadata = &meta.String
	}
	e.Notified = notified != 0
	if notifiedAt.Valid {
		e.NotifiedAt = &notifiedAt.Int64
	}
	return &e, nil
}
