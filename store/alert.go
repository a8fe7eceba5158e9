package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// InsertAlert records one operator alert and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a *ScraperAlert) (string, error) {
	if a.ID == "" {
		a.ID = s.id("alert")
	}
	delivered, err := json.Marshal(a.DeliveredTo)
	if err != nil {
		return "", fmt.Errorf("marshal delivered_to: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scraper_alerts (id, type, severity, title, message, data,
			delivered_to, acknowledged, acknowledged_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Severity, a.Title, a.Message, nullS(a.Data),
		string(delivered), boolInt(a.Acknowledged), nullI64(a.AcknowledgedAt), a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	return a.ID, nil
}

// LastAlertAt returns the creation time of the most recent alert of a type,
// or 0 when none exists. Backs the per-type cooldown.
func (s *Store) LastAlertAt(ctx context.Context, alertType string) (int64, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM scraper_alerts
		WHERE type = ? ORDER BY created_at DESC LIMIT 1`, alertType).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last alert at: %w", err)
	}
	return at, nil
}

// ListRecentAlerts returns alerts newest first, capped at limit.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]*ScraperAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, title, message, data,
			delivered_to, acknowledged, acknowledged_at, created_at
		FROM scraper_alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*ScraperAlert
	for rows.Next() {
		var (
			a         ScraperAlert
			data      sql.NullString
			delivered string
			acked     int
			ackedAt   sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Message,
			&data, &delivered, &acked, &ackedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if data.Valid {
			a.Data = &data.String
		}
		a.Acknowledged = acked != 0
		if ackedAt.Valid {
			a.AcknowledgedAt = &ackedAt.Int64
		}
		if err := json.Unmarshal([]byte(delivered), &a.DeliveredTo); err != nil {
			return nil, fmt.Errorf("decode delivered_to: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
