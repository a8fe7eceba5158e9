package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const queueCols = `id, webhook_url, payload, event_ids, notification_type,
	attempt_number, status, created_at, last_attempt_at, next_retry_at,
	delivered_at, error_message`

// EnqueueNotification inserts a pending redelivery entry.
func (s *Store) EnqueueNotification(ctx context.Context, q *QueueEntry) (string, error) {
	if q.ID == "" {
		q.ID = s.id("queue")
	}
	if q.Status == "" {
		q.Status = QueuePending
	}
	ids, err := json.Marshal(q.EventIDs)
	if err != nil {
		return "", fmt.Errorf("marshal event ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_queue (`+queueCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.WebhookURL, q.Payload, string(ids), q.NotificationType,
		q.AttemptNumber, q.Status, q.CreatedAt, nullI64(q.LastAttemptAt),
		nullI64(q.NextRetryAt), nullI64(q.DeliveredAt), q.ErrorMessage)
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return q.ID, nil
}

// GetPendingByWebhook returns the pending entry for a webhook URL, if any.
// The dispatcher collapses repeat failures for the same destination onto it.
func (s *Store) GetPendingByWebhook(ctx context.Context, webhookURL string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueCols+` FROM notification_queue
		WHERE webhook_url = ? AND status = ? LIMIT 1`, webhookURL, QueuePending)
	return scanQueueEntry(row)
}

// UpdateQueueEntry rewrites a pending entry's payload and retry bookkeeping.
func (s *Store) UpdateQueueEntry(ctx context.Context, q *QueueEntry) error {
	ids, err := json.Marshal(q.EventIDs)
	if err != nil {
		return fmt.Errorf("marshal event ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE notification_queue SET payload = ?, event_ids = ?, attempt_number = ?,
			status = ?, last_attempt_at = ?, next_retry_at = ?, delivered_at = ?,
			error_message = ?
		WHERE id = ?`,
		q.Payload, string(ids), q.AttemptNumber, q.Status,
		nullI64(q.LastAttemptAt), nullI64(q.NextRetryAt), nullI64(q.DeliveredAt),
		q.ErrorMessage, q.ID)
	if err != nil {
		return fmt.Errorf("update queue entry %s: %w", q.ID, err)
	}
	return nil
}

// DueQueueEntries returns pending entries whose retry time has arrived,
// oldest first, capped at limit.
func (s *Store) DueQueueEntries(ctx context.Context, now int64, limit int) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueCols+` FROM notification_queue
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`, QueuePending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due queue entries: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CountQueueByStatus reports queue depth per status.
func (s *Store) CountQueueByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		q         QueueEntry
		ids       string
		lastAt    sql.NullInt64
		nextAt    sql.NullInt64
		delivered sql.NullInt64
	)
	err := row.Scan(&q.ID, &q.WebhookURL, &q.Payload, &ids, &q.NotificationType,
		&q.AttemptNumber, &q.Status, &q.CreatedAt, &lastAt, &nextAt,
		&delivered, &q.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	if lastAt.Valid {
		q.LastAttemptAt = &lastAt.Int64
	}
	if nextAt.Valid {
		q.NextRetryAt = &nextAt.Int64
	}
	if delivered.Valid {
		q.DeliveredAt = &delivered.Int64
	}
	if err := json.Unmarshal([]byte(ids), &q.EventIDs); err != nil {
		return nil, fmt.Errorf("decode event ids: %w", err)
	}
	return &q, nil
}
