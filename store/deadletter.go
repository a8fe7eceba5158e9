package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordDeadLetter collapses repeated failures of the same kind for the same
// retailer into one unresolved row, bumping attempts and lastAttemptAt.
func (s *Store) RecordDeadLetter(ctx context.Context, retailerID, errorType, message string, at int64) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM dead_letters
		WHERE retailer_id = ? AND error_type = ? AND resolved_at IS NULL`,
		retailerID, errorType).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = s.id("dlq")
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (id, retailer_id, error_type, error_message,
				first_attempt_at, last_attempt_at, attempts)
			VALUES (?, ?, ?, ?, ?, ?, 1)`,
			id, retailerID, errorType, message, at, at)
		if err != nil {
			return "", fmt.Errorf("insert dead letter: %w", err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("find dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE dead_letters SET attempts = attempts + 1, last_attempt_at = ?, error_message = ?
		WHERE id = ?`, at, message, id)
	if err != nil {
		return "", fmt.Errorf("bump dead letter: %w", err)
	}
	return id, nil
}

// ResolveDeadLetters marks every unresolved entry for a retailer resolved.
// Called after the retailer scrapes cleanly again.
func (s *Store) ResolveDeadLetters(ctx context.Context, retailerID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET resolved_at = ?
		WHERE retailer_id = ? AND resolved_at IS NULL`, at, retailerID)
	if err != nil {
		return fmt.Errorf("resolve dead letters for %s: %w", retailerID, err)
	}
	return nil
}

// CountUnresolvedDeadLetters counts unresolved entries last touched at or
// after the cutoff.
func (s *Store) CountUnresolvedDeadLetters(ctx context.Context, cutoff int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letters
		WHERE resolved_at IS NULL AND last_attempt_at >= ?`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// CountDeadLettersByType counts unresolved entries of one error type last
// touched at or after the cutoff. The health monitor uses it for the
// blocked-retailer condition.
func (s *Store) CountDeadLettersByType(ctx context.Context, errorType string, cutoff int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letters
		WHERE resolved_at IS NULL AND error_type = ? AND last_attempt_at >= ?`,
		errorType, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters by type: %w", err)
	}
	return n, nil
}

// ListUnresolvedDeadLetters returns unresolved entries, most recent first.
func (s *Store) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, error_type, error_message,
			first_attempt_at, last_attempt_at, attempts, resolved_at
		FROM dead_letters WHERE resolved_at IS NULL
		ORDER BY last_attempt_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var (
			d        DeadLetter
			resolved sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.RetailerID, &d.ErrorType, &d.ErrorMessage,
			&d.FirstAttemptAt, &d.LastAttemptAt, &d.Attempts, &resolved); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if resolved.Valid {
			d.ResolvedAt = &resolved.Int64
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
