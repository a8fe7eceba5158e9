package store

import (
	"context"
	"fmt"
)

// InsertJob records one per-retailer scrape outcome.
func (s *Store) InsertJob(ctx context.Context, j *ScrapeJob) (string, error) {
	if j.ID == "" {
		j.ID = s.id("job")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (id, retailer_id, source_platform, source_url, batch_id,
			status, started_at, completed_at, items_scraped, items_failed, error_message, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RetailerID, j.SourcePlatform, j.SourceURL, j.BatchID,
		j.Status, j.StartedAt, j.CompletedAt, j.ItemsScraped, j.ItemsFailed,
		j.ErrorMessage, j.RetryCount)
	if err != nil {
		return "", fmt.Errorf("insert scrape job: %w", err)
	}
	return j.ID, nil
}

// JobStats summarizes scrape jobs completed at or after the cutoff.
type JobStats struct {
	Total     int
	Failed    int
	LastRunAt int64
}

// JobStatsSince aggregates job counts for the health monitor.
func (s *Store) JobStatsSince(ctx context.Context, cutoff int64) (JobStats, error) {
	var st JobStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(completed_at), 0)
		FROM scrape_jobs WHERE completed_at >= ?`, cutoff).
		Scan(&st.Total, &st.Failed, &st.LastRunAt)
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return st, nil
}

// ListJobsByBatch returns the jobs a batch recorded, in insertion order.
func (s *Store) ListJobsByBatch(ctx context.Context, batchID string) ([]*ScrapeJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, source_platform, source_url, batch_id,
			status, started_at, completed_at, items_scraped, items_failed, error_message, retry_count
		FROM scrape_jobs WHERE batch_id = ? ORDER BY completed_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []*ScrapeJob
	for rows.Next() {
		var j ScrapeJob
		if err := rows.Scan(&j.ID, &j.RetailerID, &j.SourcePlatform, &j.SourceURL,
			&j.BatchID, &j.Status, &j.StartedAt, &j.CompletedAt,
			&j.ItemsScraped, &j.ItemsFailed, &j.ErrorMessage, &j.RetryCount); err != nil {
			return nil, fmt.Errorf("scan scrape job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
