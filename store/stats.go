package store

import (
	"context"
	"fmt"
)

// Stats is the aggregate snapshot the health endpoint reports.
type Stats struct {
	Retailers       int            `json:"retailers"`
	ActiveRetailers int            `json:"activeRetailers"`
	Brands          int            `json:"brands"`
	Products        int            `json:"products"`
	InventoryRows   int            `json:"inventoryRows"`
	Snapshots24h    int            `json:"snapshots24h"`
	Events24h       map[string]int `json:"events24h"`
	QueueDepth      map[string]int `json:"queueDepth"`
	DeadLetters     int            `json:"unresolvedDeadLetters"`
	LastJobAt       int64          `json:"lastJobAt"`
}

// GatherStats runs the counting queries behind the health endpoint. cutoff
// bounds the 24h windows; now feeds the dead-letter window.
func (s *Store) GatherStats(ctx context.Context, cutoff int64) (*Stats, error) {
	st := &Stats{}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM retailers`, &st.Retailers},
		{`SELECT COUNT(*) FROM retailers WHERE is_active = 1`, &st.ActiveRetailers},
		{`SELECT COUNT(*) FROM brands`, &st.Brands},
		{`SELECT COUNT(*) FROM products`, &st.Products},
		{`SELECT COUNT(*) FROM current_inventory`, &st.InventoryRows},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("gather stats: %w", err)
		}
	}

	var err error
	if st.Snapshots24h, err = s.CountSnapshotsSince(ctx, cutoff); err != nil {
		return nil, err
	}
	if st.Events24h, err = s.CountEventsSince(ctx, cutoff); err != nil {
		return nil, err
	}
	if st.QueueDepth, err = s.CountQueueByStatus(ctx); err != nil {
		return nil, err
	}
	if st.DeadLetters, err = s.CountUnresolvedDeadLetters(ctx, cutoff); err != nil {
		return nil, err
	}
	jobs, err := s.JobStatsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	st.LastJobAt = jobs.LastRunAt
	return st, nil
}
