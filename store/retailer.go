package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("store: not found")

// UpsertRetailer inserts or replaces a retailer row keyed by id. Used by
// config seeding at startup. Scrape timestamps survive a replace: the
// retailer-level column is untouched, and incoming menu sources with a zero
// lastScrapedAt inherit the stored timestamp for the same URL, so a restart
// never resets the staleness clock the health monitor reads.
func (s *Store) UpsertRetailer(ctx context.Context, r *Retailer) error {
	merged := make([]MenuSource, len(r.MenuSources))
	copy(merged, r.MenuSources)
	existing, err := s.GetRetailer(ctx, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		stamped := make(map[string]int64, len(existing.MenuSources))
		for _, src := range existing.MenuSources {
			if src.LastScrapedAt > 0 {
				stamped[src.URL] = src.LastScrapedAt
			}
		}
		for i := range merged {
			if merged[i].LastScrapedAt == 0 {
				merged[i].LastScrapedAt = stamped[merged[i].URL]
			}
		}
	}

	sources, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal menu sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retailers (id, name, slug, license_number, street, city, state, zip,
			lat, lng, region, is_active, menu_sources, last_scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, slug = excluded.slug,
			license_number = excluded.license_number,
			street = excluded.street, city = excluded.city,
			state = excluded.state, zip = excluded.zip,
			lat = excluded.lat, lng = excluded.lng, region = excluded.region,
			is_active = excluded.is_active, menu_sources = excluded.menu_sources,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Slug, r.LicenseNumber, r.Street, r.City, r.State, r.Zip,
		nullF(r.Lat), nullF(r.Lng), r.Region, boolInt(r.IsActive), string(sources),
		nullI64(r.LastScrapedAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert retailer %s: %w", r.ID, err)
	}
	return nil
}

// GetRetailer loads one retailer by id.
func (s *Store) GetRetailer(ctx context.Context, id string) (*Retailer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, license_number, street, city, state, zip,
			lat, lng, region, is_active, menu_sources, last_scraped_at, created_at, updated_at
		FROM retailers WHERE id = ?`, id)
	return scanRetailer(row)
}

// ListRetailers returns retailers, optionally only active ones, ordered by name.
func (s *Store) ListRetailers(ctx context.Context, activeOnly bool) ([]*Retailer, error) {
	q := `SELECT id, name, slug, license_number, street, city, state, zip,
		lat, lng, region, is_active, menu_sources, last_scraped_at, created_at, updated_at
		FROM retailers`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list retailers: %w", err)
	}
	defer rows.Close()

	var out []*Retailer
	for rows.Next() {
		r, err := scanRetailer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchRetailerScraped records a successful scrape time on the retailer and
// on the matching menu source.
func (s *Store) TouchRetailerScraped(ctx context.Context, id, sourceURL string, at int64) error {
	r, err := s.GetRetailer(ctx, id)
	if err != nil {
		return err
	}
	for i := range r.MenuSources {
		if r.MenuSources[i].URL == sourceURL {
			r.MenuSources[i].LastScrapedAt = at
		}
	}
	sources, err := json.Marshal(r.MenuSources)
	if err != nil {
		return fmt.Errorf("marshal menu sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE retailers SET last_scraped_at = ?, menu_sources = ?, updated_at = ? WHERE id = ?`,
		at, string(sources), at, id)
	if err != nil {
		return fmt.Errorf("touch retailer %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetailer(row rowScanner) (*Retailer, error) {
	var (
		r       Retailer
		lat     sql.NullFloat64
		lng     sql.NullFloat64
		active  int
		sources string
		last    sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Slug, &r.LicenseNumber, &r.Street, &r.City,
		&r.State, &r.Zip, &lat, &lng, &r.Region, &active, &sources, &last,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan retailer: %w", err)
	}
	if lat.Valid {
		r.Lat = &lat.Float64
	}
	if lng.Valid {
		r.Lng = &lng.Float64
	}
	r.IsActive = active != 0
	if last.Valid {
		r.LastScrapedAt = &last.Int64
	}
	if err := json.Unmarshal([]byte(sources), &r.MenuSources); err != nil {
		return nil, fmt.Errorf("decode menu sources for %s: %w", r.ID, err)
	}
	return &r, nil
}
