package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetBrand loads one brand by id.
func (s *Store) GetBrand(ctx context.Context, id string) (*Brand, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, aliases, category, is_verified, first_seen_at
		FROM brands WHERE id = ?`, id)
	return scanBrand(row)
}

// GetBrandByNormalized looks a brand up by its normalized (slugged) name.
func (s *Store) GetBrandByNormalized(ctx context.Context, normalized string) (*Brand, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, aliases, category, is_verified, first_seen_at
		FROM brands WHERE normalized_name = ?`, normalized)
	return scanBrand(row)
}

// CreateBrand inserts a new brand and returns it with a generated id.
// category may be empty when the first sighting had no usable category.
func (s *Store) CreateBrand(ctx context.Context, name, normalized, category string, firstSeenAt int64) (*Brand, error) {
	b := &Brand{
		ID:             s.id("brand"),
		Name:           name,
		NormalizedName: normalized,
		Aliases:        []string{},
		FirstSeenAt:    firstSeenAt,
	}
	if category != "" {
		b.Category = &category
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brands (id, name, normalized_name, aliases, category, is_verified, first_seen_at)
		VALUES (?, ?, ?, '[]', ?, 0, ?)`,
		b.ID, b.Name, b.NormalizedName, nullS(b.Category), b.FirstSeenAt)
	if err != nil {
		return nil, fmt.Errorf("create brand %q: %w", name, err)
	}
	return b, nil
}

// AddBrandAlias appends a raw spelling to the brand's alias list if new.
func (s *Store) AddBrandAlias(ctx context.Context, brandID, alias string) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT aliases FROM brands WHERE id = ?`, brandID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load brand aliases: %w", err)
	}
	var aliases []string
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return fmt.Errorf("decode brand aliases: %w", err)
	}
	for _, a := range aliases {
		if a == alias {
			return nil
		}
	}
	aliases = append(aliases, alias)
	enc, err := json.Marshal(aliases)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE brands SET aliases = ? WHERE id = ?`, string(enc), brandID)
	return err
}

func scanBrand(row rowScanner) (*Brand, error) {
	var (
		b        Brand
		aliases  string
		category sql.NullString
		verified int
	)
	err := row.Scan(&b.ID, &b.Name, &b.NormalizedName, &aliases, &category, &verified, &b.FirstSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan brand: %w", err)
	}
	if category.Valid {
		b.Category = &category.String
	}
	b.IsVerified = verified != 0
	if err := json.Unmarshal([]byte(aliases), &b.Aliases); err != nil {
		return nil, fmt.Errorf("decode brand aliases: %w", err)
	}
	return &b, nil
}
