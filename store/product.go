package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const productCols = `id, brand_id, name, normalized_name, category, subcategory, strain,
	weight_amount, weight_unit, thc_min, thc_max, cbd_min, cbd_max,
	image_url, is_active, first_seen_at, last_seen_at`

// GetProductByKey resolves a product by its (brand, normalized name) identity.
func (s *Store) GetProductByKey(ctx context.Context, brandID, normalized string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productCols+` FROM products
		WHERE brand_id = ? AND normalized_name = ?`, brandID, normalized)
	return scanProduct(row)
}

// GetProduct loads one product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

// CreateProduct inserts a product, assigning it a generated id.
func (s *Store) CreateProduct(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = s.id("product")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BrandID, p.Name, p.NormalizedName, p.Category,
		nullS(p.Subcategory), nullS(p.Strain),
		nullF(p.WeightAmount), nullS(p.WeightUnit),
		nullF(p.THCMin), nullF(p.THCMax), nullF(p.CBDMin), nullF(p.CBDMax),
		p.ImageURL, boolInt(p.IsActive), p.FirstSeenAt, p.LastSeenAt)
	if err != nil {
		return fmt.Errorf("create product %q: %w", p.Name, err)
	}
	return nil
}

// TouchProduct bumps lastSeenAt and fills cannabinoid or image fields the
// original row was missing.
func (s *Store) TouchProduct(ctx context.Context, p *Product, seenAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE products SET last_seen_at = ?, is_active = 1,
			thc_min = COALESCE(thc_min, ?), thc_max = COALESCE(thc_max, ?),
			cbd_min = COALESCE(cbd_min, ?), cbd_max = COALESCE(cbd_max, ?),
			strain = COALESCE(strain, ?),
			image_url = CASE WHEN image_url = '' THEN ? ELSE image_url END
		WHERE id = ?`,
		seenAt, nullF(p.THCMin), nullF(p.THCMax), nullF(p.CBDMin), nullF(p.CBDMax),
		nullS(p.Strain), p.ImageURL, p.ID)
	if err != nil {
		return fmt.Errorf("touch product %s: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row rowScanner) (*Product, error) {
	var (
		p                    Product
		subcategory, strain  sql.NullString
		wAmount              sql.NullFloat64
		wUnit                sql.NullString
		thcMin, thcMax       sql.NullFloat64
		cbdMin, cbdMax       sql.NullFloat64
		active               int
	)
	err := row.Scan(&p.ID, &p.BrandID, &p.Name, &p.NormalizedName, &p.Category,
		&subcategory, &strain, &wAmount, &wUnit,
		&thcMin, &thcMax, &cbdMin, &cbdMax,
		&p.ImageURL, &active, &p.FirstSeenAt, &p.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	if subcategory.Valid {
		p.Subcategory = &subcategory.String
	}
	if strain.Valid {
		p.Strain = &strain.String
	}
	if wAmount.Valid {
		p.WeightAmount = &wAmount.Float64
	}
	if wUnit.Valid {
		p.WeightUnit = &wUnit.String
	}
	if thcMin.Valid {
		p.THCMin = &thcMin.Float64
	}
	if thcMax.Valid {
		p.THCMax = &thcMax.Float64
	}
	if cbdMin.Valid {
		p.CBDMin = &cbdMin.Float64
	}
	if cbdMax.Valid {
		p.CBDMax = &cbdMax.Float64
	}
	p.IsActive = active != 0
	return &p, nil
}
