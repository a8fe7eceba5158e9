package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/verdantlabs/menuwatch/dbopen"
	"github.com/verdantlabs/menuwatch/idgen"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every accessor works
// inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite handle and the per-entity ID generators.
type Store struct {
	db    DBTX
	sqlDB *sql.DB
	newID map[string]idgen.Generator
}

// New applies the schema and returns a ready store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:    db,
		sqlDB: db,
		newID: map[string]idgen.Generator{
			"brand":    idgen.Prefixed("brd_", idgen.Default),
			"product":  idgen.Prefixed("prd_", idgen.Default),
			"snapshot": idgen.Prefixed("snp_", idgen.Default),
			"event":    idgen.Prefixed("evt_", idgen.Default),
			"job":      idgen.Prefixed("job_", idgen.Default),
			"dlq":      idgen.Prefixed("dlq_", idgen.Default),
			"queue":    idgen.Prefixed("ntq_", idgen.Default),
			"alert":    idgen.Prefixed("alr_", idgen.Default),
			"watch":    idgen.Prefixed("wch_", idgen.Default),
		},
	}, nil
}

// WithTx runs fn against a transaction-bound copy of the store. The copy
// shares the ID generators; only its db handle differs.
func (s *Store) WithTx(ctx context.Context, fn func(txs *Store) error) error {
	if s.sqlDB == nil {
		return fn(s) // already transactional
	}
	return dbopen.RunTx(ctx, s.sqlDB, func(tx *sql.Tx) error {
		bound := *s
		bound.db = tx
		bound.sqlDB = nil
		return fn(&bound)
	})
}

func (s *Store) id(kind string) string {
	if g, ok := s.newID[kind]; ok {
		return g()
	}
	return idgen.Default()
}

// boolInt maps Go bools to the INTEGER columns SQLite stores them in.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullF(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullI(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullI64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullS(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
