// Package postgres persists handler results to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the backing table. Applied out of band by deploy tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS dataset_records (
	id        BIGSERIAL PRIMARY KEY,
	data      JSONB NOT NULL,
	pushed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of pgxpool.Pool the dataset needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Dataset appends handler records as JSONB rows.
type Dataset struct {
	db DB
}

// New wraps an existing connection pool.
func New(db DB) *Dataset {
	return &Dataset{db: db}
}

// Connect dials Postgres and returns a Dataset plus the pool for closing.
func Connect(ctx context.Context, dsn string) (*Dataset, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return New(pool), pool, nil
}

// Push appends one record.
func (d *Dataset) Push(ctx context.Context, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := d.db.Exec(ctx, `INSERT INTO dataset_records (data) VALUES ($1)`, data); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}
