// Package postgres provides a Postgres-backed request queue so multiple
// engine processes can share one frontier.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

// Schema creates the backing table. Applied out of band by deploy tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_requests (
	fingerprint   TEXT PRIMARY KEY,
	id            TEXT NOT NULL,
	url           TEXT NOT NULL,
	method        TEXT NOT NULL DEFAULT 'GET',
	label         TEXT NOT NULL DEFAULT '',
	retries       INT  NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'pending',
	user_data     JSONB,
	error_history JSONB,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	eligible_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS crawl_requests_fetch_idx
	ON crawl_requests (enqueued_at) WHERE state = 'pending';
`

// DB is the subset of pgxpool.Pool the queue needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue implements crawl.RequestQueue on Postgres. In-progress ownership is
// taken with FOR UPDATE SKIP LOCKED so concurrent fetchers never collide.
type Queue struct {
	db DB
}

// New wraps an existing connection pool.
func New(db DB) *Queue {
	return &Queue{db: db}
}

// Connect dials Postgres and returns a Queue plus the pool for closing.
func Connect(ctx context.Context, dsn string) (*Queue, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return New(pool), pool, nil
}

// Add inserts the request; a fingerprint conflict leaves the table unchanged.
func (q *Queue) Add(ctx context.Context, req *crawl.Request) (bool, error) {
	if req == nil || req.Fingerprint == "" {
		return false, fmt.Errorf("request must carry a fingerprint")
	}
	userData, err := json.Marshal(req.UserData)
	if err != nil {
		return false, fmt.Errorf("marshal user data: %w", err)
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO crawl_requests (fingerprint, id, url, method, label, retries, user_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint) DO NOTHING`,
		req.Fingerprint, req.ID, req.URL, req.Method, req.Label, req.Retries, userData,
	)
	if err != nil {
		return false, fmt.Errorf("insert request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FetchNext leases the oldest eligible request, or returns (nil, nil).
func (q *Queue) FetchNext(ctx context.Context) (*crawl.Request, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE crawl_requests SET state = 'in_progress'
		WHERE fingerprint = (
			SELECT fingerprint FROM crawl_requests
			WHERE state = 'pending' AND eligible_at <= now()
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING fingerprint, id, url, method, label, retries, user_data, error_history, enqueued_at`,
	)

	var (
		req          crawl.Request
		userData     []byte
		errorHistory []byte
	)
	err := row.Scan(
		&req.Fingerprint, &req.ID, &req.URL, &req.Method, &req.Label,
		&req.Retries, &userData, &errorHistory, &req.EnqueuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease request: %w", err)
	}
	if len(userData) > 0 {
		if err := json.Unmarshal(userData, &req.UserData); err != nil {
			return nil, fmt.Errorf("unmarshal user data: %w", err)
		}
	}
	if len(errorHistory) > 0 {
		if err := json.Unmarshal(errorHistory, &req.ErrorHistory); err != nil {
			return nil, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	return &req, nil
}

// MarkHandled removes the lease and retires the request.
func (q *Queue) MarkHandled(ctx context.Context, req *crawl.Request) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE crawl_requests SET state = 'handled'
		WHERE fingerprint = $1 AND state = 'in_progress'`,
		req.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %s is not in progress", req.ID)
	}
	return nil
}

// Reclaim returns a leased request to the pending set with its updated retry
// count and a re-eligibility deadline.
func (q *Queue) Reclaim(ctx context.Context, req *crawl.Request, eligibleAt time.Time) error {
	errorHistory, err := json.Marshal(req.ErrorHistory)
	if err != nil {
		return fmt.Errorf("marshal error history: %w", err)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE crawl_requests
		SET state = 'pending', retries = $2, error_history = $3, eligible_at = $4
		WHERE fingerprint = $1 AND state = 'in_progress'`,
		req.Fingerprint, req.Retries, errorHistory, eligibleAt,
	)
	if err != nil {
		return fmt.Errorf("reclaim request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %s is not in progress", req.ID)
	}
	return nil
}

// IsFinished reports whether any request is still pending or leased.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	var active bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM crawl_requests WHERE state IN ('pending', 'in_progress')
		)`,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check finished: %w", err)
	}
	return !active, nil
}

// PendingCount returns the number of requests not yet terminally handled.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM crawl_requests WHERE state IN ('pending', 'in_progress')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
