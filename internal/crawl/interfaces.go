package crawl

import (
	"context"
	"time"
)

// RequestQueue is the ordered, deduplicated source of pending work. The
// queue, not the engine, is the source of truth for dedup by fingerprint,
// and it must never hand the same request to two concurrent callers before
// it is marked in-progress.
type RequestQueue interface {
	// Add enqueues a request. It returns false when a request with the same
	// fingerprint is already known, in which case the queue is unchanged.
	Add(ctx context.Context, req *Request) (bool, error)

	// FetchNext returns the next eligible request and marks it in-progress,
	// or (nil, nil) when nothing is currently eligible.
	FetchNext(ctx context.Context) (*Request, error)

	// MarkHandled removes an in-progress request from active processing.
	MarkHandled(ctx context.Context, req *Request) error

	// Reclaim returns an in-progress request to the pending set. The request
	// becomes eligible again no earlier than eligibleAt.
	Reclaim(ctx context.Context, req *Request, eligibleAt time.Time) error

	// IsFinished reports true only when no request is pending, in-progress,
	// or awaiting retry.
	IsFinished(ctx context.Context) (bool, error)

	// PendingCount returns the number of requests not yet terminally handled.
	PendingCount(ctx context.Context) (int64, error)
}

// Dataset is an append-only sink for handler results.
type Dataset interface {
	Push(ctx context.Context, record map[string]any) error
}

// KeyValueStore persists named artifacts (page bodies, screenshots).
type KeyValueStore interface {
	SetValue(ctx context.Context, key string, contentType string, value []byte) error
}

// Publisher pushes run events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed request is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, retries int) bool
	Backoff(retries int) time.Duration
}

// FailedRequestHandler is invoked exactly once for each request that
// exhausts its retry budget or fails terminally. Implementations must not
// panic; the engine does not guard against it.
type FailedRequestHandler func(req *Request, history []FailureRecord)

// Clock returns the current time (swapped out in tests).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }
