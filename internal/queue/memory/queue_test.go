package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustRequest(t *testing.T, url string) *crawl.Request {
	t.Helper()
	req, err := crawl.NewRequest(url)
	require.NoError(t, err)
	return req
}

// TestAddDeduplicatesByFingerprint verifies two requests with the same
// fingerprint yield exactly one queue entry.
func TestAddDeduplicatesByFingerprint(t *testing.T) {
	t.Parallel()

	q := New(nil)
	ctx := context.Background()

	added, err := q.Add(ctx, mustRequest(t, "https://example.com/a?x=1&y=2"))
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Add(ctx, mustRequest(t, "https://EXAMPLE.com/a?y=2&x=1"))
	require.NoError(t, err)
	require.False(t, added)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// TestFetchNextExclusiveOwnership verifies an in-progress request is never
// handed out twice.
func TestFetchNextExclusiveOwnership(t *testing.T) {
	t.Parallel()

	q := New(nil)
	ctx := context.Background()
	_, err := q.Add(ctx, mustRequest(t, "https://example.com/only"))
	require.NoError(t, err)

	first, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, second)

	finished, err := q.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	require.NoError(t, q.MarkHandled(ctx, first))
	finished, err = q.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

// TestFetchNextFIFO verifies eligible requests come out oldest first.
func TestFetchNextFIFO(t *testing.T) {
	t.Parallel()

	q := New(nil)
	ctx := context.Background()
	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}
	for _, u := range urls {
		_, err := q.Add(ctx, mustRequest(t, u))
		require.NoError(t, err)
	}

	for _, want := range urls {
		req, err := q.FetchNext(ctx)
		require.NoError(t, err)
		require.Equal(t, want, req.URL)
		require.NoError(t, q.MarkHandled(ctx, req))
	}
}

// TestReclaimBackoffGatesEligibility verifies a reclaimed request stays
// invisible until its deadline and the queue is not finished meanwhile.
func TestReclaimBackoffGatesEligibility(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	q := New(clock)
	ctx := context.Background()
	_, err := q.Add(ctx, mustRequest(t, "https://example.com/retry"))
	require.NoError(t, err)

	req, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Reclaim(ctx, req, clock.Now().Add(time.Minute)))

	got, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	finished, err := q.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	clock.advance(2 * time.Minute)
	got, err = q.FetchNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, req.Fingerprint, got.Fingerprint)
}

// TestOwnershipErrors verifies MarkHandled/Reclaim reject requests the
// caller does not own.
func TestOwnershipErrors(t *testing.T) {
	t.Parallel()

	q := New(nil)
	ctx := context.Background()
	req := mustRequest(t, "https://example.com/x")

	require.Error(t, q.MarkHandled(ctx, req))

	_, err := q.Add(ctx, req)
	require.NoError(t, err)
	require.Error(t, q.Reclaim(ctx, req, time.Now()), "pending request cannot be reclaimed")

	fetched, err := q.FetchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkHandled(ctx, fetched))
	require.Error(t, q.MarkHandled(ctx, fetched), "double MarkHandled must fail")
}
