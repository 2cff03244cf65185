package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestAddDeduplicates(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)
	req, err := crawl.NewRequest("https://example.com/a")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_requests").
		WithArgs(req.Fingerprint, req.ID, req.URL, req.Method, req.Label, req.Retries, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_requests").
		WithArgs(req.Fingerprint, req.ID, req.URL, req.Method, req.Label, req.Retries, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := q.Add(context.Background(), req)
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Add(context.Background(), req)
	require.NoError(t, err)
	require.False(t, added)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchNextLeasesRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)
	enqueued := time.Now().UTC()

	mock.ExpectQuery("UPDATE crawl_requests SET state = 'in_progress'").
		WillReturnRows(pgxmock.NewRows([]string{
			"fingerprint", "id", "url", "method", "label", "retries",
			"user_data", "error_history", "enqueued_at",
		}).AddRow(
			"fp-1", "id-1", "https://example.com/a", "GET", "detail", 1,
			[]byte(`{"depth":2}`), []byte(`[{"attempt":1,"error":"timeout","at":"2026-01-02T03:04:05Z"}]`), enqueued,
		))

	req, err := q.FetchNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, "fp-1", req.Fingerprint)
	require.Equal(t, "detail", req.Label)
	require.EqualValues(t, 2, req.UserData["depth"])
	require.Len(t, req.ErrorHistory, 1)
	require.Equal(t, "timeout", req.ErrorHistory[0].Error)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchNextEmpty(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)

	mock.ExpectQuery("UPDATE crawl_requests SET state = 'in_progress'").
		WillReturnError(pgx.ErrNoRows)

	req, err := q.FetchNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, req)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkHandledRequiresLease(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)
	req := &crawl.Request{ID: "id-1", Fingerprint: "fp-1"}

	mock.ExpectExec("UPDATE crawl_requests SET state = 'handled'").
		WithArgs("fp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.Error(t, q.MarkHandled(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimWritesBackoffDeadline(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)
	req := &crawl.Request{ID: "id-1", Fingerprint: "fp-1", Retries: 2}
	eligibleAt := time.Now().Add(time.Minute)

	mock.ExpectExec("UPDATE crawl_requests").
		WithArgs("fp-1", 2, pgxmock.AnyArg(), eligibleAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Reclaim(context.Background(), req, eligibleAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsFinished(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	q := New(mock)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	finished, err := q.IsFinished(context.Background())
	require.NoError(t, err)
	require.True(t, finished)

	require.NoError(t, mock.ExpectationsWereMet())
}
