package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPushInsertsJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	d := New(mock)

	mock.ExpectExec("INSERT INTO dataset_records").
		WithArgs([]byte(`{"title":"hello","url":"https://example.com/"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = d.Push(context.Background(), map[string]any{
		"url":   "https://example.com/",
		"title": "hello",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
