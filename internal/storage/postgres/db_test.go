package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrateAppliesEmbeddedSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	require.Contains(t, Schema(), "CREATE TABLE IF NOT EXISTS crawl_tasks")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	err := Migrate(context.Background(), mock)
	require.ErrorContains(t, err, "apply schema")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn")

	_, err = Connect(context.Background(), Config{DSN: "://not a dsn"})
	require.ErrorContains(t, err, "parse postgres dsn")
}
