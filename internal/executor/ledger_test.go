package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordsOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	submittedAt := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO executor_orders").
		WithArgs("sig-1", "ord-1", "BTC-USD", 0.05, submittedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ledger := newLedgerWithPool(mock)
	require.NoError(t, ledger.Record(context.Background(), "sig-1", "ord-1", "BTC-USD", 0.05, submittedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerReplayConflictIsSilent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	submittedAt := time.Now().UTC()
	mock.ExpectExec("INSERT INTO executor_orders").
		WithArgs("sig-1", "ord-1", "AAPL", 10.0, submittedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ledger := newLedgerWithPool(mock)
	assert.NoError(t, ledger.Record(context.Background(), "sig-1", "ord-1", "AAPL", 10.0, submittedAt))
}

func TestLedgerWrapsErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO executor_orders").
		WillReturnError(errors.New("connection refused"))

	ledger := newLedgerWithPool(mock)
	err = ledger.Record(context.Background(), "sig-1", "ord-1", "AAPL", 10.0, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger insert")
}
