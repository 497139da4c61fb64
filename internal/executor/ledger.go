package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS executor_orders (
    signal_id    TEXT PRIMARY KEY,
    order_id     TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    quantity     DOUBLE PRECISION NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL
)`

// ledgerPool is the slice of pgxpool.Pool the ledger needs; tests
// substitute a pgxmock pool.
type ledgerPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger is the optional Postgres record of submitted orders. It exists
// for reconciliation against broker statements; the executor keeps
// working when it is absent.
type Ledger struct {
	pool ledgerPool
	log  zerolog.Logger
}

// NewLedger connects to Postgres and ensures the orders table exists.
func NewLedger(ctx context.Context, databaseURL string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger connect: %w", err)
	}
	l := &Ledger{pool: pool, log: config.NewLogger("order_ledger")}
	if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return l, nil
}

// newLedgerWithPool is the test constructor.
func newLedgerWithPool(pool ledgerPool) *Ledger {
	return &Ledger{pool: pool, log: config.NewLogger("order_ledger")}
}

// Record persists one submitted order. Replays of the same signal hit
// the primary key and are ignored.
func (l *Ledger) Record(ctx context.Context, signalID, orderID, symbol string, quantity float64, submittedAt time.Time) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO executor_orders (signal_id, order_id, symbol, quantity, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signal_id) DO NOTHING`,
		signalID, orderID, symbol, quantity, submittedAt.UTC())
	if err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}
