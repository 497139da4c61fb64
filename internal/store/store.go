// Package store persists signals into an embedded SQLite database with
// WAL, batched inserts, a per-row hash chain, and trigger-enforced
// immutability. Append never touches I/O; a background flusher commits
// the pending batch.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// Alerter receives critical store events (flush failures after retry,
// integrity mismatches). The alerts package implements this.
type Alerter interface {
	Critical(ctx context.Context, message string)
}

// row is the database representation of a signal.
type row struct {
	InsertionSeq int64   `db:"insertion_seq"`
	SignalID     string  `db:"signal_id"`
	CreatedAt    string  `db:"created_at"`
	Symbol       string  `db:"symbol"`
	Action       string  `db:"action"`
	EntryPrice   float64 `db:"entry_price"`
	StopPrice    float64 `db:"stop_price"`
	TargetPrice  float64 `db:"target_price"`
	Confidence   float64 `db:"confidence"`
	Regime       string  `db:"regime"`
	SourcesUsed  string  `db:"sources_used"`
	PerSource    string  `db:"per_source"`
	Rationale    string  `db:"rationale"`
	ServiceType  string  `db:"service_type"`
	SHA256       string  `db:"sha256"`
	PrevSHA256   string  `db:"prev_sha256"`

	Outcome       sql.NullString  `db:"outcome"`
	ExitPrice     sql.NullFloat64 `db:"exit_price"`
	PnLPct        sql.NullFloat64 `db:"pnl_pct"`
	ExitTimestamp sql.NullString  `db:"exit_timestamp"`
	OrderID       sql.NullString  `db:"order_id"`
}

// Store owns the signals database and the pending batch.
type Store struct {
	db      *sqlx.DB
	cfg     config.StoreConfig
	alerter Alerter
	log     zerolog.Logger

	mu      sync.Mutex
	notFull *sync.Cond
	pending []*signal.Signal
	lastSHA string
	kick    chan struct{}
	closed  bool
}

// Open opens (or creates) the signals database, applies the schema, and
// loads the chain tip. alerter may be nil.
func Open(cfg config.StoreConfig, alerter Alerter) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(signalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply signals schema: %w", err)
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		alerter: alerter,
		log:     config.NewLogger("store"),
		kick:    make(chan struct{}, 1),
	}
	s.notFull = sync.NewCond(&s.mu)

	if err := s.db.Get(&s.lastSHA,
		`SELECT sha256 FROM signals ORDER BY insertion_seq DESC LIMIT 1`); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("load chain tip: %w", err)
	}

	s.log.Info().Str("path", cfg.Path).Str("chain_tip", s.lastSHA).Msg("Signal store opened")
	return s, nil
}

func openDB(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// A single writer; SQLite serializes anyway and this avoids
	// SQLITE_BUSY churn under concurrent readers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Append enqueues a sealed signal into the pending batch. It never
// performs I/O; the flusher picks the batch up.
func (s *Store) Append(sig *signal.Signal) error {
	if sig.SHA256 == "" {
		return fmt.Errorf("signal %s is not sealed", sig.SignalID)
	}
	if err := sig.ValidateSides(); err != nil {
		return fmt.Errorf("reject append: %w", err)
	}

	s.mu.Lock()
	// Back-pressure: a producer outrunning the flusher blocks here
	// instead of growing the batch without bound.
	for !s.closed && len(s.pending) >= 2*s.cfg.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
		s.notFull.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store closed")
	}
	s.pending = append(s.pending, sig)
	n := len(s.pending)
	s.mu.Unlock()

	metrics.PendingBatchSize.Set(float64(n))
	if n >= s.cfg.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run drives the background flusher until ctx is cancelled, then does a
// final synchronous flush.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n, err := s.Flush(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("Final flush failed")
			} else if n > 0 {
				s.log.Info().Int("count", n).Msg("Final flush complete")
			}
			return
		case <-ticker.C:
			s.flushLogged()
		case <-s.kick:
			s.flushLogged()
		}
	}
}

func (s *Store) flushLogged() {
	if _, err := s.Flush(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("Flush failed")
	}
}

// Flush commits the pending batch in one transaction, assigning
// prev_sha256 in stable order. A failed transaction is retried once;
// a second failure writes the batch to the sidecar file and raises a
// critical alert.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.notFull.Broadcast()
	s.mu.Unlock()
	metrics.PendingBatchSize.Set(0)

	if len(batch) == 0 {
		return 0, nil
	}

	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].SignalID.String() < batch[j].SignalID.String()
	})

	start := time.Now()
	err := s.writeBatch(ctx, batch)
	if err != nil {
		s.log.Warn().Err(err).Int("count", len(batch)).Msg("Batch flush failed, retrying once")
		err = s.writeBatch(ctx, batch)
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushFailures.Inc()
		s.sidecarDump(batch)
		if s.alerter != nil {
			s.alerter.Critical(ctx, fmt.Sprintf("signal store flush failed twice, %d signals written to sidecar: %v", len(batch), err))
		}
		return 0, fmt.Errorf("flush failed after retry: %w", err)
	}

	for _, sig := range batch {
		metrics.SignalsStored.WithLabelValues(string(sig.Action)).Inc()
	}
	s.log.Debug().Int("count", len(batch)).Msg("Batch flushed")
	return len(batch), nil
}

func (s *Store) writeBatch(ctx context.Context, batch []*signal.Signal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prev := s.lastSHA
	for _, sig := range batch {
		sig.PrevSHA256 = prev

		sourcesJSON, err := json.Marshal(sig.SourcesUsed)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		perSourceJSON, err := json.Marshal(sig.PerSourceVerdicts)
		if err != nil {
			return fmt.Errorf("marshal verdicts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signals (
				signal_id, created_at, symbol, action,
				entry_price, stop_price, target_price, confidence,
				regime, sources_used, per_source, rationale, service_type,
				sha256, prev_sha256
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.SignalID.String(), sig.CreatedAt.UTC().Format(time.RFC3339Nano),
			sig.Symbol, string(sig.Action),
			sig.EntryPrice, sig.StopPrice, sig.TargetPrice, sig.Confidence,
			string(sig.Regime), string(sourcesJSON), string(perSourceJSON),
			sig.Rationale, sig.ServiceType,
			sig.SHA256, sig.PrevSHA256,
		); err != nil {
			return fmt.Errorf("insert signal %s: %w", sig.SignalID, err)
		}
		prev = sig.SHA256
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.lastSHA = prev
	return nil
}

// RecentFilter bounds a query_recent call.
type RecentFilter struct {
	Symbol        string
	Since         time.Time
	MinConfidence float64
}

// QueryRecent returns up to limit signals matching the filter, newest
// first. Reads go to the persisted store only and never contend with
// the pending batch.
func (s *Store) QueryRecent(ctx context.Context, filter RecentFilter, limit int) ([]signal.Signal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT * FROM signals WHERE 1=1`
	var args []interface{}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}

	out := make([]signal.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := r.toSignal()
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, nil
}

// OutcomeCounts implements the quality scorer's history lookup: resolved
// outcomes for a symbol inside a confidence band.
func (s *Store) OutcomeCounts(ctx context.Context, symbol string, confLow, confHigh float64, since time.Time) (wins, total int, err error) {
	err = s.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN outcome = 'WIN' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM signals
		WHERE symbol = ?
		  AND confidence BETWEEN ? AND ?
		  AND created_at >= ?
		  AND outcome IS NOT NULL`,
		symbol, confLow, confHigh, since.UTC().Format(time.RFC3339Nano),
	).Scan(&wins, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("outcome counts: %w", err)
	}
	return wins, total, nil
}

// ResolveOutcome records the terminal outcome of a signal. The triggers
// reject a second resolution and any touch of immutable fields.
func (s *Store) ResolveOutcome(ctx context.Context, signalID string, outcome signal.Outcome, exitPrice, pnlPct float64, exitAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET outcome = ?, exit_price = ?, pnl_pct = ?, exit_timestamp = ?
		WHERE signal_id = ?`,
		string(outcome), exitPrice, pnlPct, exitAt.UTC().Format(time.RFC3339Nano), signalID)
	if err != nil {
		return fmt.Errorf("resolve outcome for %s: %w", signalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %s not found", signalID)
	}
	return nil
}

// SetOrderID records the broker order id after a successful execution.
func (s *Store) SetOrderID(ctx context.Context, signalID, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET order_id = ? WHERE signal_id = ? AND order_id IS NULL`,
		orderID, signalID)
	if err != nil {
		return fmt.Errorf("set order id for %s: %w", signalID, err)
	}
	return nil
}

// PendingCount reports the in-memory batch depth.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Ping reports whether the backing database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if _, err := s.Flush(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("Flush during close failed")
	}
	s.mu.Lock()
	s.closed = true
	s.notFull.Broadcast()
	s.mu.Unlock()
	return s.db.Close()
}

func (r *row) toSignal() (*signal.Signal, error) {
	var sig signal.Signal
	id, err := parseUUID(r.SignalID)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", r.InsertionSeq, err)
	}
	sig.SignalID = id

	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("row %d created_at: %w", r.InsertionSeq, err)
	}
	sig.CreatedAt = createdAt

	sig.Symbol = r.Symbol
	sig.Action = signal.Action(r.Action)
	sig.EntryPrice = r.EntryPrice
	sig.StopPrice = r.StopPrice
	sig.TargetPrice = r.TargetPrice
	sig.Confidence = r.Confidence
	sig.Regime = signal.Regime(r.Regime)
	sig.Rationale = r.Rationale
	sig.ServiceType = r.ServiceType
	sig.SHA256 = r.SHA256
	sig.PrevSHA256 = r.PrevSHA256

	if err := json.Unmarshal([]byte(r.SourcesUsed), &sig.SourcesUsed); err != nil {
		return nil, fmt.Errorf("row %d sources_used: %w", r.InsertionSeq, err)
	}
	if err := json.Unmarshal([]byte(r.PerSource), &sig.PerSourceVerdicts); err != nil {
		return nil, fmt.Errorf("row %d per_source: %w", r.InsertionSeq, err)
	}

	if r.Outcome.Valid {
		o := signal.Outcome(r.Outcome.String)
		sig.Outcome = &o
	}
	if r.ExitPrice.Valid {
		sig.ExitPrice = &r.ExitPrice.Float64
	}
	if r.PnLPct.Valid {
		sig.PnLPct = &r.PnLPct.Float64
	}
	if r.ExitTimestamp.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, r.ExitTimestamp.String); err == nil {
			sig.ExitTimestamp = &ts
		}
	}
	if r.OrderID.Valid {
		sig.OrderID = &r.OrderID.String
	}
	return &sig, nil
}
