package store

// signalsSchema creates the signals table, its analytics indexes, and
// the triggers that make persisted rows immutable. The outcome columns
// are the only mutable fields and may transition exactly once from
// NULL to a terminal value.
const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	insertion_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id      TEXT NOT NULL UNIQUE,
	created_at     TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	action         TEXT NOT NULL CHECK (action IN ('LONG','SHORT')),
	entry_price    REAL NOT NULL CHECK (entry_price > 0),
	stop_price     REAL NOT NULL,
	target_price   REAL NOT NULL,
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 100),
	regime         TEXT NOT NULL,
	sources_used   TEXT NOT NULL,
	per_source     TEXT NOT NULL,
	rationale      TEXT NOT NULL DEFAULT '',
	service_type   TEXT NOT NULL DEFAULT '',
	sha256         TEXT NOT NULL,
	prev_sha256    TEXT NOT NULL,
	outcome        TEXT CHECK (outcome IN ('WIN','LOSS','EXPIRED')),
	exit_price     REAL,
	pnl_pct        REAL,
	exit_timestamp TEXT,
	order_id       TEXT
);

CREATE INDEX IF NOT EXISTS idx_signals_created        ON signals (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON signals (symbol, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_confidence     ON signals (confidence DESC);
CREATE INDEX IF NOT EXISTS idx_signals_outcome        ON signals (outcome, created_at);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_conf    ON signals (symbol, confidence DESC);

CREATE TRIGGER IF NOT EXISTS signals_immutable_guard
BEFORE UPDATE ON signals
FOR EACH ROW
WHEN NEW.signal_id    != OLD.signal_id
  OR NEW.created_at   != OLD.created_at
  OR NEW.symbol       != OLD.symbol
  OR NEW.action       != OLD.action
  OR NEW.entry_price  != OLD.entry_price
  OR NEW.stop_price   != OLD.stop_price
  OR NEW.target_price != OLD.target_price
  OR NEW.confidence   != OLD.confidence
  OR NEW.regime       != OLD.regime
  OR NEW.sources_used != OLD.sources_used
  OR NEW.per_source   != OLD.per_source
  OR NEW.rationale    != OLD.rationale
  OR NEW.service_type != OLD.service_type
  OR NEW.sha256       != OLD.sha256
  OR NEW.prev_sha256  != OLD.prev_sha256
BEGIN
	SELECT RAISE(ABORT, 'signal fields are immutable');
END;

CREATE TRIGGER IF NOT EXISTS signals_outcome_once
BEFORE UPDATE ON signals
FOR EACH ROW
WHEN OLD.outcome IS NOT NULL AND NEW.outcome IS NOT OLD.outcome
BEGIN
	SELECT RAISE(ABORT, 'outcome already resolved');
END;

CREATE TABLE IF NOT EXISTS archive_mode (enabled INTEGER);

CREATE TRIGGER IF NOT EXISTS signals_no_delete
BEFORE DELETE ON signals
FOR EACH ROW
WHEN (SELECT COUNT(*) FROM archive_mode) = 0
BEGIN
	SELECT RAISE(ABORT, 'signals are append-only');
END;
`
