// Package audit keeps an append-only, hash-linked record of every
// significant decision: signal emissions, config changes, integrity
// checks, executor verdicts, and shutdowns. Records are never updated
// or deleted; retention is measured in years.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/quantsignals/signalforge/internal/config"
)

// EventType enumerates the auditable events.
type EventType string

const (
	EventSignalEmitted    EventType = "SIGNAL_EMITTED"
	EventConfigChange     EventType = "CONFIG_CHANGE"
	EventIntegrityCheck   EventType = "INTEGRITY_CHECK"
	EventExecutorDecision EventType = "EXECUTOR_DECISION"
	EventDistributorDrop  EventType = "RATE_LIMITED_BY_DISTRIBUTOR"
	EventUndelivered      EventType = "UNDELIVERED"
	EventShutdown         EventType = "SHUTDOWN"
	EventStartup          EventType = "STARTUP"
)

// Record is one audit entry. RecordHash covers all fields except
// itself; PrevHash links to the previous record.
type Record struct {
	RecordID   string    `db:"record_id" json:"record_id"`
	RecordedAt time.Time `db:"-" json:"recorded_at"`
	Event      EventType `db:"event" json:"event"`
	Actor      string    `db:"actor" json:"actor"`
	Details    string    `db:"details" json:"details"`
	RecordHash string    `db:"record_hash" json:"record_hash"`
	PrevHash   string    `db:"prev_hash" json:"prev_hash"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id   TEXT NOT NULL UNIQUE,
	recorded_at TEXT NOT NULL,
	event       TEXT NOT NULL,
	actor       TEXT NOT NULL,
	details     TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	prev_hash   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_event_time ON audit_records (event, recorded_at);

CREATE TRIGGER IF NOT EXISTS audit_no_update
BEFORE UPDATE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit records are immutable');
END;

CREATE TRIGGER IF NOT EXISTS audit_no_delete
BEFORE DELETE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit records are append-only');
END;
`

// Log is the append-only audit store. Writes are serialized so the
// chain order is total.
type Log struct {
	db  *sqlx.DB
	log zerolog.Logger

	mu       sync.Mutex
	lastHash string
}

// Open opens (or creates) the audit database.
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	l := &Log{db: db, log: config.NewLogger("audit")}
	if err := db.Get(&l.lastHash,
		`SELECT record_hash FROM audit_records ORDER BY seq DESC LIMIT 1`); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("load audit chain tip: %w", err)
	}
	return l, nil
}

// Append writes one record. details is marshalled to JSON; a marshal
// failure records the error string instead of dropping the event.
func (l *Log) Append(ctx context.Context, event EventType, actor string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		RecordID:   uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		Event:      event,
		Actor:      actor,
		Details:    string(detailsJSON),
		PrevHash:   l.lastHash,
	}
	rec.RecordHash = hashRecord(&rec)

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_records (record_id, recorded_at, event, actor, details, record_hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RecordID, rec.RecordedAt.Format(time.RFC3339Nano),
		string(rec.Event), rec.Actor, rec.Details, rec.RecordHash, rec.PrevHash,
	); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	l.lastHash = rec.RecordHash
	return nil
}

// hashRecord digests all fields except the hash itself. The format is
// length-prefixed so field boundaries cannot be confused.
func hashRecord(rec *Record) string {
	h := sha256.New()
	for _, field := range []string{
		rec.RecordID,
		rec.RecordedAt.Format(time.RFC3339Nano),
		string(rec.Event),
		rec.Actor,
		rec.Details,
		rec.PrevHash,
	} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the whole chain, recomputing each hash and link.
func (l *Log) Verify(ctx context.Context) (checked int, broken []string, err error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT record_id, recorded_at, event, actor, details, record_hash, prev_hash
		FROM audit_records ORDER BY seq ASC`)
	if err != nil {
		return 0, nil, fmt.Errorf("audit verify scan: %w", err)
	}
	defer rows.Close()

	prev := ""
	first := true
	for rows.Next() {
		var rec Record
		var recordedAt string
		if err := rows.Scan(&rec.RecordID, &recordedAt, &rec.Event, &rec.Actor,
			&rec.Details, &rec.RecordHash, &rec.PrevHash); err != nil {
			return checked, broken, err
		}
		rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			broken = append(broken, rec.RecordID)
			checked++
			continue
		}
		checked++

		if hashRecord(&rec) != rec.RecordHash {
			broken = append(broken, rec.RecordID)
		} else if !first && rec.PrevHash != prev {
			broken = append(broken, rec.RecordID)
		}
		prev = rec.RecordHash
		first = false
	}
	return checked, broken, rows.Err()
}

// Close closes the audit database.
func (l *Log) Close() error { return l.db.Close() }
