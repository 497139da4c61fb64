package store

import (
	"context"
	"fmt"
	"time"

	"github.com/quantsignals/signalforge/internal/metrics"
)

// Mismatch identifies one row that failed verification.
type Mismatch struct {
	SignalID string
	Expected string
	Actual   string
}

// IntegrityReport summarizes a verification pass.
type IntegrityReport struct {
	Checked    int
	OK         int
	Mismatches []Mismatch
}

// Clean reports whether the checked range verified without mismatch.
func (r *IntegrityReport) Clean() bool { return len(r.Mismatches) == 0 }

// VerifyIntegrity recomputes every row's digest and checks each chain
// link in insertion order. A zero since/until verifies the whole store.
func (s *Store) VerifyIntegrity(ctx context.Context, since, until time.Time) (*IntegrityReport, error) {
	start := time.Now()
	defer func() {
		metrics.IntegrityCheckDuration.Observe(time.Since(start).Seconds())
	}()

	query := `SELECT * FROM signals WHERE 1=1`
	var args []interface{}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	if !until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY insertion_seq ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("integrity scan: %w", err)
	}
	defer rows.Close()

	report := &IntegrityReport{}
	prevSHA := ""
	first := true

	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("integrity scan row: %w", err)
		}
		report.Checked++

		sig, err := r.toSignal()
		if err != nil {
			report.Mismatches = append(report.Mismatches, Mismatch{
				SignalID: r.SignalID, Expected: r.SHA256, Actual: "unparseable row",
			})
			continue
		}

		digest, err := sig.ComputeSHA256()
		if err != nil || digest != r.SHA256 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				SignalID: r.SignalID, Expected: r.SHA256, Actual: digest,
			})
			continue
		}

		// The first row in a range check may chain into rows outside
		// the range (or into the archive); only verify links we saw.
		if !first && r.PrevSHA256 != prevSHA {
			report.Mismatches = append(report.Mismatches, Mismatch{
				SignalID: r.SignalID, Expected: prevSHA, Actual: r.PrevSHA256,
			})
			prevSHA = r.SHA256
			first = false
			continue
		}

		report.OK++
		prevSHA = r.SHA256
		first = false
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integrity scan: %w", err)
	}

	if n := len(report.Mismatches); n > 0 {
		metrics.IntegrityMismatches.Add(float64(n))
		s.log.Error().Int("mismatches", n).Int("checked", report.Checked).Msg("Integrity verification found mismatches")
		if s.alerter != nil {
			s.alerter.Critical(ctx, fmt.Sprintf("signal store integrity check: %d/%d rows failed verification", n, report.Checked))
		}
	} else {
		s.log.Info().Int("checked", report.Checked).Dur("elapsed", time.Since(start)).Msg("Integrity verification clean")
	}
	return report, nil
}

// Archive moves rows older than cutoff into the archive database,
// preserving the chain: the oldest surviving row keeps its prev_sha256
// pointing at the newest archived row.
func (s *Store) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	archivePath := s.cfg.ArchivePath
	if archivePath == "" {
		return 0, fmt.Errorf("archive path not configured")
	}

	// ATTACH cannot run inside a transaction; the pool is capped at one
	// connection so the attach stays visible to the transaction below.
	if _, err := s.db.ExecContext(ctx, `ATTACH DATABASE ? AS archive`, archivePath); err != nil {
		return 0, fmt.Errorf("attach archive: %w", err)
	}
	defer func() {
		if _, err := s.db.Exec(`DETACH DATABASE archive`); err != nil {
			s.log.Warn().Err(err).Msg("Detach archive failed")
		}
	}()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS archive.signals AS SELECT * FROM main.signals WHERE 0`); err != nil {
		return 0, fmt.Errorf("create archive schema: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO archive.signals
		SELECT * FROM main.signals WHERE created_at < ?`, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}
	moved, _ := res.RowsAffected()

	// The delete trigger allows removal only while archive mode is on.
	if _, err := tx.ExecContext(ctx, `INSERT INTO archive_mode (enabled) VALUES (1)`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM main.signals WHERE created_at < ?`, cutoffStr); err != nil {
		return 0, fmt.Errorf("delete archived rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archive_mode`); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}

	s.log.Info().Int64("moved", moved).Time("cutoff", cutoff).Msg("Rows archived")
	return int(moved), nil
}
