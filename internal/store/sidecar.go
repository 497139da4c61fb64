package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quantsignals/signalforge/internal/signal"
)

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse signal id %q: %w", s, err)
	}
	return id, nil
}

// sidecarDump writes a failed batch to signals_failed_<timestamp>.jsonl,
// one canonical-JSON signal per line, so no signal is ever silently
// lost when the database refuses a batch.
func (s *Store) sidecarDump(batch []*signal.Signal) {
	dir := s.cfg.SidecarDir
	if dir == "" {
		dir = filepath.Dir(s.cfg.Path)
	}
	name := fmt.Sprintf("signals_failed_%s.jsonl", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Cannot open sidecar file, signals lost")
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	written := 0
	for _, sig := range batch {
		if err := enc.Encode(sig); err != nil {
			s.log.Error().Err(err).Str("signal_id", sig.SignalID.String()).Msg("Sidecar write failed")
			continue
		}
		written++
	}
	s.log.Warn().Int("count", written).Str("path", path).Msg("Failed batch written to sidecar")
}
