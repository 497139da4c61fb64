package quality

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// artifactConstraint is the range of calibration artifact versions this
// build understands. Artifacts outside the range are refused at load.
const artifactConstraint = ">= 1.0.0, < 2.0.0"

// Artifact is a pre-fit piecewise-linear confidence calibration curve.
// It is immutable after load; reloads swap the whole handle.
type Artifact struct {
	Version  string  `json:"version"`
	FittedAt string  `json:"fitted_at"`
	Knots    []Knot  `json:"knots"`
}

// Knot maps a raw confidence to a calibrated one. Knots are sorted by
// Raw at load time.
type Knot struct {
	Raw        float64 `json:"raw"`
	Calibrated float64 `json:"calibrated"`
}

// Apply interpolates the calibrated confidence for a raw one.
func (a *Artifact) Apply(raw float64) float64 {
	if len(a.Knots) == 0 {
		return raw
	}
	if raw <= a.Knots[0].Raw {
		return a.Knots[0].Calibrated
	}
	last := a.Knots[len(a.Knots)-1]
	if raw >= last.Raw {
		return last.Calibrated
	}
	for i := 1; i < len(a.Knots); i++ {
		lo, hi := a.Knots[i-1], a.Knots[i]
		if raw <= hi.Raw {
			frac := (raw - lo.Raw) / (hi.Raw - lo.Raw)
			return lo.Calibrated + frac*(hi.Calibrated-lo.Calibrated)
		}
	}
	return raw
}

// Calibrator holds the active artifact behind an atomic pointer so a
// reload never races a cycle in flight. A nil artifact is the identity
// calibration.
type Calibrator struct {
	artifact atomic.Pointer[Artifact]
	log      zerolog.Logger
}

// NewCalibrator starts with no artifact loaded.
func NewCalibrator() *Calibrator {
	return &Calibrator{log: config.NewLogger("calibrator")}
}

// LoadFile parses and validates an artifact file, then swaps it in.
func (c *Calibrator) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read calibration artifact: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return fmt.Errorf("parse calibration artifact: %w", err)
	}

	version, err := semver.NewVersion(artifact.Version)
	if err != nil {
		return fmt.Errorf("artifact version %q: %w", artifact.Version, err)
	}
	constraint, err := semver.NewConstraint(artifactConstraint)
	if err != nil {
		return fmt.Errorf("parse version constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("artifact version %s outside supported range %s", artifact.Version, artifactConstraint)
	}
	if len(artifact.Knots) < 2 {
		return fmt.Errorf("artifact needs at least 2 knots, got %d", len(artifact.Knots))
	}

	sort.Slice(artifact.Knots, func(i, j int) bool { return artifact.Knots[i].Raw < artifact.Knots[j].Raw })
	c.artifact.Store(&artifact)

	c.log.Info().
		Str("version", artifact.Version).
		Int("knots", len(artifact.Knots)).
		Msg("Calibration artifact loaded")
	return nil
}

// Calibrate maps a raw confidence through the active artifact.
func (c *Calibrator) Calibrate(raw float64) float64 {
	artifact := c.artifact.Load()
	if artifact == nil {
		return raw
	}
	out := artifact.Apply(raw)
	if out > 100 {
		out = 100
	}
	if out < 0 {
		out = 0
	}
	return out
}
