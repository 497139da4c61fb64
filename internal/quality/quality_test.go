package quality

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	wins  int
	total int
	err   error
}

func (f *fakeHistory) OutcomeCounts(ctx context.Context, symbol string, confLow, confHigh float64, since time.Time) (int, int, error) {
	return f.wins, f.total, f.err
}

func TestScorerSkipsThinHistory(t *testing.T) {
	s := NewScorer(&fakeHistory{wins: 10, total: 19})
	assert.Equal(t, 80.0, s.Adjust(context.Background(), "AAPL", 80))
}

func TestScorerBoostsWinners(t *testing.T) {
	s := NewScorer(&fakeHistory{wins: 80, total: 100})
	adjusted := s.Adjust(context.Background(), "AAPL", 80)
	assert.Greater(t, adjusted, 80.0)
	assert.LessOrEqual(t, adjusted, 85.0, "adjustment is capped at 5 points")
}

func TestScorerPenalizesLosers(t *testing.T) {
	s := NewScorer(&fakeHistory{wins: 0, total: 100})
	adjusted := s.Adjust(context.Background(), "AAPL", 80)
	assert.Equal(t, 75.0, adjusted, "heavy losses hit the -5 cap")
}

func TestScorerSwallowsLookupErrors(t *testing.T) {
	s := NewScorer(&fakeHistory{err: errors.New("db closed")})
	assert.Equal(t, 80.0, s.Adjust(context.Background(), "AAPL", 80))
}

func writeArtifact(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCalibratorIdentityWithoutArtifact(t *testing.T) {
	c := NewCalibrator()
	assert.Equal(t, 77.0, c.Calibrate(77))
}

func TestCalibratorLoadAndInterpolate(t *testing.T) {
	c := NewCalibrator()
	path := writeArtifact(t, `{
		"version": "1.2.0",
		"knots": [
			{"raw": 0, "calibrated": 0},
			{"raw": 80, "calibrated": 70},
			{"raw": 100, "calibrated": 95}
		]
	}`)
	require.NoError(t, c.LoadFile(path))

	assert.Equal(t, 70.0, c.Calibrate(80))
	assert.InDelta(t, 82.5, c.Calibrate(90), 0.001)
	// Out-of-range raw values clamp to the edge knots.
	assert.Equal(t, 95.0, c.Calibrate(120))
}

func TestCalibratorRejectsUnsupportedVersion(t *testing.T) {
	c := NewCalibrator()
	path := writeArtifact(t, `{
		"version": "2.0.0",
		"knots": [{"raw": 0, "calibrated": 0}, {"raw": 100, "calibrated": 100}]
	}`)
	assert.Error(t, c.LoadFile(path))
	// Failed load must not disturb the active artifact.
	assert.Equal(t, 50.0, c.Calibrate(50))
}

func TestCalibratorRejectsDegenerateArtifact(t *testing.T) {
	c := NewCalibrator()
	path := writeArtifact(t, `{"version": "1.0.0", "knots": [{"raw": 50, "calibrated": 50}]}`)
	assert.Error(t, c.LoadFile(path))
}

func TestCalibratorReloadSwapsAtomically(t *testing.T) {
	c := NewCalibrator()
	first := writeArtifact(t, `{"version": "1.0.0", "knots": [{"raw": 0, "calibrated": 10}, {"raw": 100, "calibrated": 90}]}`)
	require.NoError(t, c.LoadFile(first))
	before := c.Calibrate(50)

	second := writeArtifact(t, `{"version": "1.1.0", "knots": [{"raw": 0, "calibrated": 0}, {"raw": 100, "calibrated": 100}]}`)
	require.NoError(t, c.LoadFile(second))
	assert.NotEqual(t, before, c.Calibrate(50))
}
