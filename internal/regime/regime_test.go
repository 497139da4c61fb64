package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
	"github.com/quantsignals/signalforge/internal/sources"
)

func snapFromCloses(closes []float64, rangePct float64) *sources.Snapshot {
	snap := &sources.Snapshot{Symbol: "TEST", FetchedAt: time.Now()}
	base := time.Now().Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		snap.Candles = append(snap.Candles, sources.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c * (1 + rangePct),
			Low:       c * (1 - rangePct),
			Close:     c,
			Volume:    1000,
		})
	}
	snap.Price = closes[len(closes)-1]
	return snap
}

func TestClassifyTrending(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	d := NewDetector(config.RegimeConfig{})
	r := d.Classify("TEST", snapFromCloses(closes, 0.002))
	assert.Equal(t, signal.RegimeTrending, r.Regime)
	assert.Greater(t, r.ADX, 25.0)
	assert.Greater(t, r.Slope, 0.0)
}

// The detector must classify the same way whether its thresholds come
// from the zero-value backfill or from the shipped configuration
// defaults. Slope thresholds are fractional drift per bar, so a default
// in percent terms would make TRENDING unreachable.
func TestClassifyTrendingWithLoadedDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	d := NewDetector(cfg.Regime)
	r := d.Classify("TEST", snapFromCloses(closes, 0.002))
	assert.Equal(t, signal.RegimeTrending, r.Regime)
}

func TestClassifyVolatileDominatesTrend(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	// Wide bar ranges push ATR% past the volatile threshold.
	d := NewDetector(config.RegimeConfig{})
	r := d.Classify("TEST", snapFromCloses(closes, 0.04))
	assert.Equal(t, signal.RegimeVolatile, r.Regime)
}

func TestClassifyConsolidation(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + 0.05*float64(i%3)
	}
	d := NewDetector(config.RegimeConfig{})
	r := d.Classify("TEST", snapFromCloses(closes, 0.001))
	assert.Equal(t, signal.RegimeConsolidation, r.Regime)
}

func TestClassifyUnknownOnShortWindow(t *testing.T) {
	d := NewDetector(config.RegimeConfig{})
	r := d.Classify("TEST", snapFromCloses([]float64{1, 2, 3}, 0.001))
	assert.Equal(t, signal.RegimeUnknown, r.Regime)

	r = d.Classify("NILSNAP", nil)
	assert.Equal(t, signal.RegimeUnknown, r.Regime)
}

func TestClassifyCaches(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	d := NewDetector(config.RegimeConfig{CacheTTL: time.Hour})
	first := d.Classify("TEST", snapFromCloses(closes, 0.002))

	// A radically different snapshot is ignored while the cache is fresh.
	flat := make([]float64, 200)
	for i := range flat {
		flat[i] = 100
	}
	second := d.Classify("TEST", snapFromCloses(flat, 0.001))
	assert.Equal(t, first.Regime, second.Regime)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)

	d.Invalidate("TEST")
	third := d.Classify("TEST", snapFromCloses(flat, 0.001))
	assert.NotEqual(t, first.Regime, third.Regime)
}
