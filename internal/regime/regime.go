// Package regime classifies the market state per symbol from the candle
// window: TRENDING, CONSOLIDATION, VOLATILE, or UNKNOWN. Classifications
// are cached per symbol because the rules are stable within minutes.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/indicators"
	"github.com/quantsignals/signalforge/internal/signal"
	"github.com/quantsignals/signalforge/internal/sources"
)

// Reading is one classification with the inputs that produced it.
type Reading struct {
	Regime     signal.Regime
	ADX        float64
	ATRPct     float64
	Slope      float64
	ComputedAt time.Time
}

// Detector applies the rule thresholds over indicator readings and
// caches results per symbol.
type Detector struct {
	cfg config.RegimeConfig
	log zerolog.Logger
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]Reading
}

// NewDetector builds a detector with the configured thresholds.
func NewDetector(cfg config.RegimeConfig) *Detector {
	if cfg.WindowBars <= 0 {
		cfg.WindowBars = 200
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.ADXTrending <= 0 {
		cfg.ADXTrending = 25
	}
	if cfg.ATRPctVolatile <= 0 {
		cfg.ATRPctVolatile = 3.0
	}
	if cfg.SlopeTrendStrength <= 0 {
		cfg.SlopeTrendStrength = 0.0005
	}
	return &Detector{
		cfg:   cfg,
		log:   config.NewLogger("regime"),
		now:   time.Now,
		cache: make(map[string]Reading),
	}
}

// Classify returns the regime for a symbol, serving from cache when the
// previous reading is fresh. The cache is keyed by symbol alone: a
// streaming window gains a bar every cycle, so a window-derived key
// would never repeat inside the TTL. Indicator failures degrade to
// UNKNOWN rather than failing the cycle.
func (d *Detector) Classify(symbol string, snap *sources.Snapshot) Reading {
	d.mu.RLock()
	cached, ok := d.cache[symbol]
	d.mu.RUnlock()
	if ok && d.now().Sub(cached.ComputedAt) < d.cfg.CacheTTL {
		return cached
	}

	reading := d.compute(symbol, snap)

	d.mu.Lock()
	d.cache[symbol] = reading
	d.mu.Unlock()
	return reading
}

func (d *Detector) compute(symbol string, snap *sources.Snapshot) Reading {
	reading := Reading{Regime: signal.RegimeUnknown, ComputedAt: d.now()}

	if snap == nil || len(snap.Candles) < 30 {
		d.log.Debug().Str("symbol", symbol).Msg("Insufficient candles for regime, defaulting to UNKNOWN")
		return reading
	}

	window := snap.Candles
	if len(window) > d.cfg.WindowBars {
		window = window[len(window)-d.cfg.WindowBars:]
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, c := range window {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	adx, errADX := indicators.ADX(highs, lows, closes, 14)
	atrPct, errATR := indicators.ATRPct(highs, lows, closes, 14)
	slope, errSlope := indicators.RegressionSlope(closes)
	if errADX != nil || errATR != nil || errSlope != nil {
		d.log.Debug().
			Str("symbol", symbol).
			AnErr("adx", errADX).
			AnErr("atr", errATR).
			AnErr("slope", errSlope).
			Msg("Indicator failure, regime UNKNOWN")
		return reading
	}

	reading.ADX = adx
	reading.ATRPct = atrPct
	reading.Slope = slope

	// Volatility dominates: a violent tape is VOLATILE even when it trends.
	switch {
	case atrPct >= d.cfg.ATRPctVolatile:
		reading.Regime = signal.RegimeVolatile
	case adx >= d.cfg.ADXTrending && math.Abs(slope) >= d.cfg.SlopeTrendStrength:
		reading.Regime = signal.RegimeTrending
	default:
		reading.Regime = signal.RegimeConsolidation
	}

	d.log.Debug().
		Str("symbol", symbol).
		Str("regime", string(reading.Regime)).
		Float64("adx", adx).
		Float64("atr_pct", atrPct).
		Float64("slope", slope).
		Msg("Regime classified")

	return reading
}

// Invalidate drops a cached reading, used by tests and by the generator
// after a data gap.
func (d *Detector) Invalidate(symbol string) {
	d.mu.Lock()
	delete(d.cache, symbol)
	d.mu.Unlock()
}
