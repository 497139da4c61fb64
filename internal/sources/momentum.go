package sources

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

// MomentumSource votes on short-horizon rate of change confirmed by
// volume expansion. Equities only make sense intraday, so it is gated
// to the regular session.
type MomentumSource struct {
	lookback int
	log      zerolog.Logger
}

// NewMomentumSource builds the rate-of-change source.
func NewMomentumSource() *MomentumSource {
	return &MomentumSource{
		lookback: 10,
		log:      config.NewSourceLogger("momentum"),
	}
}

func (s *MomentumSource) ID() string { return "momentum" }

func (s *MomentumSource) Capabilities() Capabilities {
	return Capabilities{
		Supports:          []SymbolClass{ClassEquity, ClassCrypto},
		RateLimitPerSec:   50,
		StocksSessionOnly: true,
		FeatureSchema: map[string]signal.FeatureKind{
			"roc_pct":      signal.FeatureNumber,
			"volume_ratio": signal.FeatureNumber,
			"confirmed":    signal.FeatureBool,
		},
	}
}

func (s *MomentumSource) FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error) {
	if snap == nil || len(snap.Candles) < s.lookback+20 {
		return nil, fmt.Errorf("%w: need at least %d candles", ErrMalformed, s.lookback+20)
	}
	candles := snap.Candles
	n := len(candles)

	past := candles[n-1-s.lookback].Close
	last := candles[n-1].Close
	if past == 0 {
		return nil, fmt.Errorf("%w: zero reference close", ErrMalformed)
	}
	rocPct := (last - past) / past * 100

	// Volume ratio of the lookback window against the 20 bars before it.
	var recentVol, baseVol float64
	for _, c := range candles[n-s.lookback:] {
		recentVol += c.Volume
	}
	recentVol /= float64(s.lookback)
	for _, c := range candles[n-s.lookback-20 : n-s.lookback] {
		baseVol += c.Volume
	}
	baseVol /= 20
	volRatio := 1.0
	if baseVol > 0 {
		volRatio = recentVol / baseVol
	}
	confirmed := volRatio >= 1.2

	verdict := signal.ActionNeutral
	confidence := 50.0
	switch {
	case rocPct > 0.5:
		verdict = signal.ActionLong
		confidence = 60 + math.Min(rocPct*8, 25)
	case rocPct < -0.5:
		verdict = signal.ActionShort
		confidence = 60 + math.Min(-rocPct*8, 25)
	}
	if verdict != signal.ActionNeutral && confirmed {
		confidence += 8
	}

	s.log.Debug().
		Str("symbol", symbol).
		Float64("roc_pct", rocPct).
		Float64("volume_ratio", volRatio).
		Str("verdict", string(verdict)).
		Msg("Momentum verdict")

	return &signal.SourceVerdict{
		SourceID:    s.ID(),
		Verdict:     verdict,
		Confidence:  confidence,
		GeneratedAt: now.UTC(),
		Features: map[string]signal.Feature{
			"roc_pct":      signal.Num(rocPct),
			"volume_ratio": signal.Num(volRatio),
			"confirmed":    signal.Flag(confirmed),
		},
	}, nil
}
