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

// OrderflowSource votes on volume-weighted accumulation pressure. Each
// bar's volume is attributed to buyers or sellers by where the close
// lands in the bar's range, and the window's net delta drives the vote.
type OrderflowSource struct {
	window int
	log    zerolog.Logger
}

// NewOrderflowSource builds the volume-delta source.
func NewOrderflowSource() *OrderflowSource {
	return &OrderflowSource{
		window: 20,
		log:    config.NewSourceLogger("orderflow"),
	}
}

func (s *OrderflowSource) ID() string { return "orderflow" }

func (s *OrderflowSource) Capabilities() Capabilities {
	return Capabilities{
		Supports:          []SymbolClass{ClassEquity, ClassCrypto},
		RateLimitPerSec:   50,
		StocksSessionOnly: true,
		FeatureSchema: map[string]signal.FeatureKind{
			"delta_ratio":  signal.FeatureNumber,
			"delta_streak": signal.FeatureNumber,
		},
	}
}

func (s *OrderflowSource) FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error) {
	if snap == nil || len(snap.Candles) < s.window {
		return nil, fmt.Errorf("%w: need at least %d candles", ErrMalformed, s.window)
	}
	candles := snap.Candles[len(snap.Candles)-s.window:]

	// Close location value: +1 close at the high, -1 at the low.
	var delta, total float64
	streak := 0
	for _, c := range candles {
		span := c.High - c.Low
		if span <= 0 || c.Volume <= 0 {
			continue
		}
		clv := ((c.Close - c.Low) - (c.High - c.Close)) / span
		delta += clv * c.Volume
		total += c.Volume
		if clv > 0 {
			if streak < 0 {
				streak = 0
			}
			streak++
		} else if clv < 0 {
			if streak > 0 {
				streak = 0
			}
			streak--
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no tradable volume in window", ErrMalformed)
	}
	ratio := delta / total

	verdict := signal.ActionNeutral
	confidence := 50.0
	switch {
	case ratio > 0.15:
		verdict = signal.ActionLong
		confidence = 58 + math.Min(ratio*120, 30)
	case ratio < -0.15:
		verdict = signal.ActionShort
		confidence = 58 + math.Min(-ratio*120, 30)
	}
	// A run of one-sided bars into the window's end confirms the read.
	if verdict != signal.ActionNeutral && math.Abs(float64(streak)) >= 3 {
		confidence += 5
	}

	s.log.Debug().
		Str("symbol", symbol).
		Float64("delta_ratio", ratio).
		Int("delta_streak", streak).
		Str("verdict", string(verdict)).
		Msg("Orderflow verdict")

	return &signal.SourceVerdict{
		SourceID:    s.ID(),
		Verdict:     verdict,
		Confidence:  confidence,
		GeneratedAt: now.UTC(),
		Features: map[string]signal.Feature{
			"delta_ratio":  signal.Num(ratio),
			"delta_streak": signal.Num(float64(streak)),
		},
	}, nil
}
