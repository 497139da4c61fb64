// Package quality adjusts signal confidence using historical outcomes
// and an optional pre-fit calibration artifact.
package quality

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// HistoryProvider supplies resolved outcome counts for a symbol within
// a confidence band. The store implements this.
type HistoryProvider interface {
	OutcomeCounts(ctx context.Context, symbol string, confLow, confHigh float64, since time.Time) (wins, total int, err error)
}

// Scorer nudges confidence by up to MaxAdjust points based on the
// historical win rate of similar signals.
type Scorer struct {
	history   HistoryProvider
	minSample int
	maxAdjust float64
	lookback  time.Duration
	band      float64
	log       zerolog.Logger
}

// NewScorer builds the scorer with the standard parameters: a 30-day
// lookback, a +-5 confidence band, and at least 20 resolved outcomes
// before any adjustment is applied.
func NewScorer(history HistoryProvider) *Scorer {
	return &Scorer{
		history:   history,
		minSample: 20,
		maxAdjust: 5,
		lookback:  30 * 24 * time.Hour,
		band:      5,
		log:       config.NewLogger("quality_scorer"),
	}
}

// Adjust returns the confidence after the historical nudge. Lookup
// failures and thin history leave the confidence unchanged.
func (s *Scorer) Adjust(ctx context.Context, symbol string, confidence float64) float64 {
	if s.history == nil {
		return confidence
	}

	since := time.Now().UTC().Add(-s.lookback)
	wins, total, err := s.history.OutcomeCounts(ctx, symbol, confidence-s.band, confidence+s.band, since)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Outcome lookup failed, skipping adjustment")
		return confidence
	}
	if total < s.minSample {
		s.log.Debug().
			Str("symbol", symbol).
			Int("outcomes", total).
			Msg("Insufficient history for quality adjustment")
		return confidence
	}

	winRate := float64(wins) / float64(total)
	// 50% win rate is no information; each 10 points away moves
	// confidence one point, capped at maxAdjust.
	adjustment := (winRate - 0.5) * 10 * s.maxAdjust / 5
	if adjustment > s.maxAdjust {
		adjustment = s.maxAdjust
	}
	if adjustment < -s.maxAdjust {
		adjustment = -s.maxAdjust
	}

	adjusted := confidence + adjustment
	if adjusted > 100 {
		adjusted = 100
	}
	if adjusted < 0 {
		adjusted = 0
	}

	s.log.Debug().
		Str("symbol", symbol).
		Float64("win_rate", winRate).
		Float64("adjustment", adjustment).
		Msg("Quality adjustment applied")

	return adjusted
}
