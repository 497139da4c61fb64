package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/indicators"
	"github.com/quantsignals/signalforge/internal/signal"
)

// TechnicalSource derives a verdict from EMA crossover, RSI, and MACD
// over the snapshot candle window. It is fully local, so it is the
// fastest source in the registry and covers both asset classes.
type TechnicalSource struct {
	log zerolog.Logger
}

// NewTechnicalSource builds the indicator-based source.
func NewTechnicalSource() *TechnicalSource {
	return &TechnicalSource{log: config.NewSourceLogger("technical")}
}

func (s *TechnicalSource) ID() string { return "technical" }

func (s *TechnicalSource) Capabilities() Capabilities {
	return Capabilities{
		Supports:        []SymbolClass{ClassEquity, ClassCrypto},
		RateLimitPerSec: 50,
		FeatureSchema: map[string]signal.FeatureKind{
			"rsi":       signal.FeatureNumber,
			"macd_hist": signal.FeatureNumber,
			"ema_fast":  signal.FeatureNumber,
			"ema_slow":  signal.FeatureNumber,
			"trend":     signal.FeatureString,
		},
	}
}

// FetchVerdict scores the three indicators and votes on the majority.
func (s *TechnicalSource) FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error) {
	if snap == nil || len(snap.Candles) < 40 {
		return nil, fmt.Errorf("%w: need at least 40 candles", ErrMalformed)
	}
	closes := snap.Closes()

	emaFast, err := indicators.EMA(closes, 9)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	emaSlow, err := indicators.EMA(closes, 21)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rsi, err := indicators.RSI(closes, 14)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	macdLine, signalLine, err := indicators.MACD(closes, 12, 26, 9)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	fast := emaFast[len(emaFast)-1]
	slow := emaSlow[len(emaSlow)-1]
	lastRSI := rsi[len(rsi)-1]
	hist := macdLine[len(macdLine)-1] - signalLine[len(signalLine)-1]

	bull, bear := 0, 0
	if fast > slow {
		bull++
	} else if fast < slow {
		bear++
	}
	if lastRSI > 55 && lastRSI < 70 {
		bull++
	} else if lastRSI < 45 && lastRSI > 30 {
		bear++
	}
	if hist > 0 {
		bull++
	} else if hist < 0 {
		bear++
	}

	verdict := signal.ActionNeutral
	confidence := 50.0
	switch {
	case bull >= 2 && bear == 0:
		verdict = signal.ActionLong
		confidence = 65 + float64(bull)*8
	case bear >= 2 && bull == 0:
		verdict = signal.ActionShort
		confidence = 65 + float64(bear)*8
	case bull > bear:
		confidence = 60
	case bear > bull:
		confidence = 60
	}

	trend := "flat"
	if fast > slow && hist > 0 {
		trend = "bullish"
	} else if fast < slow && hist < 0 {
		trend = "bearish"
	}

	s.log.Debug().
		Str("symbol", symbol).
		Str("verdict", string(verdict)).
		Float64("rsi", lastRSI).
		Float64("macd_hist", hist).
		Msg("Technical verdict")

	return &signal.SourceVerdict{
		SourceID:    s.ID(),
		Verdict:     verdict,
		Confidence:  confidence,
		GeneratedAt: now.UTC(),
		Features: map[string]signal.Feature{
			"rsi":       signal.Num(lastRSI),
			"macd_hist": signal.Num(hist),
			"ema_fast":  signal.Num(fast),
			"ema_slow":  signal.Num(slow),
			"trend":     signal.Str(trend),
		},
	}, nil
}
