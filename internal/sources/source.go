// Package sources defines the uniform data source contract, the registry
// that holds providers behind it, and the guard wrapper that applies
// rate limiting, caching, and timeouts to every provider uniformly.
package sources

import (
	"context"
	"errors"
	"time"

	"github.com/quantsignals/signalforge/internal/signal"
)

// Sentinel errors covering the source failure taxonomy. Providers map
// their internal failures onto these; nothing else escapes to the
// generator.
var (
	ErrTimeout     = errors.New("source timeout")
	ErrRateLimited = errors.New("source rate limited")
	ErrAuthFailed  = errors.New("source authentication failed")
	ErrUpstream    = errors.New("source upstream 5xx")
	ErrMalformed   = errors.New("source malformed response")
	ErrDisabled    = errors.New("source disabled")
)

// SymbolClass partitions the watchlist for capability declarations.
type SymbolClass string

const (
	ClassEquity SymbolClass = "equity"
	ClassCrypto SymbolClass = "crypto"
)

// ClassOf returns the class of a canonical symbol.
func ClassOf(symbol string) SymbolClass {
	if signal.IsCrypto(symbol) {
		return ClassCrypto
	}
	return ClassEquity
}

// Capabilities describes what a source supports and how fast it may be
// called. FeatureSchema declares the features the source emits.
type Capabilities struct {
	Supports          []SymbolClass
	RateLimitPerSec   float64
	Slow              bool // slow sources may use timeouts up to 10s
	StocksSessionOnly bool // skip for equities outside the regular session
	FeatureSchema     map[string]signal.FeatureKind
}

// SupportsClass reports whether the source covers the given class.
func (c Capabilities) SupportsClass(class SymbolClass) bool {
	for _, s := range c.Supports {
		if s == class {
			return true
		}
	}
	return false
}

// Source is the uniform contract every data provider implements.
// FetchVerdict returns either a verdict or one of the sentinel errors;
// it must never panic through to the caller.
type Source interface {
	ID() string
	FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error)
	Capabilities() Capabilities
}

// Base confidence rules for directional verdicts.
const (
	// DirectionalFloor is the minimum confidence any directional verdict
	// carries.
	DirectionalFloor = 65.0
	// PromotedCap caps the confidence of a NEUTRAL verdict promoted to a
	// direction off a trend feature.
	PromotedCap = 70.0
)

// FinalizeVerdict clamps confidence, enforces the directional floor, and
// promotes a NEUTRAL verdict to LONG/SHORT when its features expose a
// clear trend indicator (capped at PromotedCap).
func FinalizeVerdict(v *signal.SourceVerdict) {
	v.ClampConfidence()

	if v.Verdict == signal.ActionNeutral {
		if trendFeature, ok := v.Features["trend"]; ok && trendFeature.Kind == signal.FeatureString {
			switch trendFeature.Str {
			case "bullish":
				v.Verdict = signal.ActionLong
			case "bearish":
				v.Verdict = signal.ActionShort
			default:
				return
			}
			if v.Confidence > PromotedCap {
				v.Confidence = PromotedCap
			}
		}
	}

	if v.Directional() && v.Confidence < DirectionalFloor {
		v.Confidence = DirectionalFloor
	}
}

// nyse is the exchange timezone for the regular-session gate.
var nyse *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	nyse = loc
}

// InRegularSession reports whether now falls inside the US equity
// regular session (09:30-16:00 ET, weekdays). Holidays are not modelled;
// sources outside the session simply see no equity traffic.
func InRegularSession(now time.Time) bool {
	et := now.In(nyse)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
