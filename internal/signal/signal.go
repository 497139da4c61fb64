// Package signal defines the core domain types shared by the generator,
// store, distributor, and executor: source verdicts, market regimes, and
// the immutable hash-chained Signal record.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the direction of a trade signal. A persisted Signal is never
// NEUTRAL; NEUTRAL exists only at the source-verdict level.
type Action string

const (
	ActionLong    Action = "LONG"
	ActionShort   Action = "SHORT"
	ActionNeutral Action = "NEUTRAL"
)

// Regime classifies the market state a signal was generated under.
type Regime string

const (
	RegimeTrending      Regime = "TRENDING"
	RegimeConsolidation Regime = "CONSOLIDATION"
	RegimeVolatile      Regime = "VOLATILE"
	RegimeUnknown       Regime = "UNKNOWN"
)

// Outcome is the terminal result of a signal, filled in by the position
// monitor after the trade resolves.
type Outcome string

const (
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeExpired Outcome = "EXPIRED"
)

// FeatureKind tags the dynamic per-source feature values.
type FeatureKind int

const (
	FeatureNumber FeatureKind = iota
	FeatureString
	FeatureBool
)

// Feature is a tagged union carried in SourceVerdict.Features. Sources
// declare their feature schema in Capabilities.
type Feature struct {
	Kind FeatureKind `json:"kind"`
	Num  float64     `json:"num,omitempty"`
	Str  string      `json:"str,omitempty"`
	Bool bool        `json:"bool,omitempty"`
}

// Num returns a numeric feature.
func Num(v float64) Feature { return Feature{Kind: FeatureNumber, Num: v} }

// Str returns a string feature.
func Str(v string) Feature { return Feature{Kind: FeatureString, Str: v} }

// Flag returns a boolean feature.
func Flag(v bool) Feature { return Feature{Kind: FeatureBool, Bool: v} }

// SourceVerdict is one data source's opinion for a symbol at a point in
// time. Confidence is always clamped to [0,100].
type SourceVerdict struct {
	SourceID    string             `json:"source_id"`
	Verdict     Action             `json:"verdict"`
	Confidence  float64            `json:"confidence"`
	Features    map[string]Feature `json:"features,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ClampConfidence forces confidence into [0,100].
func (v *SourceVerdict) ClampConfidence() {
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
}

// Directional reports whether the verdict carries a directional vote.
// NEUTRAL below confidence 65 contributes no vote at all.
func (v *SourceVerdict) Directional() bool {
	return v.Verdict == ActionLong || v.Verdict == ActionShort
}

// Signal is the immutable output of one generation cycle for one symbol.
// Everything except the outcome fields is covered by SHA256 and must
// never change after insertion.
type Signal struct {
	SignalID          uuid.UUID       `json:"signal_id" db:"signal_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	Symbol            string          `json:"symbol" db:"symbol"`
	Action            Action          `json:"action" db:"action"`
	EntryPrice        float64         `json:"entry_price" db:"entry_price"`
	StopPrice         float64         `json:"stop_price" db:"stop_price"`
	TargetPrice       float64         `json:"target_price" db:"target_price"`
	Confidence        float64         `json:"confidence" db:"confidence"`
	Regime            Regime          `json:"regime" db:"regime"`
	SourcesUsed       []string        `json:"sources_used" db:"-"`
	PerSourceVerdicts []SourceVerdict `json:"per_source_verdicts" db:"-"`
	Rationale         string          `json:"rationale" db:"rationale"`
	ServiceType       string          `json:"service_type" db:"service_type"`

	SHA256     string `json:"sha256" db:"sha256"`
	PrevSHA256 string `json:"prev_sha256" db:"prev_sha256"`

	// Mutable outcome fields, NULL until the position monitor resolves them.
	Outcome       *Outcome   `json:"outcome,omitempty" db:"outcome"`
	ExitPrice     *float64   `json:"exit_price,omitempty" db:"exit_price"`
	PnLPct        *float64   `json:"pnl_pct,omitempty" db:"pnl_pct"`
	ExitTimestamp *time.Time `json:"exit_timestamp,omitempty" db:"exit_timestamp"`
	OrderID       *string    `json:"order_id,omitempty" db:"order_id"`
}

// IsCrypto reports whether the canonical symbol denotes a crypto pair:
// either a "-USD" suffix ("BTC-USD") or a 7-char spot pair ("BTCXUSD").
func IsCrypto(symbol string) bool {
	if strings.HasSuffix(symbol, "-USD") {
		return true
	}
	return len(symbol) == 7 && strings.HasSuffix(symbol, "USD")
}

// BrokerSymbol converts the canonical symbol to broker form
// (BTC-USD -> BTCUSD). The canonical symbol is retained by callers;
// conversion happens only at the broker edge.
func BrokerSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// ValidateSides checks the stop/target side invariants:
// LONG requires stop < entry < target, SHORT the inverse.
func (s *Signal) ValidateSides() error {
	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %f", s.EntryPrice)
	}
	switch s.Action {
	case ActionLong:
		if !(s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice) {
			return fmt.Errorf("LONG requires stop < entry < target, got stop=%f entry=%f target=%f",
				s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	case ActionShort:
		if !(s.StopPrice > s.EntryPrice && s.EntryPrice > s.TargetPrice) {
			return fmt.Errorf("SHORT requires stop > entry > target, got stop=%f entry=%f target=%f",
				s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	default:
		return fmt.Errorf("signal action must be LONG or SHORT, got %q", s.Action)
	}
	if len(s.SourcesUsed) == 0 {
		return fmt.Errorf("signal requires at least one source")
	}
	return nil
}
