package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON body POSTed to executor endpoints. Field order is
// part of the wire contract and must not change.
type Envelope struct {
	SignalID    string   `json:"signal_id"`
	CreatedAt   string   `json:"created_at"`
	Symbol      string   `json:"symbol"`
	Action      Action   `json:"action"`
	EntryPrice  float64  `json:"entry_price"`
	StopPrice   float64  `json:"stop_price"`
	TargetPrice float64  `json:"target_price"`
	Confidence  float64  `json:"confidence"`
	Regime      Regime   `json:"regime"`
	SourcesUsed []string `json:"sources_used"`
	SHA256      string   `json:"sha256"`
	ServiceType string   `json:"service_type"`
}

// ToEnvelope builds the executor envelope from a sealed signal.
func (s *Signal) ToEnvelope() Envelope {
	return Envelope{
		SignalID:    s.SignalID.String(),
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339Nano),
		Symbol:      s.Symbol,
		Action:      s.Action,
		EntryPrice:  s.EntryPrice,
		StopPrice:   s.StopPrice,
		TargetPrice: s.TargetPrice,
		Confidence:  s.Confidence,
		Regime:      s.Regime,
		SourcesUsed: append([]string(nil), s.SourcesUsed...),
		SHA256:      s.SHA256,
		ServiceType: s.ServiceType,
	}
}

// Marshal serializes the envelope in canonical field order.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and minimally validates an executor request body.
// Schema errors here map to HTTP 400; business rejections never do.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.SignalID == "" || e.Symbol == "" {
		return nil, fmt.Errorf("envelope missing signal_id or symbol")
	}
	if e.Action != ActionLong && e.Action != ActionShort {
		return nil, fmt.Errorf("envelope action must be LONG or SHORT, got %q", e.Action)
	}
	if e.EntryPrice <= 0 {
		return nil, fmt.Errorf("envelope entry price must be positive")
	}
	return &e, nil
}

// ExecutorResponse is the uniform 200 response body from an executor.
// Business rejections ride on success=false with a reason code.
type ExecutorResponse struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	ExecutorID string `json:"executor_id"`
}

// Rejection reason codes returned by executors.
const (
	ReasonShortCryptoUnsupported = "SHORT_CRYPTO_UNSUPPORTED"
	ReasonMinConfidenceNotMet    = "MIN_CONFIDENCE_NOT_MET"
	ReasonPositionCap            = "POSITION_CAP"
	ReasonDuplicatePosition      = "DUPLICATE_POSITION"
	ReasonSizeTooSmall           = "SIZE_TOO_SMALL"
	ReasonDailyLossTripped       = "DAILY_LOSS_TRIPPED"
	ReasonMaxDrawdownTripped     = "MAX_DRAWDOWN_TRIPPED"
	ReasonBrokerTransient        = "BROKER_TRANSIENT"
	ReasonInsufficientBalance    = "INSUFFICIENT_BALANCE"
	ReasonInstrumentNotTradable  = "INSTRUMENT_NOT_TRADABLE"
)

// Wake conditions an executor announces when the cause of a recoverable
// rejection may have cleared. Carried as the wake event payload.
const (
	WakeBuyingPowerRestored = "BUYING_POWER_RESTORED"
	WakePositionSlotFree    = "POSITION_SLOT_FREE"
	WakeMarketOpen          = "MARKET_OPEN"
	WakeManual              = "MANUAL"
)

// RecoverableReason reports whether a rejection may succeed later if
// account conditions change, and therefore belongs in the rejected queue.
func RecoverableReason(code string) bool {
	switch code {
	case ReasonPositionCap, ReasonInsufficientBalance, ReasonBrokerTransient:
		return true
	}
	return false
}
