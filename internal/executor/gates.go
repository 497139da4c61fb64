package executor

import (
	"context"
	"errors"
	"math"

	"github.com/quantsignals/signalforge/internal/broker"
	"github.com/quantsignals/signalforge/internal/signal"
)

// gateResult is the outcome of the pre-execution gate chain. An empty
// reason means the signal may proceed to the broker.
type gateResult struct {
	reason   string
	quantity float64
}

// runGates applies the pre-execution gates in their fixed order. The
// first failing gate short-circuits. Caller holds the symbol lock.
func (s *Service) runGates(ctx context.Context, env *signal.Envelope, account *broker.Account) gateResult {
	// A latched risk trip answers before every other gate so the reason
	// code cannot vary with signal content while the latch holds.
	if s.cfg.PropFirmEnabled {
		s.state.mu.Lock()
		drawdown, daily := s.state.drawdownTripped, s.state.dailyTripped
		s.state.mu.Unlock()
		if drawdown {
			return gateResult{reason: signal.ReasonMaxDrawdownTripped}
		}
		if daily {
			return gateResult{reason: signal.ReasonDailyLossTripped}
		}
	}

	// Crypto SHORT gate. Terminal: no broker we can route to will
	// short spot crypto, so this is never queued for retry.
	if signal.IsCrypto(env.Symbol) && env.Action == signal.ActionShort && !s.broker.SupportsCryptoShorts() {
		return gateResult{reason: signal.ReasonShortCryptoUnsupported}
	}

	if env.Confidence < s.cfg.MinConfidence {
		return gateResult{reason: signal.ReasonMinConfidenceNotMet}
	}

	s.state.mu.Lock()
	if existing, ok := s.state.positions[env.Symbol]; ok && existing.Action == env.Action {
		s.state.mu.Unlock()
		return gateResult{reason: signal.ReasonDuplicatePosition}
	}
	if len(s.state.positions) >= s.cfg.MaxPositions {
		s.state.mu.Unlock()
		return gateResult{reason: signal.ReasonPositionCap}
	}
	s.state.mu.Unlock()

	qty := s.positionSize(env, account)
	if qty <= 0 {
		return gateResult{reason: signal.ReasonSizeTooSmall}
	}

	if s.cfg.PropFirmEnabled {
		if reason := s.propFirmGates(account); reason != "" {
			return gateResult{reason: reason}
		}
	}

	return gateResult{quantity: qty}
}

// positionSize computes min(configured_pct, risk_budget/stop_distance)
// of account equity, converted to units and rounded to the lot grid.
func (s *Service) positionSize(env *signal.Envelope, account *broker.Account) float64 {
	stopDistance := math.Abs(env.EntryPrice-env.StopPrice) / env.EntryPrice
	if stopDistance <= 0 {
		return 0
	}

	pct := s.cfg.PositionSizePct
	if s.cfg.RiskBudgetPct > 0 {
		if riskPct := s.cfg.RiskBudgetPct / stopDistance; riskPct < pct {
			pct = riskPct
		}
	}

	notional := pct * account.Equity
	if notional > account.Cash {
		notional = account.Cash
	}
	qty := notional / env.EntryPrice

	if signal.IsCrypto(env.Symbol) {
		// Crypto lot grid: 1e-4 units.
		return math.Floor(qty*1e4) / 1e4
	}
	// Equities trade whole shares.
	return math.Floor(qty)
}

// propFirmGates enforces the daily-loss and max-drawdown limits. The
// daily trip resets at UTC rollover; the drawdown trip is terminal.
func (s *Service) propFirmGates(account *broker.Account) string {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.drawdownTripped {
		return signal.ReasonMaxDrawdownTripped
	}
	if s.state.dailyTripped {
		return signal.ReasonDailyLossTripped
	}

	if s.state.dayStartEquity > 0 {
		dailyLoss := (s.state.dayStartEquity - account.Equity) / s.state.dayStartEquity
		if dailyLoss >= s.cfg.DailyLossLimitPct {
			s.state.dailyTripped = true
			s.log.Warn().
				Float64("daily_loss_pct", dailyLoss*100).
				Msg("Daily loss limit tripped, refusing orders until UTC rollover")
			return signal.ReasonDailyLossTripped
		}
	}

	if s.state.peakEquity > 0 {
		drawdown := (s.state.peakEquity - account.Equity) / s.state.peakEquity
		if drawdown >= s.cfg.MaxDrawdownPct {
			s.state.drawdownTripped = true
			s.log.Error().
				Float64("drawdown_pct", drawdown*100).
				Msg("Max drawdown tripped, terminal for this session")
			return signal.ReasonMaxDrawdownTripped
		}
	}
	return ""
}

// classifyBrokerError maps broker failures onto response reason codes.
func classifyBrokerError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, broker.ErrInsufficientBalance):
		return signal.ReasonInsufficientBalance
	case errors.Is(err, broker.ErrNotTradable):
		return signal.ReasonInstrumentNotTradable
	default:
		return signal.ReasonBrokerTransient
	}
}

// timeInForce picks GTC for crypto, DAY for equities.
func timeInForce(symbol string) broker.TimeInForce {
	if signal.IsCrypto(symbol) {
		return broker.TIFGoodTillCancel
	}
	return broker.TIFDay
}
