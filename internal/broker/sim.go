package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// Sim is the development broker: synthetic order ids, in-memory
// positions, and a fixed starting equity. It rejects orders whose
// notional exceeds available cash so sizing bugs surface early.
type Sim struct {
	log zerolog.Logger

	mu        sync.Mutex
	equity    float64
	cash      float64
	positions map[string]Position
}

// NewSim starts with the given equity (100k when zero).
func NewSim(startingEquity float64) *Sim {
	if startingEquity <= 0 {
		startingEquity = 100_000
	}
	return &Sim{
		log:       config.NewLogger("sim_broker"),
		equity:    startingEquity,
		cash:      startingEquity,
		positions: make(map[string]Position),
	}
}

func (s *Sim) SupportsCryptoShorts() bool { return false }

func (s *Sim) SubmitBracketOrder(ctx context.Context, order BracketOrder) (*OrderResult, error) {
	if order.Quantity <= 0 || order.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: zero quantity or price", ErrNotTradable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notional := order.Quantity * order.EntryPrice
	if notional > s.cash {
		return nil, ErrInsufficientBalance
	}
	s.cash -= notional
	s.positions[order.Symbol] = Position{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		EntryPrice: order.EntryPrice,
	}

	result := &OrderResult{
		OrderID:     "sim-" + uuid.NewString(),
		SubmittedAt: time.Now().UTC(),
	}
	s.log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Str("order_id", result.OrderID).
		Msg("Simulated bracket order accepted")
	return result, nil
}

// ClosePosition releases a simulated position and its cash.
func (s *Sim) ClosePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		s.cash += p.Quantity * p.EntryPrice
		delete(s.positions, symbol)
	}
}

func (s *Sim) ListPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Sim) GetAccount(ctx context.Context) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Account{Equity: s.equity, Cash: s.cash, BuyingPower: s.cash}, nil
}
