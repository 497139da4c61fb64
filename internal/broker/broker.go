// Package broker abstracts order submission behind a single interface
// with a simulation implementation for development and a Binance spot
// adapter for production. All brokers sit behind a guard applying a
// global timeout, a concurrency cap, and a circuit breaker.
package broker

import (
	"context"
	"errors"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce policy. GTC for crypto, DAY for equities.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFDay            TimeInForce = "DAY"
)

// BracketOrder is an entry order with an attached stop and take-profit,
// submitted as one unit. Symbol is already in broker form.
type BracketOrder struct {
	Symbol      string
	Side        Side
	Quantity    float64
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64
	TimeInForce TimeInForce
}

// OrderResult is the broker's acknowledgement.
type OrderResult struct {
	OrderID     string
	SubmittedAt time.Time
}

// Position is one open holding.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
}

// Account is the broker account snapshot used for sizing and risk.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Business rejection classes. Everything else is transient.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotTradable         = errors.New("instrument not tradable")
	ErrTransient           = errors.New("transient broker failure")
)

// Broker is the uniform order interface.
type Broker interface {
	SubmitBracketOrder(ctx context.Context, order BracketOrder) (*OrderResult, error)
	ListPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	SupportsCryptoShorts() bool
}
