package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// Binance error codes we classify as business rejections.
const (
	binanceInsufficientBalance = -2010
	binanceInvalidSymbol       = -1121
)

// Binance submits spot bracket orders: a limit entry followed by an
// OCO pairing the stop with the take-profit. Spot accounts cannot
// short, so crypto SHORT signals are gated out upstream.
type Binance struct {
	client *binance.Client
	log    zerolog.Logger
}

// NewBinance builds the spot adapter.
func NewBinance(cfg config.BrokerConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	return &Binance{
		client: binance.NewClient(cfg.APIKey, cfg.SecretKey),
		log:    config.NewLogger("binance_broker"),
	}
}

func (b *Binance) SupportsCryptoShorts() bool { return false }

func (b *Binance) SubmitBracketOrder(ctx context.Context, order BracketOrder) (*OrderResult, error) {
	side := binance.SideTypeBuy
	exitSide := binance.SideTypeSell
	if order.Side == SideSell {
		side = binance.SideTypeSell
		exitSide = binance.SideTypeBuy
	}

	qty := fmt.Sprintf("%.8f", order.Quantity)

	entry, err := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty).
		Price(fmt.Sprintf("%.8f", order.EntryPrice)).
		Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	// OCO leg: take-profit limit at target, stop-limit at the stop.
	if _, err := b.client.NewCreateOCOService().
		Symbol(order.Symbol).
		Side(exitSide).
		Quantity(qty).
		Price(fmt.Sprintf("%.8f", order.TargetPrice)).
		StopPrice(fmt.Sprintf("%.8f", order.StopPrice)).
		StopLimitPrice(fmt.Sprintf("%.8f", order.StopPrice)).
		StopLimitTimeInForce(binance.TimeInForceTypeGTC).
		Do(ctx); err != nil {
		// Entry is in; without the protective legs we cancel it rather
		// than leave an unprotected position.
		if _, cancelErr := b.client.NewCancelOrderService().
			Symbol(order.Symbol).
			OrderID(entry.OrderID).
			Do(ctx); cancelErr != nil {
			b.log.Error().
				Err(cancelErr).
				Int64("order_id", entry.OrderID).
				Msg("Failed to cancel unprotected entry order")
		}
		return nil, b.classify(err)
	}

	b.log.Info().
		Str("symbol", order.Symbol).
		Int64("exchange_order_id", entry.OrderID).
		Str("side", string(order.Side)).
		Msg("Bracket order placed on Binance")

	return &OrderResult{
		OrderID:     strconv.FormatInt(entry.OrderID, 10),
		SubmittedAt: entryTime(entry),
	}, nil
}

func (b *Binance) ListPositions(ctx context.Context) ([]Position, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	// Spot holdings map to long positions; quote currencies are cash.
	var out []Position
	for _, bal := range account.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := free + locked
		if qty <= 0 || bal.Asset == "USDT" || bal.Asset == "USD" {
			continue
		}
		out = append(out, Position{
			Symbol:   bal.Asset + "USD",
			Side:     SideBuy,
			Quantity: qty,
		})
	}
	return out, nil
}

func (b *Binance) GetAccount(ctx context.Context) (*Account, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	var cash float64
	for _, bal := range account.Balances {
		if bal.Asset == "USDT" || bal.Asset == "USD" {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			cash += free
		}
	}
	// Spot equity beyond cash needs mark prices; cash is the sizing
	// basis here.
	return &Account{Equity: cash, Cash: cash, BuyingPower: cash}, nil
}

// classify maps Binance API errors to the broker error classes.
func (b *Binance) classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case binanceInsufficientBalance:
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
		case binanceInvalidSymbol:
			return fmt.Errorf("%w: %s", ErrNotTradable, apiErr.Message)
		}
		if apiErr.Code <= -1100 && apiErr.Code > -1200 {
			return fmt.Errorf("%w: %s", ErrNotTradable, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func entryTime(order *binance.CreateOrderResponse) time.Time {
	return time.UnixMilli(order.TransactTime).UTC()
}
