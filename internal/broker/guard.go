package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
)

// Guard wraps a broker with the global timeout, the concurrency cap,
// and a circuit breaker. Executors only ever hold a guarded broker.
type Guard struct {
	inner   Broker
	timeout time.Duration
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewGuard applies the configured limits around a broker.
func NewGuard(inner Broker, cfg config.BrokerConfig) *Guard {
	timeout := cfg.GlobalTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cap := cfg.ConcurrencyCap
	if cap <= 0 {
		cap = 4
	}

	g := &Guard{
		inner:   inner,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(cap)),
		log:     config.NewLogger("broker_guard"),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are healthy broker behaviour and must
			// not trip the breaker.
			return err == nil ||
				errors.Is(err, ErrInsufficientBalance) ||
				errors.Is(err, ErrNotTradable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state change")
		},
	})
	return g
}

func (g *Guard) SupportsCryptoShorts() bool { return g.inner.SupportsCryptoShorts() }

func (g *Guard) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer g.sem.Release(1)

	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open", ErrTransient)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: broker timeout", ErrTransient)
	}
	return result, err
}

func (g *Guard) SubmitBracketOrder(ctx context.Context, order BracketOrder) (*OrderResult, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.SubmitBracketOrder(ctx, order)
	})
	if err != nil {
		metrics.BrokerSubmissions.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.BrokerSubmissions.WithLabelValues("success").Inc()
	return result.(*OrderResult), nil
}

func (g *Guard) ListPositions(ctx context.Context) ([]Position, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.ListPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Position), nil
}

func (g *Guard) GetAccount(ctx context.Context) (*Account, error) {
	result, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.GetAccount(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Account), nil
}
