package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// GuardedSource wraps a Source with the uniform protections every
// provider gets: per-source token bucket, verdict cache, a hard
// per-call timeout, a circuit breaker, and panic containment. The
// generator only ever talks to guarded sources.
type GuardedSource struct {
	inner   Source
	limiter *rate.Limiter
	cache   *VerdictCache
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	ttl     time.Duration
	log     zerolog.Logger
}

// NewGuardedSource builds the guard around a provider using its
// configured limits.
func NewGuardedSource(inner Source, cfg config.SourceConfig, cache *VerdictCache) *GuardedSource {
	rps := cfg.RateLimitPerSec
	if rps <= 0 {
		rps = inner.Capabilities().RateLimitPerSec
	}
	if rps <= 0 {
		rps = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		if inner.Capabilities().Slow {
			timeout = 10 * time.Second
		} else {
			timeout = 3 * time.Second
		}
	}

	g := &GuardedSource{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		cache:   cache,
		timeout: timeout,
		ttl:     cfg.CacheTTL,
		log:     config.NewSourceLogger(inner.ID()),
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.ID(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Source circuit breaker state change")
		},
	})

	return g
}

func (g *GuardedSource) ID() string { return g.inner.ID() }

func (g *GuardedSource) Capabilities() Capabilities { return g.inner.Capabilities() }

// FetchVerdict applies cache, rate limit, breaker, timeout, and panic
// containment around the inner fetch, in that order. Every failure maps
// to a sentinel error.
func (g *GuardedSource) FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(ctx, g.ID(), symbol, now, g.ttl); ok {
			return v, nil
		}
	}

	if !g.limiter.Allow() {
		metrics.SourceRateLimited.WithLabelValues(g.ID()).Inc()
		return nil, ErrRateLimited
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.fetchSafe(callCtx, symbol, now, snap)
	})

	metrics.SourceFetches.WithLabelValues(g.ID(), metrics.NormalizeSourceResult(err)).Inc()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUpstream)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	v := result.(*signal.SourceVerdict)
	FinalizeVerdict(v)

	if g.cache != nil {
		g.cache.Put(ctx, g.ID(), symbol, now, g.ttl, v)
	}
	return v, nil
}

// fetchSafe contains panics from provider code so one bad source never
// takes down a cycle.
func (g *GuardedSource) fetchSafe(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (v *signal.SourceVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().
				Interface("panic", r).
				Str("symbol", symbol).
				Msg("Source panicked during fetch")
			v = nil
			err = fmt.Errorf("%w: panic: %v", ErrUpstream, r)
		}
	}()
	return g.inner.FetchVerdict(ctx, symbol, now, snap)
}
