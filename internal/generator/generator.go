// Package generator runs the signal generation cycle: snapshot the
// market, fan out to the data sources, run consensus, derive levels,
// apply quality adjustment, then seal and hand the signal to the store
// and the distributor. One bad symbol never breaks the others.
package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/consensus"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/quality"
	"github.com/quantsignals/signalforge/internal/regime"
	"github.com/quantsignals/signalforge/internal/signal"
	"github.com/quantsignals/signalforge/internal/sources"

	"github.com/google/uuid"
)

// State of the generator lifecycle.
type State string

const (
	StateInit    State = "INIT"
	StateReady   State = "READY"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
)

// Store is the slice of the signal store the generator writes to.
type Store interface {
	Append(sig *signal.Signal) error
}

// Dispatcher fans a stored signal out to the executors.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig *signal.Signal)
}

type auditor interface {
	Append(ctx context.Context, event audit.EventType, actor string, details interface{}) error
}

// recentSignal remembers the last emission per symbol for the spacing
// and price-movement dedupe.
type recentSignal struct {
	at    time.Time
	price float64
}

// Generator drives the cycle loop.
type Generator struct {
	cfg      config.GeneratorConfig
	app      config.AppConfig
	registry *sources.Registry
	provider sources.SnapshotProvider
	regimes  *regime.Detector
	engine   *consensus.Engine
	scorer   *quality.Scorer
	calib    *quality.Calibrator
	store    Store
	dispatch Dispatcher
	audit    auditor
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  State
	busy   bool
	recent map[string]recentSignal
}

// Deps collects the generator's collaborators.
type Deps struct {
	Registry   *sources.Registry
	Provider   sources.SnapshotProvider
	Regimes    *regime.Detector
	Engine     *consensus.Engine
	Scorer     *quality.Scorer
	Calibrator *quality.Calibrator
	Store      Store
	Dispatcher Dispatcher
	Audit      auditor
}

// New builds a generator in INIT, backfilling zero config values.
func New(cfg config.GeneratorConfig, app config.AppConfig, deps Deps) *Generator {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 30 * time.Second
	}
	if cfg.PerSymbolBudget <= 0 {
		cfg.PerSymbolBudget = 8 * time.Second
	}
	if cfg.MaxParallelSymbols <= 0 {
		cfg.MaxParallelSymbols = 4
	}
	if cfg.MinSignalSpacing <= 0 {
		cfg.MinSignalSpacing = 30 * time.Second
	}
	if cfg.PriceChangeThreshold <= 0 {
		cfg.PriceChangeThreshold = 0.0025
	}
	if cfg.StopATRMultiple <= 0 {
		cfg.StopATRMultiple = 1.5
	}
	if cfg.TargetATRMultiple <= 0 {
		cfg.TargetATRMultiple = 3.0
	}
	if cfg.MinStopDistancePct <= 0 {
		cfg.MinStopDistancePct = 0.005
	}
	if cfg.MaxStopDistancePct <= 0 {
		cfg.MaxStopDistancePct = 0.05
	}
	if cfg.EarlyExitSources <= 0 {
		cfg.EarlyExitSources = 5
	}
	if cfg.EarlyExitConfidence <= 0 {
		cfg.EarlyExitConfidence = 95
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = "standard"
	}

	return &Generator{
		cfg:      cfg,
		app:      app,
		registry: deps.Registry,
		provider: deps.Provider,
		regimes:  deps.Regimes,
		engine:   deps.Engine,
		scorer:   deps.Scorer,
		calib:    deps.Calibrator,
		store:    deps.Store,
		dispatch: deps.Dispatcher,
		audit:    deps.Audit,
		log:      config.NewLogger("generator"),
		now:      time.Now,
		state:    StateInit,
		recent:   make(map[string]recentSignal),
	}
}

// State returns the current lifecycle state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generator) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Ready moves INIT to READY once dependencies are wired. Run refuses to
// start from any other state.
func (g *Generator) Ready() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateInit {
		return fmt.Errorf("cannot move to READY from %s", g.state)
	}
	g.state = StateReady
	return nil
}

// Pause suspends cycle starts. Forbidden when the service runs in
// always-on mode.
func (g *Generator) Pause() error {
	if g.app.Always24x7 {
		return fmt.Errorf("pause is forbidden in always-on mode")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRunning {
		return fmt.Errorf("cannot pause from %s", g.state)
	}
	g.state = StatePaused
	return nil
}

// Resume returns a paused generator to RUNNING.
func (g *Generator) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePaused {
		return fmt.Errorf("cannot resume from %s", g.state)
	}
	g.state = StateRunning
	return nil
}

// Run drives cycles on the configured interval until ctx is cancelled.
// A tick that arrives while the previous cycle is still running is
// dropped, never queued.
func (g *Generator) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateReady {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("cannot run from %s", state)
	}
	g.state = StateRunning
	g.mu.Unlock()

	g.log.Info().
		Strs("watchlist", g.cfg.Watchlist).
		Dur("interval", g.cfg.CycleInterval).
		Msg("Generator started")

	ticker := time.NewTicker(g.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.setState(StateStopped)
			g.log.Info().Msg("Generator stopped")
			return ctx.Err()
		case <-ticker.C:
			g.mu.Lock()
			if g.state == StatePaused {
				g.mu.Unlock()
				continue
			}
			if g.busy {
				g.mu.Unlock()
				metrics.CyclesDropped.Inc()
				g.log.Debug().Msg("Previous cycle still running, tick dropped")
				continue
			}
			g.busy = true
			g.mu.Unlock()

			g.RunCycle(ctx)

			g.mu.Lock()
			g.busy = false
			g.mu.Unlock()
		}
	}
}

// RunCycle processes the whole watchlist once under the cycle budget.
func (g *Generator) RunCycle(ctx context.Context) {
	metrics.CyclesTotal.Inc()
	start := g.now()

	cycleCtx, cancel := context.WithTimeout(ctx, g.cfg.CycleBudget)
	defer cancel()

	var eg errgroup.Group
	eg.SetLimit(g.cfg.MaxParallelSymbols)
	for _, symbol := range g.cfg.Watchlist {
		symbol := symbol
		eg.Go(func() error {
			g.processSymbol(cycleCtx, symbol)
			return nil
		})
	}
	eg.Wait()

	elapsed := g.now().Sub(start)
	metrics.CycleDuration.Observe(elapsed.Seconds())
	if cycleCtx.Err() != nil && ctx.Err() == nil {
		metrics.CyclesPartial.Inc()
		g.log.Warn().Dur("elapsed", elapsed).Msg("Cycle hit budget, partial completion")
	}
}

// processSymbol runs the full pipeline for one symbol. Panics and
// errors are contained here.
func (g *Generator) processSymbol(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CycleErrors.Inc()
			g.log.Error().Interface("panic", r).Str("symbol", symbol).Msg("Symbol pipeline panicked")
		}
	}()

	symCtx, cancel := context.WithTimeout(ctx, g.cfg.PerSymbolBudget)
	defer cancel()

	now := g.now()

	snap, err := g.provider.Snapshot(symCtx, symbol, 200)
	if err != nil {
		metrics.CycleErrors.Inc()
		g.log.Warn().Err(err).Str("symbol", symbol).Msg("Market data unavailable, symbol skipped")
		return
	}

	if g.tooSoon(symbol, snap.Price, now) {
		g.log.Debug().Str("symbol", symbol).Msg("Within signal spacing window, skipped")
		return
	}

	reading := g.regimes.Classify(symbol, snap)

	eligible := g.registry.Eligible(symbol, now)
	if len(eligible) == 0 {
		g.log.Debug().Str("symbol", symbol).Msg("No eligible sources")
		return
	}

	verdicts := g.fanOut(symCtx, eligible, symbol, reading.Regime, now, snap)
	if len(verdicts) == 0 {
		g.log.Debug().Str("symbol", symbol).Msg("No source produced a verdict")
		return
	}

	weights := make(map[string]float64, len(verdicts))
	for _, v := range verdicts {
		weights[v.SourceID] = g.registry.Weight(v.SourceID)
	}

	result := g.engine.Decide(verdicts, reading.Regime, weights)
	if !result.Accepted() {
		g.log.Debug().
			Str("symbol", symbol).
			Str("reason", result.Reason).
			Msg("Consensus rejected")
		return
	}

	sig, err := g.buildSignal(symCtx, symbol, snap, reading, result, now)
	if err != nil {
		metrics.CycleErrors.Inc()
		g.log.Warn().Err(err).Str("symbol", symbol).Msg("Signal construction failed, skipped")
		return
	}

	if err := g.store.Append(sig); err != nil {
		metrics.CycleErrors.Inc()
		g.log.Error().Err(err).Str("symbol", symbol).Msg("Store append rejected signal")
		return
	}

	g.mu.Lock()
	g.recent[symbol] = recentSignal{at: now, price: snap.Price}
	g.mu.Unlock()

	if g.dispatch != nil {
		g.dispatch.Dispatch(symCtx, sig)
	}
	if g.audit != nil {
		if err := g.audit.Append(symCtx, audit.EventSignalEmitted, "generator", map[string]string{
			"signal_id":  sig.SignalID.String(),
			"symbol":     sig.Symbol,
			"action":     string(sig.Action),
			"confidence": fmt.Sprintf("%.2f", sig.Confidence),
			"regime":     string(sig.Regime),
		}); err != nil {
			g.log.Error().Err(err).Msg("Audit append failed")
		}
	}

	g.log.Info().
		Str("signal_id", sig.SignalID.String()).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Str("regime", string(sig.Regime)).
		Int("sources", len(sig.SourcesUsed)).
		Msg("Signal emitted")
}

// tooSoon applies the spacing dedupe: a fresh signal for the same
// symbol needs either the spacing interval to pass or the price to
// move past the change threshold.
func (g *Generator) tooSoon(symbol string, price float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.recent[symbol]
	if !ok {
		return false
	}
	if now.Sub(last.at) >= g.cfg.MinSignalSpacing {
		return false
	}
	if last.price > 0 {
		change := (price - last.price) / last.price
		if change < 0 {
			change = -change
		}
		if change >= g.cfg.PriceChangeThreshold {
			return false
		}
	}
	return true
}

// fanOut consults the eligible sources concurrently and collects the
// verdicts that arrive. Once enough sources have answered and the
// provisional consensus over them clears the early-exit confidence,
// the stragglers are cancelled.
func (g *Generator) fanOut(ctx context.Context, eligible []*sources.GuardedSource, symbol string, reg signal.Regime, now time.Time, snap *sources.Snapshot) []signal.SourceVerdict {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type fetched struct {
		verdict *signal.SourceVerdict
		err     error
		id      string
	}
	results := make(chan fetched, len(eligible))

	for _, src := range eligible {
		src := src
		go func() {
			v, err := src.FetchVerdict(fetchCtx, symbol, now, snap)
			results <- fetched{verdict: v, err: err, id: src.ID()}
		}()
	}

	var verdicts []signal.SourceVerdict
	for i := 0; i < len(eligible); i++ {
		select {
		case <-ctx.Done():
			return verdicts
		case r := <-results:
			if r.err != nil {
				g.log.Debug().Err(r.err).Str("source", r.id).Str("symbol", symbol).Msg("Source fetch failed")
				continue
			}
			verdicts = append(verdicts, *r.verdict)
			if g.earlyExit(verdicts, reg) {
				cancel()
				return verdicts
			}
		}
	}
	return verdicts
}

// earlyExit recomputes a provisional consensus over the verdicts
// collected so far. A single loud source is not enough: the partial
// panel as a whole must already be decisive at the early-exit
// confidence before the stragglers are cancelled.
func (g *Generator) earlyExit(verdicts []signal.SourceVerdict, reg signal.Regime) bool {
	if len(verdicts) < g.cfg.EarlyExitSources {
		return false
	}
	weights := make(map[string]float64, len(verdicts))
	for _, v := range verdicts {
		weights[v.SourceID] = g.registry.Weight(v.SourceID)
	}
	provisional := g.engine.Decide(verdicts, reg, weights)
	return provisional.Accepted() && provisional.Confidence >= g.cfg.EarlyExitConfidence
}

// buildSignal derives the price levels from the regime reading, applies
// the quality adjustment and calibration, and seals the record.
func (g *Generator) buildSignal(ctx context.Context, symbol string, snap *sources.Snapshot, reading regime.Reading, result consensus.Result, now time.Time) (*signal.Signal, error) {
	entry := snap.Price

	// Stop distance from the ATR multiple, clamped to the configured
	// percentage band. The target keeps the reward multiple.
	atr := reading.ATRPct / 100 * entry
	stopDist := g.cfg.StopATRMultiple * atr
	minDist := g.cfg.MinStopDistancePct * entry
	maxDist := g.cfg.MaxStopDistancePct * entry
	if stopDist < minDist {
		stopDist = minDist
	}
	if stopDist > maxDist {
		stopDist = maxDist
	}
	targetDist := stopDist * g.cfg.TargetATRMultiple / g.cfg.StopATRMultiple

	var stop, target float64
	if result.Action == signal.ActionLong {
		stop, target = entry-stopDist, entry+targetDist
	} else {
		stop, target = entry+stopDist, entry-targetDist
	}

	confidence := result.Confidence
	if g.scorer != nil {
		confidence = g.scorer.Adjust(ctx, symbol, confidence)
	}
	if g.calib != nil {
		confidence = g.calib.Calibrate(confidence)
	}

	used := make([]string, 0, len(result.Contributing))
	for _, v := range result.Contributing {
		used = append(used, v.SourceID)
	}

	sig := &signal.Signal{
		SignalID:          uuid.New(),
		CreatedAt:         now.UTC(),
		Symbol:            symbol,
		Action:            result.Action,
		EntryPrice:        entry,
		StopPrice:         stop,
		TargetPrice:       target,
		Confidence:        confidence,
		Regime:            reading.Regime,
		SourcesUsed:       used,
		PerSourceVerdicts: result.Contributing,
		Rationale: fmt.Sprintf("%d sources, votes L=%.3f S=%.3f, threshold %.0f",
			len(used), result.VoteLong, result.VoteShort, result.Threshold),
		ServiceType: g.cfg.ServiceType,
	}

	if err := sig.ValidateSides(); err != nil {
		return nil, fmt.Errorf("malformed levels: %w", err)
	}
	if err := sig.Seal(); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return sig, nil
}
