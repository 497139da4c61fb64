package config

import (
	"fmt"
	"strings"
)

// ValidationError aggregates all configuration problems found so the
// operator sees everything at once instead of fixing one field per restart.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Validate performs fail-fast validation of the whole configuration.
func (c *Config) Validate() error {
	var problems []string

	switch c.App.Environment {
	case "development", "production":
	default:
		problems = append(problems, fmt.Sprintf("app.environment must be development or production, got %q", c.App.Environment))
	}

	if len(c.Generator.Watchlist) == 0 {
		problems = append(problems, "generator.watchlist must not be empty")
	}
	if c.Generator.CycleInterval <= 0 {
		problems = append(problems, "generator.cycle_interval must be positive")
	}
	if c.Generator.CycleBudget <= 0 {
		problems = append(problems, "generator.cycle_budget must be positive")
	}
	if c.Generator.PerSymbolBudget > c.Generator.CycleBudget {
		problems = append(problems, "generator.per_symbol_budget must not exceed generator.cycle_budget")
	}
	if c.Generator.MaxParallelSymbols < 1 {
		problems = append(problems, "generator.max_parallel_symbols must be at least 1")
	}
	if c.Generator.StopATRMultiple <= 0 || c.Generator.TargetATRMultiple <= 0 {
		problems = append(problems, "generator ATR multiples must be positive")
	}
	if c.Generator.MinStopDistancePct >= c.Generator.MaxStopDistancePct {
		problems = append(problems, "generator.min_stop_distance_pct must be below max_stop_distance_pct")
	}

	if c.Store.BatchSize < 1 {
		problems = append(problems, "store.batch_size must be at least 1")
	}
	if c.Store.FlushInterval <= 0 {
		problems = append(problems, "store.flush_interval must be positive")
	}
	if c.Store.Path == "" || c.Store.AuditPath == "" {
		problems = append(problems, "store.path and store.audit_path are required")
	}

	var totalWeight float64
	for id, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.Weight < 0 || src.Weight > 1 {
			problems = append(problems, fmt.Sprintf("sources.%s.weight must be in [0,1]", id))
		}
		if src.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("sources.%s.timeout must be positive", id))
		}
		if src.RateLimitPerSec <= 0 {
			problems = append(problems, fmt.Sprintf("sources.%s.rate_limit_per_sec must be positive", id))
		}
		totalWeight += src.Weight
	}
	if totalWeight > 1.0+1e-9 {
		problems = append(problems, fmt.Sprintf("source weights sum to %.3f, must be <= 1", totalWeight))
	}

	for _, th := range []struct {
		name  string
		value float64
	}{
		{"consensus.base_threshold", c.Consensus.BaseThreshold},
		{"consensus.single_source_threshold", c.Consensus.SingleSourceThreshold},
		{"consensus.two_same_threshold", c.Consensus.TwoSameThreshold},
		{"consensus.two_mixed_threshold", c.Consensus.TwoMixedThreshold},
		{"consensus.directional_floor", c.Consensus.DirectionalFloor},
	} {
		if th.value < 0 || th.value > 100 {
			problems = append(problems, fmt.Sprintf("%s must be in [0,100]", th.name))
		}
	}
	if c.Consensus.NeutralSplitLong <= 0.5 || c.Consensus.NeutralSplitLong >= 1 {
		problems = append(problems, "consensus.neutral_split_long must be in (0.5,1)")
	}

	if c.Regime.WindowBars < 20 {
		problems = append(problems, "regime.window_bars must be at least 20")
	}

	if c.Executor.MaxPositions < 1 {
		problems = append(problems, "executor.max_positions must be at least 1")
	}
	if c.Executor.PositionSizePct <= 0 || c.Executor.PositionSizePct > 1 {
		problems = append(problems, "executor.position_size_pct must be in (0,1]")
	}
	if c.Executor.PropFirmEnabled {
		if c.Executor.DailyLossLimitPct <= 0 {
			problems = append(problems, "executor.daily_loss_limit_pct must be positive when prop firm mode is enabled")
		}
		if c.Executor.MaxDrawdownPct <= 0 {
			problems = append(problems, "executor.max_drawdown_pct must be positive when prop firm mode is enabled")
		}
	}

	switch c.Broker.Kind {
	case "sim", "binance":
	default:
		problems = append(problems, fmt.Sprintf("broker.kind must be sim or binance, got %q", c.Broker.Kind))
	}
	if c.Broker.ConcurrencyCap < 1 {
		problems = append(problems, "broker.concurrency_cap must be at least 1")
	}

	if c.HTTP.Port == c.HTTP.MetricsPort {
		problems = append(problems, "http.port and http.metrics_port must differ")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
