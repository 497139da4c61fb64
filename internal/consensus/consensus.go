// Package consensus aggregates per-source verdicts into one directional
// decision. The engine is a pure function of its inputs: no clocks, no
// randomness, no I/O, so identical inputs always produce identical
// outputs.
package consensus

import (
	"fmt"
	"sort"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

// Result is the consensus decision for one symbol.
type Result struct {
	Action     signal.Action
	Confidence float64
	// Contributing holds the verdicts that survived the floor, in the
	// order they were weighed. Persisted with the signal for audit.
	Contributing []signal.SourceVerdict
	VoteLong     float64
	VoteShort    float64
	Margin       float64
	Threshold    float64
	Reason       string
}

// Accepted reports whether the consensus produced a signal.
func (r *Result) Accepted() bool { return r.Action != signal.ActionNeutral }

// Engine applies the weighted vote and regime-aware accept thresholds.
type Engine struct {
	cfg config.ConsensusConfig
}

// NewEngine builds an engine with configured thresholds, backfilling
// zero values with the standard defaults.
func NewEngine(cfg config.ConsensusConfig) *Engine {
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = 75
	}
	if cfg.TrendingThreshold <= 0 {
		cfg.TrendingThreshold = 80
	}
	if cfg.SingleSourceThreshold <= 0 {
		cfg.SingleSourceThreshold = 80
	}
	if cfg.TwoSameThreshold <= 0 {
		cfg.TwoSameThreshold = 75
	}
	if cfg.TwoMixedThreshold <= 0 {
		cfg.TwoMixedThreshold = 70
	}
	if cfg.TieMargin <= 0 {
		cfg.TieMargin = 0.02
	}
	if cfg.NeutralSplitLong <= 0 {
		cfg.NeutralSplitLong = 0.55
	}
	if cfg.DirectionalFloor <= 0 {
		cfg.DirectionalFloor = 65
	}
	if cfg.UnknownRegimeFloor <= 0 {
		cfg.UnknownRegimeFloor = 60
	}
	return &Engine{cfg: cfg}
}

// floor returns the per-regime confidence floor below which a verdict
// is discarded entirely.
func (e *Engine) floor(regime signal.Regime) float64 {
	if regime == signal.RegimeUnknown {
		return e.cfg.UnknownRegimeFloor
	}
	return e.cfg.DirectionalFloor
}

// threshold picks the accept threshold from the surviving verdict mix.
func (e *Engine) threshold(surviving []signal.SourceVerdict, regime signal.Regime) (float64, bool) {
	neutral := 0
	for _, v := range surviving {
		if !v.Directional() {
			neutral++
		}
	}

	switch len(surviving) {
	case 1:
		if neutral == 1 {
			// A lone NEUTRAL source can never produce a signal.
			return 0, false
		}
		return e.cfg.SingleSourceThreshold, true
	case 2:
		if neutral > 0 {
			return e.cfg.TwoMixedThreshold, true
		}
		return e.cfg.TwoSameThreshold, true
	default:
		if regime == signal.RegimeTrending {
			return e.cfg.TrendingThreshold, true
		}
		return e.cfg.BaseThreshold, true
	}
}

// Decide runs the weighted consensus over the verdicts. weights maps
// source_id to [0,1]; sources missing from the map contribute nothing.
func (e *Engine) Decide(verdicts []signal.SourceVerdict, regime signal.Regime, weights map[string]float64) Result {
	// Stable weighing order regardless of caller ordering.
	sorted := make([]signal.SourceVerdict, len(verdicts))
	copy(sorted, verdicts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	floor := e.floor(regime)
	var surviving []signal.SourceVerdict
	for _, v := range sorted {
		if v.Confidence < floor {
			continue
		}
		if v.Verdict == signal.ActionNeutral && v.Confidence < 65 {
			continue
		}
		if weights[v.SourceID] <= 0 {
			continue
		}
		surviving = append(surviving, v)
	}

	if len(surviving) == 0 {
		return Result{Action: signal.ActionNeutral, Reason: "no surviving verdicts"}
	}

	threshold, eligible := e.threshold(surviving, regime)
	if !eligible {
		return Result{
			Action:       signal.ActionNeutral,
			Contributing: surviving,
			Reason:       "single NEUTRAL source",
		}
	}

	// Vote mass is weight x confidence x side fraction; the winning
	// side's confidence is its vote mass over its weight mass, which
	// keeps unanimous low-confidence agreement from reading as 100.
	var voteLong, voteShort, weightLong, weightShort float64
	for _, v := range surviving {
		w := weights[v.SourceID]
		switch v.Verdict {
		case signal.ActionLong:
			voteLong += w * v.Confidence
			weightLong += w
		case signal.ActionShort:
			voteShort += w * v.Confidence
			weightShort += w
		case signal.ActionNeutral:
			voteLong += w * v.Confidence * e.cfg.NeutralSplitLong
			voteShort += w * v.Confidence * (1 - e.cfg.NeutralSplitLong)
			weightLong += w * e.cfg.NeutralSplitLong
			weightShort += w * (1 - e.cfg.NeutralSplitLong)
		}
	}

	total := voteLong + voteShort
	if total == 0 {
		return Result{Action: signal.ActionNeutral, Contributing: surviving, Reason: "zero vote mass"}
	}

	action := signal.ActionLong
	winning, winningWeight := voteLong, weightLong
	if voteShort > voteLong {
		action = signal.ActionShort
		winning, winningWeight = voteShort, weightShort
	}

	margin := (voteLong - voteShort) / total
	if margin < 0 {
		margin = -margin
	}

	confidence := winning / winningWeight
	if confidence > 100 {
		confidence = 100
	}

	result := Result{
		Action:       action,
		Confidence:   confidence,
		Contributing: surviving,
		VoteLong:     voteLong,
		VoteShort:    voteShort,
		Margin:       margin,
		Threshold:    threshold,
	}

	if margin < e.cfg.TieMargin {
		result.Action = signal.ActionNeutral
		result.Reason = fmt.Sprintf("margin %.4f below tie break %.4f", margin, e.cfg.TieMargin)
		return result
	}
	if confidence < threshold {
		result.Action = signal.ActionNeutral
		result.Reason = fmt.Sprintf("confidence %.1f below threshold %.1f", confidence, threshold)
		return result
	}
	return result
}
