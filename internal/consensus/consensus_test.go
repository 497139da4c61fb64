package consensus

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

func defaultEngine() *Engine {
	return NewEngine(config.ConsensusConfig{})
}

func verdict(id string, action signal.Action, conf float64) signal.SourceVerdict {
	return signal.SourceVerdict{
		SourceID:    id,
		Verdict:     action,
		Confidence:  conf,
		GeneratedAt: time.Unix(0, 0),
	}
}

func TestFourSourceTrendingConsensus(t *testing.T) {
	verdicts := []signal.SourceVerdict{
		verdict("a", signal.ActionLong, 85),
		verdict("b", signal.ActionLong, 80),
		verdict("c", signal.ActionNeutral, 50),
		verdict("d", signal.ActionLong, 75),
	}
	weights := map[string]float64{"a": 0.4, "b": 0.25, "c": 0.2, "d": 0.15}

	r := defaultEngine().Decide(verdicts, signal.RegimeTrending, weights)
	require.True(t, r.Accepted())
	assert.Equal(t, signal.ActionLong, r.Action)
	// NEUTRAL@50 is below the floor; weighted average of the rest.
	assert.InDelta(t, 81.6, r.Confidence, 1.5)
	assert.Len(t, r.Contributing, 3)
}

func TestTwoSourceMixedPassesAtSeventy(t *testing.T) {
	verdicts := []signal.SourceVerdict{
		verdict("a", signal.ActionNeutral, 80),
		verdict("b", signal.ActionLong, 65),
	}
	weights := map[string]float64{"a": 0.5, "b": 0.5}

	r := defaultEngine().Decide(verdicts, signal.RegimeConsolidation, weights)
	require.True(t, r.Accepted())
	assert.Equal(t, signal.ActionLong, r.Action)
	assert.Equal(t, 70.0, r.Threshold)
	assert.GreaterOrEqual(t, r.Confidence, 70.0)
}

func TestSingleNeutralRejected(t *testing.T) {
	r := defaultEngine().Decide(
		[]signal.SourceVerdict{verdict("a", signal.ActionNeutral, 90)},
		signal.RegimeTrending,
		map[string]float64{"a": 1},
	)
	assert.False(t, r.Accepted())
}

func TestSingleDirectionalNeedsEighty(t *testing.T) {
	weights := map[string]float64{"a": 1}

	r := defaultEngine().Decide(
		[]signal.SourceVerdict{verdict("a", signal.ActionLong, 79)},
		signal.RegimeConsolidation, weights)
	assert.False(t, r.Accepted())

	r = defaultEngine().Decide(
		[]signal.SourceVerdict{verdict("a", signal.ActionLong, 81)},
		signal.RegimeConsolidation, weights)
	require.True(t, r.Accepted())
	assert.Equal(t, signal.ActionLong, r.Action)
}

func TestNeutralBelowSixtyFiveDiscarded(t *testing.T) {
	// UNKNOWN regime floor is 60, but NEUTRAL still needs 65 to split.
	r := defaultEngine().Decide(
		[]signal.SourceVerdict{
			verdict("a", signal.ActionNeutral, 62),
			verdict("b", signal.ActionLong, 85),
		},
		signal.RegimeUnknown,
		map[string]float64{"a": 0.5, "b": 0.5},
	)
	require.True(t, r.Accepted())
	assert.Len(t, r.Contributing, 1, "low NEUTRAL must not survive")
	assert.Equal(t, 80.0, r.Threshold, "single surviving source uses the single-source threshold")
}

func TestTieMarginYieldsNoSignal(t *testing.T) {
	r := defaultEngine().Decide(
		[]signal.SourceVerdict{
			verdict("a", signal.ActionLong, 85),
			verdict("b", signal.ActionShort, 85),
		},
		signal.RegimeConsolidation,
		map[string]float64{"a": 0.5, "b": 0.5},
	)
	assert.False(t, r.Accepted())
	assert.Less(t, r.Margin, 0.02)
}

func TestZeroWeightSourceIgnored(t *testing.T) {
	r := defaultEngine().Decide(
		[]signal.SourceVerdict{
			verdict("a", signal.ActionShort, 90),
			verdict("ghost", signal.ActionLong, 99),
		},
		signal.RegimeConsolidation,
		map[string]float64{"a": 0.5},
	)
	require.True(t, r.Accepted())
	assert.Equal(t, signal.ActionShort, r.Action)
}

func TestConsensusDeterminism(t *testing.T) {
	e := defaultEngine()
	rng := rand.New(rand.NewSource(42))
	actions := []signal.Action{signal.ActionLong, signal.ActionShort, signal.ActionNeutral}
	ids := []string{"a", "b", "c", "d", "e", "f"}
	regimes := []signal.Regime{
		signal.RegimeTrending, signal.RegimeConsolidation,
		signal.RegimeVolatile, signal.RegimeUnknown,
	}

	for i := 0; i < 10000; i++ {
		n := 1 + rng.Intn(len(ids))
		verdicts := make([]signal.SourceVerdict, n)
		weights := make(map[string]float64, n)
		for j := 0; j < n; j++ {
			verdicts[j] = verdict(ids[j], actions[rng.Intn(3)], rng.Float64()*100)
			weights[ids[j]] = rng.Float64()
		}
		regime := regimes[rng.Intn(len(regimes))]

		first := e.Decide(verdicts, regime, weights)
		// Shuffle the input ordering; the decision must not change.
		rng.Shuffle(n, func(a, b int) { verdicts[a], verdicts[b] = verdicts[b], verdicts[a] })
		second := e.Decide(verdicts, regime, weights)

		require.Equal(t, first.Action, second.Action, "iteration %d", i)
		require.Equal(t, first.Confidence, second.Confidence, "iteration %d", i)
	}
}
