package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/signal"
)

func snapshotFromCloses(symbol string, closes []float64) *Snapshot {
	snap := &Snapshot{Symbol: symbol, Price: closes[len(closes)-1], FetchedAt: time.Now()}
	base := time.Now().Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		snap.Candles = append(snap.Candles, Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c * 1.002,
			Low:       c * 0.998,
			Close:     c,
			Volume:    1000,
		})
	}
	return snap
}

func TestTechnicalSourceVotesLongOnUptrend(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.3
	}
	src := NewTechnicalSource()
	v, err := src.FetchVerdict(context.Background(), "AAPL", time.Now(), snapshotFromCloses("AAPL", closes))
	require.NoError(t, err)
	assert.Equal(t, signal.ActionLong, v.Verdict)
	assert.GreaterOrEqual(t, v.Confidence, 65.0)
	assert.Equal(t, "bullish", v.Features["trend"].Str)
}

func TestTechnicalSourceVotesShortOnDowntrend(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 200 - float64(i)*0.3
	}
	src := NewTechnicalSource()
	v, err := src.FetchVerdict(context.Background(), "AAPL", time.Now(), snapshotFromCloses("AAPL", closes))
	require.NoError(t, err)
	assert.Equal(t, signal.ActionShort, v.Verdict)
	assert.Equal(t, "bearish", v.Features["trend"].Str)
}

func TestTechnicalSourceRejectsShortWindow(t *testing.T) {
	src := NewTechnicalSource()
	_, err := src.FetchVerdict(context.Background(), "AAPL", time.Now(), snapshotFromCloses("AAPL", []float64{1, 2, 3}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMomentumSourceDirection(t *testing.T) {
	src := NewMomentumSource()

	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)*0.5
	}
	v, err := src.FetchVerdict(context.Background(), "BTC-USD", time.Now(), snapshotFromCloses("BTC-USD", up))
	require.NoError(t, err)
	assert.Equal(t, signal.ActionLong, v.Verdict)
	assert.Greater(t, v.Features["roc_pct"].Num, 0.0)

	flat := make([]float64, 60)
	for i := range flat {
		flat[i] = 100
	}
	v, err = src.FetchVerdict(context.Background(), "BTC-USD", time.Now(), snapshotFromCloses("BTC-USD", flat))
	require.NoError(t, err)
	assert.Equal(t, signal.ActionNeutral, v.Verdict)
}
