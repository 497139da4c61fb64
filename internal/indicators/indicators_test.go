package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trendingSeries(n int) (high, low, closePrices []float64) {
	for i := 0; i < n; i++ {
		c := 100 + float64(i)*0.5
		closePrices = append(closePrices, c)
		high = append(high, c+0.4)
		low = append(low, c-0.4)
	}
	return
}

func flatSeries(n int) (high, low, closePrices []float64) {
	for i := 0; i < n; i++ {
		c := 100 + 0.2*math.Sin(float64(i))
		closePrices = append(closePrices, c)
		high = append(high, c+0.1)
		low = append(low, c-0.1)
	}
	return
}

func TestEMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	values, err := EMA(prices, 3)
	require.NoError(t, err)
	require.NotEmpty(t, values)
	// EMA of a rising series tracks below the last price but rises.
	assert.Greater(t, values[len(values)-1], values[0])

	_, err = EMA(prices, 0)
	assert.Error(t, err)
	_, err = EMA(prices, 11)
	assert.Error(t, err)
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(100 + i)
	}
	values, err := RSI(up, 14)
	require.NoError(t, err)
	assert.Greater(t, values[len(values)-1], 70.0, "monotonic rise should read overbought")

	down := make([]float64, 30)
	for i := range down {
		down[i] = float64(200 - i)
	}
	values, err = RSI(down, 14)
	require.NoError(t, err)
	assert.Less(t, values[len(values)-1], 30.0, "monotonic fall should read oversold")
}

func TestMACDRequiresEnoughData(t *testing.T) {
	_, _, err := MACD(make([]float64, 10), 12, 26, 9)
	assert.Error(t, err)

	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	macdLine, signalLine, err := MACD(prices, 12, 26, 9)
	require.NoError(t, err)
	assert.Equal(t, len(macdLine), len(signalLine))
}

func TestADXDistinguishesTrendFromChop(t *testing.T) {
	h, l, c := trendingSeries(100)
	trendADX, err := ADX(h, l, c, 14)
	require.NoError(t, err)

	h, l, c = flatSeries(100)
	flatADX, err := ADX(h, l, c, 14)
	require.NoError(t, err)

	assert.Greater(t, trendADX, 25.0)
	assert.Greater(t, trendADX, flatADX)
}

func TestATRPct(t *testing.T) {
	h, l, c := trendingSeries(50)
	atr, err := ATRPct(h, l, c, 14)
	require.NoError(t, err)
	assert.Greater(t, atr, 0.0)
	assert.Less(t, atr, 5.0)

	_, err = ATRPct(h[:5], l[:5], c[:5], 14)
	assert.Error(t, err)
}

func TestRegressionSlope(t *testing.T) {
	_, _, up := trendingSeries(50)
	slope, err := RegressionSlope(up)
	require.NoError(t, err)
	assert.Greater(t, slope, 0.0)

	var down []float64
	for i := 0; i < 50; i++ {
		down = append(down, 200-float64(i))
	}
	slope, err = RegressionSlope(down)
	require.NoError(t, err)
	assert.Less(t, slope, 0.0)

	_, err = RegressionSlope([]float64{1})
	assert.Error(t, err)
}
