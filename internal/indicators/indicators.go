// Package indicators provides the technical indicator calculations used
// by the regime detector and the technical data sources. EMA, RSI, and
// MACD come from cinar/indicator; ADX is implemented here because it is
// not available in cinar/indicator v2.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// sliceToChan feeds a slice into a closed channel, the input form
// cinar/indicator computes over.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// EMA returns the exponential moving average series for the given period.
func EMA(prices []float64, period int) ([]float64, error) {
	if period < 1 || period > len(prices) {
		return nil, fmt.Errorf("invalid EMA period %d for %d prices", period, len(prices))
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	values := collect(ema.Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no EMA values calculated")
	}
	return values, nil
}

// RSI returns the relative strength index series for the given period.
func RSI(prices []float64, period int) ([]float64, error) {
	if period < 1 || len(prices) < period+1 {
		return nil, fmt.Errorf("invalid RSI period %d for %d prices", period, len(prices))
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := collect(rsi.Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}
	return values, nil
}

// MACD returns the MACD and signal line series.
func MACD(prices []float64, fast, slow, signalPeriod int) (macdLine, signalLine []float64, err error) {
	if len(prices) < slow+signalPeriod {
		return nil, nil, fmt.Errorf("insufficient data for MACD: need %d prices, got %d", slow+signalPeriod, len(prices))
	}
	macd := trend.NewMacdWithPeriod[float64](fast, slow, signalPeriod)
	macdChan, signalChan := macd.Compute(sliceToChan(prices))
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdLine = append(macdLine, m)
		signalLine = append(signalLine, s)
	}
	if len(macdLine) == 0 {
		return nil, nil, fmt.Errorf("no MACD values calculated")
	}
	return macdLine, signalLine, nil
}

// ADX calculates the Average Directional Index over high/low/close series.
func ADX(high, low, closePrices []float64, period int) (float64, error) {
	if len(high) != len(low) || len(high) != len(closePrices) {
		return 0, fmt.Errorf("high, low, and close arrays must have the same length")
	}
	if period < 1 {
		return 0, fmt.Errorf("invalid period: %d", period)
	}
	if len(closePrices) < period*2 {
		return 0, fmt.Errorf("insufficient data: need at least %d prices, got %d", period*2, len(closePrices))
	}

	n := len(closePrices)
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-closePrices[i-1]),
				math.Abs(low[i]-closePrices[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	return adxValues[n-1], nil
}

// ATRPct returns the Average True Range of the window expressed as a
// percentage of the last close.
func ATRPct(high, low, closePrices []float64, period int) (float64, error) {
	if len(high) != len(low) || len(high) != len(closePrices) {
		return 0, fmt.Errorf("high, low, and close arrays must have the same length")
	}
	n := len(closePrices)
	if n < period+1 {
		return 0, fmt.Errorf("insufficient data for ATR: need %d prices, got %d", period+1, n)
	}

	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-closePrices[i-1]),
				math.Abs(low[i]-closePrices[i-1])))
	}

	atr := smoothWilder(tr, period)
	lastClose := closePrices[n-1]
	if lastClose == 0 {
		return 0, fmt.Errorf("last close is zero")
	}
	return atr[n-1] / lastClose * 100, nil
}

// RegressionSlope fits a least-squares line through the closes and
// returns the slope normalized by the mean price, i.e. fractional drift
// per bar. Positive means up-trend.
func RegressionSlope(closePrices []float64) (float64, error) {
	n := len(closePrices)
	if n < 2 {
		return 0, fmt.Errorf("need at least 2 prices for regression")
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range closePrices {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0, fmt.Errorf("degenerate regression input")
	}
	slope := (fn*sumXY - sumX*sumY) / denom

	mean := sumY / fn
	if mean == 0 {
		return 0, fmt.Errorf("mean price is zero")
	}
	return slope / mean, nil
}

// smoothWilder applies Wilder's smoothing method.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
