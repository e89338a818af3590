// Package indicator enriches candle series with EMA and MACD values.
// Enrichment is a pure function of the input sequence: the same candles and
// parameters always produce the same values.
package indicator

import (
	"math"

	"futures-signal-engine/internal/market"
)

// MACDParams configures the MACD fast/slow/signal periods.
type MACDParams struct {
	Fast   int `json:"fast"`
	Slow   int `json:"slow"`
	Signal int `json:"signal"`
}

// DefaultMACD is the conventional 12/26/9 parameter set.
var DefaultMACD = MACDParams{Fast: 12, Slow: 26, Signal: 9}

// EMA periods enriched on every candle.
const (
	emaShort = 7
	emaMid   = 25
	emaLong  = 99
)

// Enrich computes EMA(7/25/99) and MACD over closes and writes the values
// onto the candles in place. Values that cannot be computed yet stay NaN.
func Enrich(candles []market.Candle, p MACDParams) {
	if p.Fast <= 0 || p.Slow <= 0 || p.Signal <= 0 {
		p = DefaultMACD
	}

	closes := make([]float64, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}

	ema7 := emaSeries(closes, emaShort)
	ema25 := emaSeries(closes, emaMid)
	ema99 := emaSeries(closes, emaLong)
	fast := emaSeries(closes, p.Fast)
	slow := emaSeries(closes, p.Slow)

	macd := make([]float64, len(candles))
	for i := range macd {
		macd[i] = fast[i] - slow[i] // NaN propagates while either leg is undefined
	}
	signal := emaSeries(macd, p.Signal)

	for i := range candles {
		candles[i].EMA7 = ema7[i]
		candles[i].EMA25 = ema25[i]
		candles[i].EMA99 = ema99[i]
		candles[i].MACDLine = macd[i]
		candles[i].MACDSignal = signal[i]
		candles[i].MACDHist = macd[i] - signal[i]
	}
}

// emaSeries computes EMA(n) over values with smoothing 2/(n+1), seeded by the
// simple mean of the first n defined values. Entries before the seed window
// completes are NaN. Leading NaNs in the input (e.g. a MACD line) shift the
// window start accordingly.
func emaSeries(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(values) == 0 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < n+1 {
		return out
	}

	sum := 0.0
	for i := start; i < start+n; i++ {
		sum += values[i]
	}
	alpha := 2.0 / float64(n+1)
	ema := sum / float64(n)
	for i := start + n; i < len(values); i++ {
		ema = values[i]*alpha + ema*(1-alpha)
		out[i] = ema
	}
	return out
}
