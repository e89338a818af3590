// Package market holds the candle model, the interval table and the
// resampler that synthesizes non-native intervals from a native base.
package market

import (
	"math"
	"sort"
)

// Candle represents one OHLCV bar for a (symbol, interval) series.
// Indicator fields are populated by the indicator kernel on delivery and are
// never persisted; NaN marks a value that is not yet defined.
type Candle struct {
	Symbol   string  `json:"symbol"`
	OpenTime int64   `json:"openTime"` // epoch milliseconds
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsClosed bool    `json:"isClosed"`

	EMA7       float64 `json:"-"`
	EMA25      float64 `json:"-"`
	EMA99      float64 `json:"-"`
	MACDLine   float64 `json:"-"`
	MACDSignal float64 `json:"-"`
	MACDHist   float64 `json:"-"`
}

// HasEMAs reports whether all three EMAs are defined on the candle.
func (c *Candle) HasEMAs() bool {
	return !math.IsNaN(c.EMA7) && !math.IsNaN(c.EMA25) && !math.IsNaN(c.EMA99)
}

// ClearIndicators resets all indicator fields to undefined.
func (c *Candle) ClearIndicators() {
	c.EMA7 = math.NaN()
	c.EMA25 = math.NaN()
	c.EMA99 = math.NaN()
	c.MACDLine = math.NaN()
	c.MACDSignal = math.NaN()
	c.MACDHist = math.NaN()
}

// NormalizeSeries sorts candles by open time, drops duplicate open times
// (last write wins) and trims the head so at most cap entries remain.
// A cap of zero or less means no trimming.
func NormalizeSeries(candles []Candle, cap int) []Candle {
	if len(candles) == 0 {
		return candles
	}
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	if cap > 0 && len(out) > cap {
		out = out[len(out)-cap:]
	}
	return out
}

// TailCopy returns a copy of the last n candles (all of them when n <= 0 or
// n >= len). Callers hand these copies to subscribers, so mutations on the
// delivered slice never reach the shard's buffer.
func TailCopy(candles []Candle, n int) []Candle {
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out
}
