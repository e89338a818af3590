package market

// Resample aggregates base-interval candles into target-interval buckets.
// Input must be sorted by open time; output is sorted by bucket start and
// every bucket start is a multiple of the target width. A bucket is marked
// closed once a closed base candle's end reaches or passes the bucket's end.
func Resample(base []Candle, baseInterval, target Interval) []Candle {
	if len(base) == 0 {
		return nil
	}
	baseMs := baseInterval.Milliseconds()
	targetMs := target.Milliseconds()
	if targetMs <= 0 {
		return nil
	}

	out := make([]Candle, 0, int64(len(base))*baseMs/targetMs+1)
	for _, c := range base {
		bucket := c.OpenTime / targetMs * targetMs
		if n := len(out); n > 0 && out[n-1].OpenTime == bucket {
			agg := &out[n-1]
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
			agg.Close = c.Close
			agg.Volume += c.Volume
			if c.IsClosed && c.OpenTime+baseMs >= bucket+targetMs {
				agg.IsClosed = true
			}
			continue
		}
		agg := Candle{
			Symbol:   c.Symbol,
			OpenTime: bucket,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
			IsClosed: c.IsClosed && c.OpenTime+baseMs >= bucket+targetMs,
		}
		agg.ClearIndicators()
		out = append(out, agg)
	}
	return out
}
