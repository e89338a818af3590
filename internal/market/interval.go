package market

import "strconv"

// Interval is a symbolic candle interval code such as "1m" or "4h".
type Interval string

// The closed set of 23 supported intervals.
const (
	Interval1m  Interval = "1m"
	Interval2m  Interval = "2m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval6m  Interval = "6m"
	Interval10m Interval = "10m"
	Interval15m Interval = "15m"
	Interval20m Interval = "20m"
	Interval30m Interval = "30m"
	Interval45m Interval = "45m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval3h  Interval = "3h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval10h Interval = "10h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval2d  Interval = "2d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// SupportedIntervals lists every interval the engine accepts, smallest first.
var SupportedIntervals = []Interval{
	Interval1m, Interval2m, Interval3m, Interval5m, Interval6m, Interval10m,
	Interval15m, Interval20m, Interval30m, Interval45m,
	Interval1h, Interval2h, Interval3h, Interval4h, Interval6h, Interval8h,
	Interval10h, Interval12h,
	Interval1d, Interval2d, Interval3d, Interval1w, Interval1M,
}

// nativeIntervals are directly supported by the exchange; everything else is
// synthesized by resampling a native base.
var nativeIntervals = map[Interval]bool{
	Interval1m: true, Interval3m: true, Interval5m: true, Interval15m: true,
	Interval30m: true, Interval1h: true, Interval2h: true, Interval4h: true,
	Interval6h: true, Interval8h: true, Interval12h: true, Interval1d: true,
	Interval3d: true, Interval1w: true, Interval1M: true,
}

// baseForSynthesized maps each synthesized interval to its largest native
// divisor. Unmapped non-native intervals fall back to 1m.
var baseForSynthesized = map[Interval]Interval{
	Interval2m:  Interval1m,
	Interval6m:  Interval3m,
	Interval10m: Interval5m,
	Interval20m: Interval5m,
	Interval45m: Interval15m,
	Interval3h:  Interval1h,
	Interval10h: Interval2h,
	Interval2d:  Interval1d,
}

// unit factors in milliseconds.
const (
	msSecond = int64(1000)
	msMinute = 60 * msSecond
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
	msWeek   = 7 * msDay
	msMonth  = 30 * msDay
)

// IsSupported reports whether i is one of the 23 supported interval codes.
func IsSupported(i Interval) bool {
	for _, s := range SupportedIntervals {
		if s == i {
			return true
		}
	}
	return false
}

// IsNative reports whether the exchange serves this interval directly.
func (i Interval) IsNative() bool {
	return nativeIntervals[i]
}

// Base resolves the native interval the engine streams to build i. Native
// intervals are their own base.
func (i Interval) Base() Interval {
	if i.IsNative() {
		return i
	}
	if base, ok := baseForSynthesized[i]; ok {
		return base
	}
	return Interval1m
}

// Milliseconds returns the fixed width of the interval, numeric prefix times
// the unit factor. Unparsable codes default to one minute.
func (i Interval) Milliseconds() int64 {
	s := string(i)
	if len(s) < 2 {
		return msMinute
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return msMinute
	}
	switch s[len(s)-1] {
	case 's':
		return n * msSecond
	case 'm':
		return n * msMinute
	case 'h':
		return n * msHour
	case 'd':
		return n * msDay
	case 'w':
		return n * msWeek
	case 'M':
		return n * msMonth
	default:
		return msMinute
	}
}
