// Package store persists engine snapshots: candle buffers, strategy
// snapshots and the order log. Each entity lives under one stable key and is
// overwritten atomically as a whole. Callers serialize writes per key.
package store

import (
	"fmt"
	"strings"

	"futures-signal-engine/internal/market"
)

// Well-known snapshot keys.
const (
	KeyStrategies = "strategies"
	KeyOrderLog   = "logs"
)

// CandleKey returns the snapshot key for a (symbol, base interval) series,
// e.g. "BTCUSDT_1m".
func CandleKey(symbol string, interval market.Interval) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(symbol), interval)
}

// Store is a JSON snapshot store. Load decodes the entity under key into v
// and reports ErrNotFound when the key has never been written. Save
// overwrites the whole entity atomically.
type Store interface {
	Load(key string, v interface{}) error
	Save(key string, v interface{}) error
	Close() error
}
