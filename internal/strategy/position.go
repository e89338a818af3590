// Package strategy contains the per-strategy runtime and the pure evaluation
// core that turns candle ticks into orders.
package strategy

import "strconv"

// QtyEpsilon is the tolerance under which a remaining quantity counts as
// exhausted. Kept explicit so partial-close arithmetic never flip-flops on
// float dust.
const QtyEpsilon = 1e-6

// Direction of a position.
type Direction string

const (
	DirectionFlat  Direction = "FLAT"
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the reversed direction; FLAT stays FLAT.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// PositionState tracks one strategy's open position. A FLAT position has all
// quantities and prices zeroed and empty level-hit arrays.
type PositionState struct {
	Direction    Direction `json:"direction"`
	InitialQty   float64   `json:"initialQty"`
	RemainingQty float64   `json:"remainingQty"`
	EntryPrice   float64   `json:"entryPrice"`
	HighestPrice float64   `json:"highestPrice"`
	LowestPrice  float64   `json:"lowestPrice"`
	OpenTime     int64     `json:"openTime"`
	TPLevelsHit  []bool    `json:"tpLevelsHit"`
	SLLevelsHit  []bool    `json:"slLevelsHit"`
	// TrailingArmed latches once the activation threshold is reached and
	// never re-arms within the same position.
	TrailingArmed bool `json:"trailingArmed"`

	PendingReversion       Direction `json:"pendingReversion,omitempty"`
	PendingReversionReason string    `json:"pendingReversionReason,omitempty"`
}

// FlatPosition returns the canonical empty position.
func FlatPosition() PositionState {
	return PositionState{Direction: DirectionFlat}
}

// IsFlat reports whether no position is open.
func (p *PositionState) IsFlat() bool {
	return p.Direction == DirectionFlat || p.Direction == ""
}

// openPosition builds a fresh position. Extremes default to the entry price;
// the reverse-open path overrides them with the candle extremes.
func openPosition(dir Direction, qty, entry, highest, lowest float64, openTime int64, cfg *Config) PositionState {
	return PositionState{
		Direction:    dir,
		InitialQty:   qty,
		RemainingQty: qty,
		EntryPrice:   entry,
		HighestPrice: highest,
		LowestPrice:  lowest,
		OpenTime:     openTime,
		TPLevelsHit:  make([]bool, len(cfg.TakeProfitLevels)),
		SLLevelsHit:  make([]bool, len(cfg.StopLossLevels)),
	}
}

// TradeStats counts trades against the daily cap. The count resets whenever
// the current UTC date moves past LastTradeDate.
type TradeStats struct {
	DailyTradeCount int    `json:"dailyTradeCount"`
	LastTradeDate   string `json:"lastTradeDate"` // YYYY-MM-DD, UTC
}

// Order is the webhook payload emitted for every entry, exit and reversal.
type Order struct {
	Action            string  `json:"action"`   // buy | sell
	Position          string  `json:"position"` // long | short | flat
	Symbol            string  `json:"symbol"`
	Quantity          string  `json:"quantity"`
	TradeAmount       float64 `json:"trade_amount"`
	Leverage          int     `json:"leverage"`
	Timestamp         int64   `json:"timestamp"`
	TVExchange        string  `json:"tv_exchange"`
	StrategyName      string  `json:"strategy_name"`
	TPLevel           string  `json:"tp_level"` // human-readable reason
	ExecutionPrice    float64 `json:"execution_price"`
	ExecutionQuantity float64 `json:"execution_quantity"`
}

// formatQty stringifies a quantity without trailing zeros.
func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// openAction maps a direction being opened to its action/position pair.
func openAction(dir Direction) (action, position string) {
	if dir == DirectionShort {
		return "sell", "short"
	}
	return "buy", "long"
}

// closeAction maps a direction being reduced to its action, with the
// position field "flat" for full closes and the lowercase direction for
// partial reductions.
func closeAction(dir Direction, full bool) (action, position string) {
	action = "sell"
	if dir == DirectionShort {
		action = "buy"
	}
	if full {
		return action, "flat"
	}
	if dir == DirectionShort {
		return action, "short"
	}
	return action, "long"
}
