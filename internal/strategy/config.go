package strategy

import (
	"encoding/json"
	"fmt"

	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
)

// SignalToggle enables one cross-based signal and selects which sides it may
// act on. The long flag covers opening longs on the bullish cross and closing
// longs on the bearish one; the short flag is symmetric.
type SignalToggle struct {
	Enabled bool `json:"enabled"`
	Long    bool `json:"long"`
	Short   bool `json:"short"`
}

// Level is one rung of a multi-level TP/SL ladder. Pct is the distance from
// the entry price; QtyPct is the share of the initial quantity to reduce.
type Level struct {
	Active bool    `json:"active"`
	Pct    float64 `json:"pct"`
	QtyPct float64 `json:"qtyPct"`
}

// Config is the immutable snapshot of one strategy's parameters. Updates
// replace the whole value.
type Config struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Symbol     string          `json:"symbol"`
	Interval   market.Interval `json:"interval"`
	IsActive   bool            `json:"isActive"`
	WebhookURL string          `json:"webhookUrl"`
	TVExchange string          `json:"tvExchange"`

	TradeAmount    float64 `json:"tradeAmount"`
	Leverage       int     `json:"leverage"`
	TriggerOnClose bool    `json:"triggerOnClose"`
	MaxDailyTrades int     `json:"maxDailyTrades"`

	TrendFilterBlockLong  bool `json:"trendFilterBlockLong"`
	TrendFilterBlockShort bool `json:"trendFilterBlockShort"`

	EMA725    SignalToggle `json:"ema7_25"`
	EMA799    SignalToggle `json:"ema7_99"`
	EMA2599   SignalToggle `json:"ema25_99"`
	EMADouble SignalToggle `json:"emaDouble"` // 7-or-25 vs 99
	MACD      SignalToggle `json:"macd"`

	MACDParams indicator.MACDParams `json:"macdParams"`

	UseFixedTPSL  bool    `json:"useFixedTPSL"`
	TakeProfitPct float64 `json:"takeProfitPct"`
	StopLossPct   float64 `json:"stopLossPct"`

	UseTrailingStop       bool    `json:"useTrailingStop"`
	TrailingActivationPct float64 `json:"trailingActivationPct"`
	TrailingDistancePct   float64 `json:"trailingDistancePct"`

	UseMultiTPSL     bool    `json:"useMultiTPSL"`
	TakeProfitLevels []Level `json:"takeProfitLevels"`
	StopLossLevels   []Level `json:"stopLossLevels"`

	UseReverse         bool `json:"useReverse"`
	ReverseLongToShort bool `json:"reverseLongToShort"`
	ReverseShortToLong bool `json:"reverseShortToLong"`

	UseReversionEntry bool    `json:"useReversionEntry"`
	ReversionPct      float64 `json:"reversionPct"`

	ManualTakeover    bool      `json:"manualTakeover"`
	TakeoverDirection Direction `json:"takeoverDirection"`
	TakeoverQuantity  float64   `json:"takeoverQuantity"`
}

// DefaultConfig returns the safe baseline every strategy starts from and the
// base restored snapshots are merged over, so fields added after a snapshot
// was written take these values.
func DefaultConfig() Config {
	return Config{
		Name:              "strategy",
		Symbol:            "BTCUSDT",
		Interval:          market.Interval1m,
		IsActive:          false,
		TradeAmount:       100,
		Leverage:          5,
		TriggerOnClose:    true,
		MaxDailyTrades:    10,
		EMA725:            SignalToggle{Enabled: true, Long: true, Short: true},
		MACDParams:        indicator.DefaultMACD,
		TakeoverDirection: DirectionFlat,
	}
}

// MergeConfig applies a partial JSON document over base, shallow-merge
// semantics: only fields present in the document change. This is both the
// config-update path and the snapshot schema-drift guard.
func MergeConfig(base Config, partial []byte) (Config, error) {
	merged := base
	if len(partial) == 0 {
		return merged, nil
	}
	if err := json.Unmarshal(partial, &merged); err != nil {
		return base, fmt.Errorf("merge config: %w", err)
	}
	return merged, nil
}

// EffectiveLeverage returns the configured leverage, defaulting to 5.
func (c *Config) EffectiveLeverage() int {
	if c.Leverage <= 0 {
		return 5
	}
	return c.Leverage
}
