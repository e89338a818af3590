package strategy

import (
	"fmt"
	"time"

	"futures-signal-engine/internal/market"
)

// minEvalCandles is the warm-up floor: with fewer candles than this the core
// refuses to trade, which also shields it from empty streams caused by
// configuration mistakes.
const minEvalCandles = 50

// Evaluate is the pure evaluation core: one candle tick in, a new position
// state, trade stats and zero or more orders out. It never reads the wall
// clock; now is injected so trade-date bookkeeping stays deterministic.
func Evaluate(candles []market.Candle, cfg Config, pos PositionState, stats TradeStats, now time.Time) (PositionState, TradeStats, []Order) {
	if len(candles) < minEvalCandles || !cfg.IsActive {
		return pos, stats, nil
	}
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	if !last.HasEMAs() {
		return pos, stats, nil
	}

	today := now.UTC().Format("2006-01-02")
	if stats.LastTradeDate != today {
		stats.DailyTradeCount = 0
		stats.LastTradeDate = today
	}
	canOpen := stats.DailyTradeCount < cfg.MaxDailyTrades

	// The signal gate applies to every EMA/MACD cross, entries and exits
	// alike; TP/SL and trailing checks always run.
	gate := !cfg.TriggerOnClose || last.IsClosed
	sig := detectSignals(prev, last, &cfg, gate)

	// The trend filter and manual takeover block entries only.
	trendLong := last.EMA7 > last.EMA25 && last.EMA25 > last.EMA99
	trendShort := last.EMA7 < last.EMA25 && last.EMA25 < last.EMA99
	if cfg.TrendFilterBlockLong && trendShort {
		sig.entryLong = ""
	}
	if cfg.TrendFilterBlockShort && trendLong {
		sig.entryShort = ""
	}
	if cfg.ManualTakeover {
		sig.entryLong, sig.entryShort = "", ""
	}

	ts := now.UnixMilli()
	if !pos.IsFlat() {
		return evaluateOpenPosition(&cfg, pos, stats, sig, last, canOpen, today, ts)
	}
	if !canOpen || cfg.ManualTakeover {
		return pos, stats, nil
	}
	return evaluateEntry(&cfg, pos, stats, sig, last, ts)
}

// signalSet carries the first-match reason per slot; empty means no signal.
type signalSet struct {
	entryLong  string
	entryShort string
	exitLong   string
	exitShort  string
}

// crossOver: A was at or below B and is now above. NaN comparisons are false,
// so undefined indicator values can never fire a cross.
func crossOver(prevA, prevB, lastA, lastB float64) bool {
	return prevA <= prevB && lastA > lastB
}

func crossUnder(prevA, prevB, lastA, lastB float64) bool {
	return prevA >= prevB && lastA < lastB
}

// detectSignals evaluates the five cross signals in precedence order:
// EMA7/25, EMA7/99, EMA25/99, EMA double, MACD. The first enabled match wins
// per slot, independently for each side and for entries vs exits.
func detectSignals(prev, last market.Candle, cfg *Config, gate bool) signalSet {
	var s signalSet
	if !gate {
		return s
	}

	type crossSignal struct {
		toggle SignalToggle
		up     bool
		down   bool
		label  string
	}
	signals := []crossSignal{
		{cfg.EMA725,
			crossOver(prev.EMA7, prev.EMA25, last.EMA7, last.EMA25),
			crossUnder(prev.EMA7, prev.EMA25, last.EMA7, last.EMA25),
			"EMA7 crosses %s 25"},
		{cfg.EMA799,
			crossOver(prev.EMA7, prev.EMA99, last.EMA7, last.EMA99),
			crossUnder(prev.EMA7, prev.EMA99, last.EMA7, last.EMA99),
			"EMA7 crosses %s 99"},
		{cfg.EMA2599,
			crossOver(prev.EMA25, prev.EMA99, last.EMA25, last.EMA99),
			crossUnder(prev.EMA25, prev.EMA99, last.EMA25, last.EMA99),
			"EMA25 crosses %s 99"},
		{cfg.EMADouble,
			crossOver(prev.EMA7, prev.EMA99, last.EMA7, last.EMA99) ||
				crossOver(prev.EMA25, prev.EMA99, last.EMA25, last.EMA99),
			crossUnder(prev.EMA7, prev.EMA99, last.EMA7, last.EMA99) ||
				crossUnder(prev.EMA25, prev.EMA99, last.EMA25, last.EMA99),
			"EMA7 or 25 crosses %s 99"},
		{cfg.MACD,
			crossOver(prev.MACDLine, prev.MACDSignal, last.MACDLine, last.MACDSignal),
			crossUnder(prev.MACDLine, prev.MACDSignal, last.MACDLine, last.MACDSignal),
			"MACD crosses %s signal"},
	}

	for _, sg := range signals {
		if !sg.toggle.Enabled {
			continue
		}
		up := fmt.Sprintf(sg.label, "above")
		down := fmt.Sprintf(sg.label, "below")
		if sg.toggle.Long {
			if s.entryLong == "" && sg.up {
				s.entryLong = up + " open long"
			}
			if s.exitLong == "" && sg.down {
				s.exitLong = down + " close long"
			}
		}
		if sg.toggle.Short {
			if s.entryShort == "" && sg.down {
				s.entryShort = down + " open short"
			}
			if s.exitShort == "" && sg.up {
				s.exitShort = up + " close short"
			}
		}
	}
	return s
}

// evaluateOpenPosition walks the exit ladder in fixed order: signal exit,
// fixed TP/SL, trailing stop, multi-level TP/SL, quantity exhaustion. The
// first full-close reason ends the tick; entries are never evaluated on a
// closing tick.
func evaluateOpenPosition(cfg *Config, pos PositionState, stats TradeStats, sig signalSet, last market.Candle, canOpen bool, today string, ts int64) (PositionState, TradeStats, []Order) {
	var orders []Order
	closeReason := ""
	closeIsSignal := false

	if pos.Direction == DirectionLong && sig.exitLong != "" {
		closeReason, closeIsSignal = sig.exitLong, true
	} else if pos.Direction == DirectionShort && sig.exitShort != "" {
		closeReason, closeIsSignal = sig.exitShort, true
	}

	if closeReason == "" && cfg.UseFixedTPSL && !cfg.UseTrailingStop && !cfg.UseMultiTPSL {
		closeReason = checkFixedTPSL(cfg, &pos, last)
	}

	if closeReason == "" && cfg.UseTrailingStop {
		closeReason = checkTrailingStop(cfg, &pos, last)
	}

	if closeReason == "" && cfg.UseMultiTPSL && !cfg.UseTrailingStop {
		orders = processLevels(cfg, &pos, last, ts, orders)
		if pos.RemainingQty <= QtyEpsilon {
			closeReason = "all levels reached"
		}
	}

	if closeReason == "" {
		return pos, stats, orders
	}

	// Full close: flush whatever quantity remains, then go flat.
	if pos.RemainingQty > QtyEpsilon {
		action, position := closeAction(pos.Direction, true)
		orders = append(orders, buildOrder(cfg, action, position, pos.RemainingQty, last.Close, closeReason, ts))
	}
	prevDir := pos.Direction
	pos = FlatPosition()
	stats.DailyTradeCount++
	stats.LastTradeDate = today

	if cfg.UseReverse && closeIsSignal && !cfg.ManualTakeover && canOpen && reverseAllowed(cfg, prevDir) && last.Close > 0 {
		dir := prevDir.Opposite()
		qty := cfg.TradeAmount / last.Close
		// Entry price and quantity come from the close; the extremes seed
		// from the candle's high/low for compatibility with prior behavior.
		pos = openPosition(dir, qty, last.Close, last.High, last.Low, last.OpenTime, cfg)
		action, position := openAction(dir)
		reason := "reverse open long"
		if dir == DirectionShort {
			reason = "reverse open short"
		}
		orders = append(orders, buildOrder(cfg, action, position, qty, last.Close, reason, ts))
	}
	return pos, stats, orders
}

func reverseAllowed(cfg *Config, closed Direction) bool {
	if closed == DirectionLong {
		return cfg.ReverseLongToShort
	}
	return cfg.ReverseShortToLong
}

// checkFixedTPSL returns a close reason when the candle's extremes pierce the
// fixed take-profit or stop-loss distance.
func checkFixedTPSL(cfg *Config, pos *PositionState, last market.Candle) string {
	entry := pos.EntryPrice
	if pos.Direction == DirectionLong {
		if last.High >= entry*(1+cfg.TakeProfitPct/100) {
			return "fixed TP"
		}
		if last.Low <= entry*(1-cfg.StopLossPct/100) {
			return "fixed SL"
		}
		return ""
	}
	if last.Low <= entry*(1-cfg.TakeProfitPct/100) {
		return "fixed TP"
	}
	if last.High >= entry*(1+cfg.StopLossPct/100) {
		return "fixed SL"
	}
	return ""
}

// checkTrailingStop refreshes the position extremes, arms the stop once the
// activation distance is reached (one-shot), and fires when price retraces
// the trailing distance from the extreme.
func checkTrailingStop(cfg *Config, pos *PositionState, last market.Candle) string {
	entry := pos.EntryPrice
	if pos.Direction == DirectionLong {
		if last.High > pos.HighestPrice {
			pos.HighestPrice = last.High
		}
		if !pos.TrailingArmed && pos.HighestPrice >= entry*(1+cfg.TrailingActivationPct/100) {
			pos.TrailingArmed = true
		}
		if pos.TrailingArmed && last.Low <= pos.HighestPrice*(1-cfg.TrailingDistancePct/100) {
			return "trailing stop"
		}
		return ""
	}
	if pos.LowestPrice == 0 || last.Low < pos.LowestPrice {
		pos.LowestPrice = last.Low
	}
	if !pos.TrailingArmed && pos.LowestPrice <= entry*(1-cfg.TrailingActivationPct/100) {
		pos.TrailingArmed = true
	}
	if pos.TrailingArmed && last.High >= pos.LowestPrice*(1+cfg.TrailingDistancePct/100) {
		return "trailing stop"
	}
	return ""
}

// processLevels walks the TP ladder then the SL ladder, emitting one partial
// close per newly hit level and flagging it so a level fires at most once per
// position.
func processLevels(cfg *Config, pos *PositionState, last market.Candle, ts int64, orders []Order) []Order {
	ensureLevelFlags(pos, cfg)

	reduce := func(lvl Level, hit *bool, target float64, reached bool, reason string) {
		if !lvl.Active || *hit || pos.RemainingQty <= QtyEpsilon || !reached {
			return
		}
		qty := pos.InitialQty * lvl.QtyPct / 100
		if qty > pos.RemainingQty {
			qty = pos.RemainingQty
		}
		action, position := closeAction(pos.Direction, false)
		orders = append(orders, buildOrder(cfg, action, position, qty, last.Close, reason, ts))
		*hit = true
		pos.RemainingQty -= qty
	}

	long := pos.Direction == DirectionLong
	entry := pos.EntryPrice
	for i, lvl := range cfg.TakeProfitLevels {
		var target float64
		var reached bool
		if long {
			target = entry * (1 + lvl.Pct/100)
			reached = last.High >= target
		} else {
			target = entry * (1 - lvl.Pct/100)
			reached = last.Low <= target
		}
		reduce(lvl, &pos.TPLevelsHit[i], target, reached, fmt.Sprintf("TP level %d", i+1))
	}
	for i, lvl := range cfg.StopLossLevels {
		var target float64
		var reached bool
		if long {
			target = entry * (1 - lvl.Pct/100)
			reached = last.Low <= target
		} else {
			target = entry * (1 + lvl.Pct/100)
			reached = last.High >= target
		}
		reduce(lvl, &pos.SLLevelsHit[i], target, reached, fmt.Sprintf("SL level %d", i+1))
	}
	return orders
}

// ensureLevelFlags resizes the hit arrays when the ladder shape changed under
// an open position; already-hit flags are preserved positionally.
func ensureLevelFlags(pos *PositionState, cfg *Config) {
	if len(pos.TPLevelsHit) != len(cfg.TakeProfitLevels) {
		next := make([]bool, len(cfg.TakeProfitLevels))
		copy(next, pos.TPLevelsHit)
		pos.TPLevelsHit = next
	}
	if len(pos.SLLevelsHit) != len(cfg.StopLossLevels) {
		next := make([]bool, len(cfg.StopLossLevels))
		copy(next, pos.SLLevelsHit)
		pos.SLLevelsHit = next
	}
}

// evaluateEntry opens positions from a flat book, either immediately on a
// signal or deferred through the pullback-to-EMA7 reversion flow.
func evaluateEntry(cfg *Config, pos PositionState, stats TradeStats, sig signalSet, last market.Candle, ts int64) (PositionState, TradeStats, []Order) {
	if last.Close <= 0 {
		return pos, stats, nil
	}

	open := func(dir Direction, reason string) (PositionState, []Order) {
		qty := cfg.TradeAmount / last.Close
		p := openPosition(dir, qty, last.Close, last.Close, last.Close, last.OpenTime, cfg)
		action, position := openAction(dir)
		return p, []Order{buildOrder(cfg, action, position, qty, last.Close, reason, ts)}
	}

	if !cfg.UseReversionEntry {
		if sig.entryLong != "" {
			p, orders := open(DirectionLong, sig.entryLong)
			return p, stats, orders
		}
		if sig.entryShort != "" {
			p, orders := open(DirectionShort, sig.entryShort)
			return p, stats, orders
		}
		return pos, stats, nil
	}

	// Deferred reversion mode: record the signal, then wait for price to
	// come back to the EMA7 offset target before committing.
	if pos.PendingReversion == "" || pos.PendingReversion == DirectionFlat {
		if sig.entryLong != "" {
			pos.PendingReversion = DirectionLong
			pos.PendingReversionReason = sig.entryLong
		} else if sig.entryShort != "" {
			pos.PendingReversion = DirectionShort
			pos.PendingReversionReason = sig.entryShort
		}
		return pos, stats, nil
	}

	target := last.EMA7 * (1 + cfg.ReversionPct/100)
	triggered := (pos.PendingReversion == DirectionLong && last.Close <= target) ||
		(pos.PendingReversion == DirectionShort && last.Close >= target)
	if triggered {
		dir := pos.PendingReversion
		reason := pos.PendingReversionReason + " (reverted to EMA7)"
		p, orders := open(dir, reason)
		return p, stats, orders
	}

	// No trigger yet: an opposite signal flips the pending side.
	if pos.PendingReversion == DirectionLong && sig.entryShort != "" {
		pos.PendingReversion = DirectionShort
		pos.PendingReversionReason = sig.entryShort
	} else if pos.PendingReversion == DirectionShort && sig.entryLong != "" {
		pos.PendingReversion = DirectionLong
		pos.PendingReversionReason = sig.entryLong
	}
	return pos, stats, nil
}

// buildOrder assembles the webhook payload for one fill instruction.
func buildOrder(cfg *Config, action, position string, qty, price float64, reason string, ts int64) Order {
	return Order{
		Action:            action,
		Position:          position,
		Symbol:            cfg.Symbol,
		Quantity:          formatQty(qty),
		TradeAmount:       qty * price,
		Leverage:          cfg.EffectiveLeverage(),
		Timestamp:         ts,
		TVExchange:        cfg.TVExchange,
		StrategyName:      cfg.Name,
		TPLevel:           reason,
		ExecutionPrice:    price,
		ExecutionQuantity: qty,
	}
}
