package strategy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/engine"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/metrics"
)

// DataFeed is the slice of the data engine the runtime needs. *engine.Engine
// satisfies it; tests inject a stub.
type DataFeed interface {
	Subscribe(subID, symbol string, target market.Interval, deliver engine.Subscriber) error
	Unsubscribe(subID, symbol string, target market.Interval)
}

// Dispatcher delivers one order payload to a webhook URL. Implementations are
// fire-and-forget; Dispatch must not block the caller.
type Dispatcher interface {
	Dispatch(url string, order Order)
}

// Snapshot is the persisted view of one strategy.
type Snapshot struct {
	Config   Config        `json:"config"`
	Position PositionState `json:"position"`
	Stats    TradeStats    `json:"stats"`
}

// Runtime binds one strategy config to the data engine: it receives candle
// batches, runs the evaluation core and emits the resulting orders.
//
// Candle batches arrive on the shard's goroutine while the shard lock is
// held, so the runtime never calls back into the data feed from inside its
// own mutex; Start, Stop and UpdateConfig talk to the feed only after
// releasing it.
type Runtime struct {
	mu        sync.Mutex
	cfg       Config
	pos       PositionState
	stats     TradeStats
	lastPrice float64
	started   bool

	feed       DataFeed
	dispatcher Dispatcher
	bus        *events.Bus
	onOrder    func(Order)
	logger     zerolog.Logger
	clock      func() time.Time
}

// NewRuntime wires a runtime. onOrder is invoked synchronously for every
// emitted order (the supervisor uses it for the order log and persistence);
// it may be nil.
func NewRuntime(cfg Config, feed DataFeed, dispatcher Dispatcher, bus *events.Bus, onOrder func(Order), logger zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		pos:        FlatPosition(),
		feed:       feed,
		dispatcher: dispatcher,
		bus:        bus,
		onOrder:    onOrder,
		logger:     logger.With().Str("component", "strategy").Str("strategy", cfg.Name).Logger(),
		clock:      time.Now,
	}
}

// Start subscribes the runtime to its configured (symbol, interval).
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	id, symbol, interval := r.cfg.ID, r.cfg.Symbol, r.cfg.Interval
	r.mu.Unlock()

	if err := r.feed.Subscribe(id, symbol, interval, r.onCandles); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return fmt.Errorf("start strategy %s: %w", id, err)
	}
	return nil
}

// Stop unsubscribes the runtime from the data engine.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	id, symbol, interval := r.cfg.ID, r.cfg.Symbol, r.cfg.Interval
	r.mu.Unlock()

	r.feed.Unsubscribe(id, symbol, interval)
}

// onCandles is the data engine callback: one enriched batch in, evaluation
// out. The batch is the runtime's private copy.
func (r *Runtime) onCandles(candles []market.Candle) {
	if len(candles) == 0 {
		return
	}

	r.mu.Lock()
	if !strings.EqualFold(candles[0].Symbol, r.cfg.Symbol) {
		got, want := candles[0].Symbol, r.cfg.Symbol
		r.mu.Unlock()
		metrics.IdentityDrops.Inc()
		r.logger.Error().Str("got", got).Str("want", want).Msg("candle batch symbol mismatch, batch dropped")
		r.bus.PublishError("strategy", fmt.Sprintf("candle batch for %s delivered to %s, dropped", got, want), nil)
		return
	}
	r.lastPrice = candles[len(candles)-1].Close

	indicator.Enrich(candles, r.cfg.MACDParams)
	prev := r.pos
	pos, stats, orders := Evaluate(candles, r.cfg, r.pos, r.stats, r.clock())
	r.pos = pos
	r.stats = stats
	for _, o := range orders {
		r.emitLocked(o)
	}
	if len(orders) > 0 {
		r.bus.PublishSignal(r.cfg.Name, r.cfg.Symbol, orders[0].TPLevel, r.lastPrice)
		r.publishTransitionLocked(prev, r.lastPrice)
	}
	r.mu.Unlock()
}

// publishTransitionLocked surfaces position open/close boundaries on the
// event bus. A reversal crosses both.
func (r *Runtime) publishTransitionLocked(prev PositionState, price float64) {
	closed := !prev.IsFlat() && (r.pos.IsFlat() || r.pos.Direction != prev.Direction)
	opened := !r.pos.IsFlat() && (prev.IsFlat() || r.pos.Direction != prev.Direction)
	if closed {
		r.bus.PublishPositionClosed(r.cfg.Name, r.cfg.Symbol, string(prev.Direction), prev.EntryPrice, price, prev.RemainingQty)
	}
	if opened {
		r.bus.PublishPositionOpened(r.cfg.Name, r.cfg.Symbol, string(r.pos.Direction), r.pos.EntryPrice, r.pos.RemainingQty)
	}
}

// ManualOrder synthesizes one order at the last seen price and installs the
// matching position state. FLAT closes whatever remains; LONG and SHORT open
// a fresh position sized by the trade amount.
func (r *Runtime) ManualOrder(dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	price := r.lastPrice
	if price <= 0 {
		return fmt.Errorf("manual order: no market price yet for %s", r.cfg.Symbol)
	}
	ts := r.clock().UnixMilli()

	prev := r.pos
	if dir == DirectionFlat {
		if !r.pos.IsFlat() && r.pos.RemainingQty > QtyEpsilon {
			action, position := closeAction(r.pos.Direction, true)
			r.emitLocked(buildOrder(&r.cfg, action, position, r.pos.RemainingQty, price, "manual flat", ts))
		}
		r.pos = FlatPosition()
		r.publishTransitionLocked(prev, price)
		return nil
	}

	qty := r.cfg.TradeAmount / price
	r.pos = openPosition(dir, qty, price, price, price, ts, &r.cfg)
	r.bumpTradeCountLocked()
	reason := "manual long"
	if dir == DirectionShort {
		reason = "manual short"
	}
	action, position := openAction(dir)
	r.emitLocked(buildOrder(&r.cfg, action, position, qty, price, reason, ts))
	r.publishTransitionLocked(prev, price)
	return nil
}

// UpdateConfig replaces the strategy's config. A symbol or interval change
// restarts the data subscription; a manual-takeover flag turning on runs the
// takeover initializer.
func (r *Runtime) UpdateConfig(next Config) error {
	r.mu.Lock()
	prev := r.cfg
	next.ID = prev.ID
	r.cfg = next
	r.logger = r.logger.With().Str("strategy", next.Name).Logger()

	if !prev.ManualTakeover && next.ManualTakeover {
		r.initTakeoverLocked()
	}

	restart := r.started &&
		(!strings.EqualFold(prev.Symbol, next.Symbol) || prev.Interval != next.Interval)
	if restart {
		r.lastPrice = 0
	}
	r.mu.Unlock()

	if restart {
		r.feed.Unsubscribe(prev.ID, prev.Symbol, prev.Interval)
		if err := r.feed.Subscribe(prev.ID, next.Symbol, next.Interval, r.onCandles); err != nil {
			return fmt.Errorf("resubscribe strategy %s: %w", prev.ID, err)
		}
	}
	return nil
}

// initTakeoverLocked installs the operator-declared position when manual
// takeover turns on.
func (r *Runtime) initTakeoverLocked() {
	dir := r.cfg.TakeoverDirection
	if dir == DirectionFlat || dir == "" {
		r.pos = FlatPosition()
		return
	}
	price := r.lastPrice
	if price <= 0 {
		r.logger.Warn().Msg("manual takeover requested before any market price, position not installed")
		return
	}
	qty := r.cfg.TakeoverQuantity
	prev := r.pos
	r.pos = openPosition(dir, qty, price, price, price, r.clock().UnixMilli(), &r.cfg)
	r.bumpTradeCountLocked()
	action, position := openAction(dir)
	r.emitLocked(buildOrder(&r.cfg, action, position, qty, price, "manual takeover init", r.clock().UnixMilli()))
	r.publishTransitionLocked(prev, price)
}

func (r *Runtime) bumpTradeCountLocked() {
	today := r.clock().UTC().Format("2006-01-02")
	if r.stats.LastTradeDate != today {
		r.stats.DailyTradeCount = 0
	}
	r.stats.DailyTradeCount++
	r.stats.LastTradeDate = today
}

// emitLocked ships one order through the webhook dispatcher, metrics, the
// event bus and the supervisor callback.
func (r *Runtime) emitLocked(o Order) {
	metrics.OrdersEmitted.WithLabelValues(r.cfg.Name, o.Action).Inc()
	r.logger.Info().
		Str("action", o.Action).
		Str("position", o.Position).
		Str("qty", o.Quantity).
		Float64("price", o.ExecutionPrice).
		Str("reason", o.TPLevel).
		Msg("order emitted")
	if r.dispatcher != nil && r.cfg.WebhookURL != "" {
		r.dispatcher.Dispatch(r.cfg.WebhookURL, o)
	}
	if r.bus != nil {
		r.bus.PublishOrder(r.cfg.Name, o.Symbol, o.Action, o.Position, o.TPLevel, o.ExecutionPrice)
	}
	if r.onOrder != nil {
		r.onOrder(o)
	}
}

// Snapshot returns the persistable view of the strategy.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Config: r.cfg, Position: r.pos, Stats: r.stats}
}

// RestoreState re-installs a loaded position and stats, used at startup
// before the runtime subscribes.
func (r *Runtime) RestoreState(pos PositionState, stats TradeStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos.IsFlat() {
		pos = FlatPosition()
	}
	r.pos = pos
	r.stats = stats
}

// Config returns a copy of the current config.
func (r *Runtime) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Status is the introspection view served by the API.
type Status struct {
	Config    Config        `json:"config"`
	Position  PositionState `json:"position"`
	Stats     TradeStats    `json:"stats"`
	LastPrice float64       `json:"lastPrice"`
	Started   bool          `json:"started"`
}

// CurrentStatus reports the runtime's live state.
func (r *Runtime) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Config:    r.cfg,
		Position:  r.pos,
		Stats:     r.stats,
		LastPrice: r.lastPrice,
		Started:   r.started,
	}
}
