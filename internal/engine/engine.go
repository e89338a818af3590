package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/metrics"
	"futures-signal-engine/internal/store"
)

// Engine is the process-wide shard registry. It routes (symbol, target
// interval) subscriptions to the shard owning the corresponding native base
// stream, creating and initializing shards on demand.
type Engine struct {
	mu     sync.Mutex
	shards map[string]*Shard

	cfg       ShardConfig
	fetcher   HistoryFetcher
	snapshots store.Store
	newStream StreamFactory
	bus       *events.Bus
	logger    zerolog.Logger
}

// New builds the registry. newStream is injected so tests can stub the
// upstream websocket; bus may be nil.
func New(cfg ShardConfig, fetcher HistoryFetcher, snapshots store.Store, newStream StreamFactory, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		shards:    make(map[string]*Shard),
		cfg:       cfg,
		fetcher:   fetcher,
		snapshots: snapshots,
		newStream: newStream,
		bus:       bus,
		logger:    logger.With().Str("component", "data-engine").Logger(),
	}
}

func shardKey(symbol string, base market.Interval) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(symbol), base)
}

// getOrCreate returns the shard for (symbol, base), creating and kicking off
// initialization when absent. Initialization runs in the background; the
// shard accepts subscriptions while it is still backfilling.
func (e *Engine) getOrCreate(symbol string, base market.Interval) *Shard {
	key := shardKey(symbol, base)
	e.mu.Lock()
	defer e.mu.Unlock()
	if sh, ok := e.shards[key]; ok && !sh.Destroyed() {
		return sh
	}
	sh := newShard(strings.ToUpper(symbol), base, e.cfg, e.fetcher, e.snapshots, e.newStream, e.logger)
	e.shards[key] = sh
	metrics.ActiveShards.Set(float64(len(e.shards)))
	go sh.Initialize()
	e.bus.PublishShardCreated(strings.ToUpper(symbol), string(base))
	return sh
}

// Subscribe routes a strategy's subscription to the right shard and delivers
// an immediate snapshot of the target view.
func (e *Engine) Subscribe(subID, symbol string, target market.Interval, deliver Subscriber) error {
	if !market.IsSupported(target) {
		return fmt.Errorf("unsupported interval %q", target)
	}
	// The destroy timer can tear a shard down between the registry lookup and
	// the shard accepting the subscription; retry against a fresh shard.
	for {
		sh := e.getOrCreate(symbol, target.Base())
		if sh.Subscribe(subID, target, deliver) {
			return nil
		}
		e.remove(shardKey(symbol, target.Base()), sh)
	}
}

// Unsubscribe detaches a strategy. An idle, non-pre-warmed shard gets its
// destruction scheduled; it leaves the registry once the timer fires.
func (e *Engine) Unsubscribe(subID, symbol string, target market.Interval) {
	key := shardKey(symbol, target.Base())
	e.mu.Lock()
	sh, ok := e.shards[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	sh.Unsubscribe(subID)
	if sh.Idle() {
		sh.ScheduleDestroy(func() { e.remove(key, sh) })
	}
}

func (e *Engine) remove(key string, sh *Shard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shards[key] == sh {
		delete(e.shards, key)
		metrics.ActiveShards.Set(float64(len(e.shards)))
		e.bus.PublishShardDestroyed(sh.symbol, string(sh.base))
	}
}

// EnsureActive pre-warms every base shard needed to serve all supported
// target intervals for symbol, keeping their derived views current even with
// no subscribers.
func (e *Engine) EnsureActive(symbol string) {
	for _, target := range market.SupportedIntervals {
		sh := e.getOrCreate(symbol, target.Base())
		sh.SetAlwaysActive(true)
		sh.AddActiveTargetInterval(target)
	}
	e.logger.Info().Str("symbol", symbol).Msg("symbol pre-warmed")
}

// Status lists every registered shard, stably ordered.
func (e *Engine) Status() []ShardStatus {
	e.mu.Lock()
	shards := make([]*Shard, 0, len(e.shards))
	for _, sh := range e.shards {
		shards = append(shards, sh)
	}
	e.mu.Unlock()

	out := make([]ShardStatus, 0, len(shards))
	for _, sh := range shards {
		out = append(out, sh.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].BaseInterval.Milliseconds() < out[j].BaseInterval.Milliseconds()
	})
	return out
}

// Shutdown destroys every shard, persisting their buffers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	shards := make([]*Shard, 0, len(e.shards))
	for _, sh := range e.shards {
		shards = append(shards, sh)
	}
	e.shards = make(map[string]*Shard)
	metrics.ActiveShards.Set(0)
	e.mu.Unlock()

	for _, sh := range shards {
		sh.Destroy()
		e.bus.PublishShardDestroyed(sh.symbol, string(sh.base))
	}
}
