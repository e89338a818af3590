// Package engine multiplexes one live upstream stream per (symbol, base
// interval) across many strategy subscribers. Each shard owns the
// authoritative base candle buffer, derives target intervals on demand and
// persists its buffer across restarts.
package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/metrics"
	"futures-signal-engine/internal/store"
)

// Subscriber receives complete candle snapshots for its target interval.
// Callbacks run on the shard's tick path and must not call back into the
// shard or the engine registry.
type Subscriber func(candles []market.Candle)

// HistoryFetcher is the REST side of the exchange adapter.
type HistoryFetcher interface {
	FetchHistorical(symbol string, interval market.Interval, startMs, endMs int64) []market.Candle
}

// LiveStream is the websocket side of the exchange adapter.
type LiveStream interface {
	Start()
	Close()
}

// StreamFactory builds a live stream for a shard. shouldReconnect is
// consulted by the stream after a disconnect.
type StreamFactory func(symbol string, interval market.Interval, onCandle func(market.Candle), shouldReconnect func() bool) LiveStream

// ShardConfig carries the tunables every shard shares.
type ShardConfig struct {
	BaseBufferCap  int           // max base candles kept in memory (5000)
	DeliveryCap    int           // max candles per subscriber delivery (1000)
	DerivedCacheSz int           // LRU slots for derived series per shard
	DestroyDelay   time.Duration // idle keep-alive before destruction (60s)
	PersistEvery   time.Duration // min gap between tick-path persists (60s)
	DeepFetchPages int           // history pages on cold start (3)
}

// DefaultShardConfig returns the documented defaults.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		BaseBufferCap:  5000,
		DeliveryCap:    1000,
		DerivedCacheSz: 32,
		DestroyDelay:   60 * time.Second,
		PersistEvery:   60 * time.Second,
		DeepFetchPages: 3,
	}
}

type subscription struct {
	target  market.Interval
	deliver Subscriber
}

// Shard is the actor owning one upstream subscription. All state below mu is
// guarded by it; subscriber callbacks are invoked under the lock so ticks,
// subscribe snapshots and destruction stay strictly serialized.
// historyPageLimit mirrors the exchange's per-page kline cap; a short page
// means history is exhausted.
const historyPageLimit = 1500

type Shard struct {
	mu sync.Mutex
	// persistMu serializes snapshot writes so no two writers hit the key.
	persistMu sync.Mutex

	symbol string
	base   market.Interval
	cfg    ShardConfig

	candles       []market.Candle
	derived       *lru.Cache // market.Interval -> []market.Candle
	subs          map[string]subscription
	alwaysActive  bool
	activeTargets map[market.Interval]bool

	stream         LiveStream
	destroyTimer   *time.Timer
	pendingDestroy bool
	destroyed      bool
	lastPersist    time.Time

	fetcher   HistoryFetcher
	snapshots store.Store
	newStream StreamFactory
	logger    zerolog.Logger
}

func newShard(symbol string, base market.Interval, cfg ShardConfig, fetcher HistoryFetcher, snapshots store.Store, newStream StreamFactory, logger zerolog.Logger) *Shard {
	cache, _ := lru.New(cfg.DerivedCacheSz)
	return &Shard{
		symbol:        symbol,
		base:          base,
		cfg:           cfg,
		derived:       cache,
		subs:          make(map[string]subscription),
		activeTargets: make(map[market.Interval]bool),
		fetcher:       fetcher,
		snapshots:     snapshots,
		newStream:     newStream,
		logger: logger.With().Str("component", "shard").
			Str("symbol", symbol).Str("interval", string(base)).Logger(),
	}
}

// Initialize loads the persisted buffer, backfills from the exchange and
// opens the live subscription. It runs without holding the shard lock during
// I/O, so subscriptions arriving mid-initialize are served from whatever the
// buffer holds at that moment.
func (s *Shard) Initialize() {
	key := store.CandleKey(s.symbol, s.base)

	var loaded []market.Candle
	if err := s.snapshots.Load(key, &loaded); err != nil && err != store.ErrNotFound {
		metrics.PersistFailures.Inc()
		s.logger.Warn().Err(err).Msg("candle snapshot load failed, refetching full history")
		loaded = nil
	}
	loaded = market.NormalizeSeries(loaded, s.cfg.BaseBufferCap)

	var fetched []market.Candle
	if len(loaded) > 0 {
		fetched = s.fetchSince(loaded[len(loaded)-1].OpenTime + 1)
	} else {
		fetched = s.deepFetch()
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	merged := append(loaded, fetched...)
	merged = append(merged, s.candles...) // ticks that raced initialization win on conflict
	s.candles = market.NormalizeSeries(merged, s.cfg.BaseBufferCap)
	s.derived.Purge()
	s.lastPersist = time.Now()
	persistCopy := market.TailCopy(s.candles, 0)

	stream := s.newStream(s.symbol, s.base, s.handleTick, s.wantsStream)
	s.stream = stream
	s.mu.Unlock()

	s.persist(persistCopy)
	stream.Start()
	s.logger.Info().Int("candles", len(persistCopy)).Msg("shard initialized")
}

// fetchSince pages forward from startMs to now.
func (s *Shard) fetchSince(startMs int64) []market.Candle {
	var out []market.Candle
	for {
		page := s.fetcher.FetchHistorical(s.symbol, s.base, startMs, 0)
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		if len(page) < historyPageLimit {
			break
		}
		startMs = page[len(page)-1].OpenTime + 1
	}
	return out
}

// deepFetch walks backwards from now, newest page first, up to the configured
// page count (roughly 4,500 candles).
func (s *Shard) deepFetch() []market.Candle {
	var out []market.Candle
	endMs := int64(0)
	for i := 0; i < s.cfg.DeepFetchPages; i++ {
		page := s.fetcher.FetchHistorical(s.symbol, s.base, 0, endMs)
		if len(page) == 0 {
			break
		}
		out = append(page, out...)
		endMs = page[0].OpenTime
		if len(page) < historyPageLimit {
			break
		}
	}
	return out
}

// handleTick applies one live candle: overwrite the open tail candle in
// place when the open time matches, append when newer, drop when older.
func (s *Shard) handleTick(c market.Candle) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	n := len(s.candles)
	switch {
	case n > 0 && c.OpenTime == s.candles[n-1].OpenTime:
		s.candles[n-1] = c
	case n == 0 || c.OpenTime > s.candles[n-1].OpenTime:
		s.candles = append(s.candles, c)
		if len(s.candles) > s.cfg.BaseBufferCap {
			s.candles = s.candles[len(s.candles)-s.cfg.BaseBufferCap:]
		}
	default:
		// stale tick behind the tail; the buffer stays strictly ordered
		s.mu.Unlock()
		return
	}
	metrics.TicksProcessed.WithLabelValues(s.symbol, string(s.base)).Inc()

	s.derived.Purge()

	var persistCopy []market.Candle
	if time.Since(s.lastPersist) >= s.cfg.PersistEvery {
		s.lastPersist = time.Now()
		persistCopy = market.TailCopy(s.candles, 0)
	}

	// Deliver to every subscriber, grouped by target interval so each
	// derived series is computed once per tick.
	for target := range s.targetsLocked() {
		series := s.derivedLocked(target)
		for _, sub := range s.subs {
			if sub.target == target {
				sub.deliver(market.TailCopy(series, s.cfg.DeliveryCap))
			}
		}
	}
	s.mu.Unlock()

	if persistCopy != nil {
		go s.persist(persistCopy)
	}
}

// targetsLocked collects every interval that must stay warm this tick:
// subscriber targets plus, for pre-warmed shards, the registered actives.
func (s *Shard) targetsLocked() map[market.Interval]bool {
	targets := make(map[market.Interval]bool, len(s.activeTargets)+2)
	for _, sub := range s.subs {
		targets[sub.target] = true
	}
	if s.alwaysActive {
		for t := range s.activeTargets {
			targets[t] = true
		}
	}
	return targets
}

// derivedLocked returns the current series for target, resampling and caching
// when the target differs from the shard's base interval.
func (s *Shard) derivedLocked(target market.Interval) []market.Candle {
	if target == s.base {
		return s.candles
	}
	if cached, ok := s.derived.Get(target); ok {
		return cached.([]market.Candle)
	}
	series := market.Resample(s.candles, s.base, target)
	s.derived.Add(target, series)
	return series
}

// Subscribe registers a subscriber and immediately delivers the current view
// for its target interval. Any pending destruction is cancelled. Returns
// false if the shard is already destroyed; the subscription did not land.
func (s *Shard) Subscribe(subID string, target market.Interval, deliver Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		// The destroy timer won the race; the caller must pick a fresh shard.
		return false
	}
	s.cancelDestroyLocked()
	s.subs[subID] = subscription{target: target, deliver: deliver}
	if len(s.candles) > 0 {
		deliver(market.TailCopy(s.derivedLocked(target), s.cfg.DeliveryCap))
	}
	return true
}

// Destroyed reports whether the shard has been torn down.
func (s *Shard) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Unsubscribe removes a subscriber and drops derived cache entries no other
// subscriber needs.
func (s *Shard) Unsubscribe(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)
	for _, other := range s.subs {
		if other.target == sub.target {
			return
		}
	}
	if !s.activeTargets[sub.target] {
		s.derived.Remove(sub.target)
	}
}

// Idle reports whether the shard has no subscribers and is not pre-warmed.
func (s *Shard) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && !s.alwaysActive
}

// SetAlwaysActive pre-warms the shard so it survives with no subscribers.
// The flag only ever transitions false to true.
func (s *Shard) SetAlwaysActive(v bool) {
	if !v {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysActive = true
	s.cancelDestroyLocked()
}

// AddActiveTargetInterval keeps the derived cache for target warm on every
// tick even without subscribers.
func (s *Shard) AddActiveTargetInterval(target market.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTargets[target] = true
}

// ScheduleDestroy arms the keep-alive timer. If the shard is still idle when
// it fires, the shard destroys itself and reports through onDestroyed.
func (s *Shard) ScheduleDestroy(onDestroyed func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.alwaysActive || len(s.subs) > 0 {
		return
	}
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
	}
	s.pendingDestroy = true
	s.destroyTimer = time.AfterFunc(s.cfg.DestroyDelay, func() {
		if s.tryDestroy() {
			onDestroyed()
		}
	})
	s.logger.Debug().Dur("delay", s.cfg.DestroyDelay).Msg("shard destroy scheduled")
}

func (s *Shard) cancelDestroyLocked() {
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
		s.destroyTimer = nil
	}
	s.pendingDestroy = false
}

// tryDestroy tears the shard down if it is still idle.
func (s *Shard) tryDestroy() bool {
	s.mu.Lock()
	if s.destroyed || s.alwaysActive || len(s.subs) > 0 {
		s.pendingDestroy = false
		s.mu.Unlock()
		return false
	}
	s.destroyed = true
	s.pendingDestroy = false
	stream := s.stream
	s.stream = nil
	persistCopy := market.TailCopy(s.candles, 0)
	s.candles = nil
	s.derived.Purge()
	s.subs = make(map[string]subscription)
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if len(persistCopy) > 0 {
		s.persist(persistCopy)
	}
	s.logger.Info().Msg("shard destroyed")
	return true
}

// Destroy tears the shard down unconditionally (engine shutdown path).
func (s *Shard) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.cancelDestroyLocked()
	stream := s.stream
	s.stream = nil
	persistCopy := market.TailCopy(s.candles, 0)
	s.candles = nil
	s.subs = make(map[string]subscription)
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if len(persistCopy) > 0 {
		s.persist(persistCopy)
	}
}

// wantsStream tells the live stream whether a reconnect is worthwhile.
func (s *Shard) wantsStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	return (len(s.subs) > 0 || s.alwaysActive) && !s.pendingDestroy
}

// persist writes the buffer snapshot. Runs outside the shard lock.
func (s *Shard) persist(candles []market.Candle) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	key := store.CandleKey(s.symbol, s.base)
	if err := s.snapshots.Save(key, candles); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Warn().Err(err).Msg("candle snapshot save failed")
	}
}

// Status describes the shard for introspection endpoints.
type ShardStatus struct {
	Symbol       string          `json:"symbol"`
	BaseInterval market.Interval `json:"base_interval"`
	Candles      int             `json:"candles"`
	Subscribers  int             `json:"subscribers"`
	AlwaysActive bool            `json:"always_active"`
}

// Status returns a point-in-time snapshot of the shard's shape.
func (s *Shard) Status() ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShardStatus{
		Symbol:       s.symbol,
		BaseInterval: s.base,
		Candles:      len(s.candles),
		Subscribers:  len(s.subs),
		AlwaysActive: s.alwaysActive,
	}
}
