// Package supervisor owns the strategy set: restore, lifecycle, manual
// orders, the order log and periodic persistence.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/metrics"
	"futures-signal-engine/internal/store"
	"futures-signal-engine/internal/strategy"
)

// OrderLogCap bounds the persisted order log.
const OrderLogCap = 500

// Feed is the data engine surface the supervisor needs.
type Feed interface {
	strategy.DataFeed
	EnsureActive(symbol string)
}

// OrderLogEntry is one emitted order with its context.
type OrderLogEntry struct {
	Time         time.Time      `json:"time"`
	StrategyName string         `json:"strategyName"`
	Order        strategy.Order `json:"order"`
}

// Options tune the supervisor.
type Options struct {
	PrewarmSymbols []string
	PersistEvery   time.Duration // defaults to 5s
}

// Supervisor manages strategy runtimes. Its mutex guards only the registry
// and the order log; runtime lifecycle calls (which reach into the data
// engine) always happen outside it.
type Supervisor struct {
	mu         sync.Mutex
	strategies map[string]*strategy.Runtime
	orderLog   []OrderLogEntry

	persistMu sync.Mutex

	feed       Feed
	dispatcher strategy.Dispatcher
	bus        *events.Bus
	snapshots  store.Store
	opts       Options
	logger     zerolog.Logger

	stopPersist chan struct{}
	stopOnce    sync.Once
}

// New builds a supervisor. Call Start to restore state and begin serving.
func New(feed Feed, dispatcher strategy.Dispatcher, bus *events.Bus, snapshots store.Store, opts Options, logger zerolog.Logger) *Supervisor {
	if opts.PersistEvery <= 0 {
		opts.PersistEvery = 5 * time.Second
	}
	return &Supervisor{
		strategies:  make(map[string]*strategy.Runtime),
		feed:        feed,
		dispatcher:  dispatcher,
		bus:         bus,
		snapshots:   snapshots,
		opts:        opts,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		stopPersist: make(chan struct{}),
	}
}

// Start pre-warms configured symbols, restores persisted strategies and
// begins the periodic persistence loop.
func (s *Supervisor) Start() {
	for _, symbol := range s.opts.PrewarmSymbols {
		s.feed.EnsureActive(symbol)
	}
	s.restore()
	go s.persistLoop()
}

// rawSnapshot defers config decoding so restored configs can be merged over
// the current defaults, tolerating fields added since the snapshot was
// written.
type rawSnapshot struct {
	Config   json.RawMessage        `json:"config"`
	Position strategy.PositionState `json:"position"`
	Stats    strategy.TradeStats    `json:"stats"`
}

func (s *Supervisor) restore() {
	var raws []rawSnapshot
	if err := s.snapshots.Load(store.KeyStrategies, &raws); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.PersistFailures.Inc()
			s.logger.Error().Err(err).Msg("failed to load strategy snapshots")
		}
		return
	}

	var logs []OrderLogEntry
	if err := s.snapshots.Load(store.KeyOrderLog, &logs); err == nil {
		s.mu.Lock()
		s.orderLog = logs
		s.mu.Unlock()
	}

	for _, raw := range raws {
		cfg, err := strategy.MergeConfig(strategy.DefaultConfig(), raw.Config)
		if err != nil || cfg.ID == "" {
			s.logger.Error().Err(err).Msg("skipping unreadable strategy snapshot")
			continue
		}
		rt := strategy.NewRuntime(cfg, s.feed, s.dispatcher, s.bus, s.logOrder, s.logger)
		rt.RestoreState(raw.Position, raw.Stats)

		s.mu.Lock()
		s.strategies[cfg.ID] = rt
		s.mu.Unlock()

		if err := rt.Start(); err != nil {
			s.logger.Error().Err(err).Str("id", cfg.ID).Msg("restored strategy failed to start")
		}
	}
	s.logger.Info().Int("strategies", len(raws)).Msg("state restored")
}

// AddStrategy creates a strategy from a partial config merged over defaults,
// starts it and persists.
func (s *Supervisor) AddStrategy(partial []byte) (strategy.Config, error) {
	cfg, err := strategy.MergeConfig(strategy.DefaultConfig(), partial)
	if err != nil {
		return strategy.Config{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	rt := strategy.NewRuntime(cfg, s.feed, s.dispatcher, s.bus, s.logOrder, s.logger)

	s.mu.Lock()
	if _, exists := s.strategies[cfg.ID]; exists {
		s.mu.Unlock()
		return strategy.Config{}, fmt.Errorf("strategy %s already exists", cfg.ID)
	}
	s.strategies[cfg.ID] = rt
	s.mu.Unlock()

	if err := rt.Start(); err != nil {
		s.mu.Lock()
		delete(s.strategies, cfg.ID)
		s.mu.Unlock()
		return strategy.Config{}, err
	}
	s.persistAsync()
	s.bus.PublishStrategyUpdated(cfg.ID, cfg.Name, "added")
	s.logger.Info().Str("id", cfg.ID).Str("symbol", cfg.Symbol).Msg("strategy added")
	return cfg, nil
}

// RemoveStrategy stops and drops a strategy.
func (s *Supervisor) RemoveStrategy(id string) error {
	s.mu.Lock()
	rt, ok := s.strategies[id]
	if ok {
		delete(s.strategies, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	rt.Stop()
	s.persistAsync()
	s.bus.PublishStrategyUpdated(id, rt.Config().Name, "removed")
	s.logger.Info().Str("id", id).Msg("strategy removed")
	return nil
}

// UpdateConfig applies a partial config document to a strategy.
func (s *Supervisor) UpdateConfig(id string, partial []byte) (strategy.Config, error) {
	rt, err := s.runtime(id)
	if err != nil {
		return strategy.Config{}, err
	}
	merged, err := strategy.MergeConfig(rt.Config(), partial)
	if err != nil {
		return strategy.Config{}, err
	}
	if err := rt.UpdateConfig(merged); err != nil {
		return strategy.Config{}, err
	}
	s.persistAsync()
	s.bus.PublishStrategyUpdated(id, merged.Name, "updated")
	return rt.Config(), nil
}

// ManualOrder forwards an operator order to a strategy.
func (s *Supervisor) ManualOrder(id string, dir strategy.Direction) error {
	rt, err := s.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.ManualOrder(dir); err != nil {
		return err
	}
	s.persistAsync()
	return nil
}

// Statuses reports every strategy's live state.
func (s *Supervisor) Statuses() []strategy.Status {
	s.mu.Lock()
	rts := make([]*strategy.Runtime, 0, len(s.strategies))
	for _, rt := range s.strategies {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	out := make([]strategy.Status, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.CurrentStatus())
	}
	return out
}

// OrderLog returns up to n most recent entries, newest first.
func (s *Supervisor) OrderLog(n int) []OrderLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.orderLog) {
		n = len(s.orderLog)
	}
	out := make([]OrderLogEntry, n)
	copy(out, s.orderLog[:n])
	return out
}

func (s *Supervisor) runtime(id string) (*strategy.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s not found", id)
	}
	return rt, nil
}

// logOrder records an emitted order, newest first, and schedules a persist.
// It runs on the tick path, so persistence happens off-thread.
func (s *Supervisor) logOrder(o strategy.Order) {
	entry := OrderLogEntry{Time: time.Now(), StrategyName: o.StrategyName, Order: o}
	s.mu.Lock()
	s.orderLog = append([]OrderLogEntry{entry}, s.orderLog...)
	if len(s.orderLog) > OrderLogCap {
		s.orderLog = s.orderLog[:OrderLogCap]
	}
	s.mu.Unlock()
	s.persistAsync()
}

func (s *Supervisor) persistLoop() {
	ticker := time.NewTicker(s.opts.PersistEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.persist()
		case <-s.stopPersist:
			return
		}
	}
}

func (s *Supervisor) persistAsync() {
	go s.persist()
}

// persist writes the strategy snapshots and the order log. persistMu keeps
// writers serialized so the store never sees concurrent saves per key.
func (s *Supervisor) persist() {
	s.mu.Lock()
	rts := make([]*strategy.Runtime, 0, len(s.strategies))
	for _, rt := range s.strategies {
		rts = append(rts, rt)
	}
	logs := make([]OrderLogEntry, len(s.orderLog))
	copy(logs, s.orderLog)
	s.mu.Unlock()

	snaps := make([]strategy.Snapshot, 0, len(rts))
	for _, rt := range rts {
		snaps = append(snaps, rt.Snapshot())
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.snapshots.Save(store.KeyStrategies, snaps); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Error().Err(err).Msg("failed to persist strategies")
	}
	if err := s.snapshots.Save(store.KeyOrderLog, logs); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Error().Err(err).Msg("failed to persist order log")
	}
}

// Stop halts the persist loop, stops every strategy and persists one final
// time.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopPersist) })

	s.mu.Lock()
	rts := make([]*strategy.Runtime, 0, len(s.strategies))
	for _, rt := range s.strategies {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	for _, rt := range rts {
		rt.Stop()
	}
	s.persist()
	s.logger.Info().Msg("supervisor stopped")
}
