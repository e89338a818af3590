package supervisor

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"futures-signal-engine/internal/engine"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/store"
	"futures-signal-engine/internal/strategy"
)

type stubFeed struct {
	mu       sync.Mutex
	subs     map[string]engine.Subscriber
	prewarm  []string
	unsubbed []string
}

func newStubFeed() *stubFeed {
	return &stubFeed{subs: make(map[string]engine.Subscriber)}
}

func (f *stubFeed) Subscribe(subID, symbol string, target market.Interval, deliver engine.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subID] = deliver
	return nil
}

func (f *stubFeed) Unsubscribe(subID, symbol string, target market.Interval) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subID)
	f.unsubbed = append(f.unsubbed, subID)
}

func (f *stubFeed) EnsureActive(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarm = append(f.prewarm, symbol)
}

func (f *stubFeed) deliver(subID string, candles []market.Candle) {
	f.mu.Lock()
	fn := f.subs[subID]
	f.mu.Unlock()
	fn(candles)
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, strategy.Order) {}

func priceSeries(symbol string, n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Symbol: symbol, OpenTime: int64(i) * 60_000, Close: price, IsClosed: true}
		out[i].ClearIndicators()
	}
	return out
}

func newTestSupervisor(t *testing.T, feed *stubFeed, snap store.Store) *Supervisor {
	t.Helper()
	return New(feed, nopDispatcher{}, nil, snap, Options{
		PrewarmSymbols: []string{"BTCUSDT"},
		PersistEvery:   time.Hour, // tests drive persistence explicitly
	}, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSupervisorAddStrategy(t *testing.T) {
	feed := newStubFeed()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s := newTestSupervisor(t, feed, snap)
	s.Start()
	defer s.Stop()

	require.Equal(t, []string{"BTCUSDT"}, feed.prewarm)

	cfg, err := s.AddStrategy([]byte(`{"name":"momo","symbol":"ETHUSDT","interval":"5m","isActive":true}`))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ID, "supervisor assigns an id")
	require.Equal(t, "ETHUSDT", cfg.Symbol)
	require.Equal(t, market.Interval5m, cfg.Interval)
	// Unspecified fields come from the defaults.
	require.Equal(t, 100.0, cfg.TradeAmount)
	require.True(t, cfg.TriggerOnClose)

	feed.mu.Lock()
	_, subscribed := feed.subs[cfg.ID]
	feed.mu.Unlock()
	require.True(t, subscribed, "added strategy subscribes to the feed")

	// Add persists asynchronously.
	waitFor(t, func() bool {
		var raws []json.RawMessage
		return snap.Load(store.KeyStrategies, &raws) == nil && len(raws) == 1
	})
}

func TestSupervisorRemoveStrategy(t *testing.T) {
	feed := newStubFeed()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s := newTestSupervisor(t, feed, snap)
	s.Start()
	defer s.Stop()

	cfg, err := s.AddStrategy([]byte(`{"name":"gone"}`))
	require.NoError(t, err)
	require.NoError(t, s.RemoveStrategy(cfg.ID))
	require.Error(t, s.RemoveStrategy(cfg.ID), "second remove fails")

	feed.mu.Lock()
	defer feed.mu.Unlock()
	require.Contains(t, feed.unsubbed, cfg.ID)
}

func TestSupervisorUpdateConfig(t *testing.T) {
	feed := newStubFeed()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s := newTestSupervisor(t, feed, snap)
	s.Start()
	defer s.Stop()

	cfg, err := s.AddStrategy([]byte(`{"name":"before","tradeAmount":50}`))
	require.NoError(t, err)

	updated, err := s.UpdateConfig(cfg.ID, []byte(`{"tradeAmount":75}`))
	require.NoError(t, err)
	require.Equal(t, 75.0, updated.TradeAmount)
	require.Equal(t, "before", updated.Name, "untouched fields survive the partial update")

	_, err = s.UpdateConfig("missing", []byte(`{}`))
	require.Error(t, err)
}

func TestSupervisorManualOrderAndLog(t *testing.T) {
	feed := newStubFeed()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s := newTestSupervisor(t, feed, snap)
	s.Start()
	defer s.Stop()

	cfg, err := s.AddStrategy([]byte(`{"name":"manual","symbol":"BTCUSDT","isActive":true}`))
	require.NoError(t, err)

	// No price yet: the manual order is refused.
	require.Error(t, s.ManualOrder(cfg.ID, strategy.DirectionLong))

	feed.deliver(cfg.ID, priceSeries("BTCUSDT", 60, 50))
	require.NoError(t, s.ManualOrder(cfg.ID, strategy.DirectionLong))

	log := s.OrderLog(0)
	require.Len(t, log, 1)
	require.Equal(t, "manual", log[0].StrategyName)
	require.Equal(t, "buy", log[0].Order.Action)

	require.NoError(t, s.ManualOrder(cfg.ID, strategy.DirectionFlat))
	log = s.OrderLog(0)
	require.Len(t, log, 2)
	// Newest first.
	require.Equal(t, "manual flat", log[0].Order.TPLevel)
	require.Equal(t, "manual long", log[1].Order.TPLevel)

	require.Len(t, s.OrderLog(1), 1)
}

func TestSupervisorRestore(t *testing.T) {
	dir := t.TempDir()
	snap, err := store.NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)

	// First life: add a strategy and shut down.
	feed1 := newStubFeed()
	s1 := newTestSupervisor(t, feed1, snap)
	s1.Start()
	cfg, err := s1.AddStrategy([]byte(`{"name":"persisted","symbol":"ETHUSDT","isActive":true,"tradeAmount":42}`))
	require.NoError(t, err)
	s1.Stop()

	// Second life restores from the same store.
	feed2 := newStubFeed()
	s2 := newTestSupervisor(t, feed2, snap)
	s2.Start()
	defer s2.Stop()

	statuses := s2.Statuses()
	require.Len(t, statuses, 1)
	restored := statuses[0].Config
	require.Equal(t, cfg.ID, restored.ID)
	require.Equal(t, "persisted", restored.Name)
	require.Equal(t, 42.0, restored.TradeAmount)
	require.True(t, statuses[0].Started, "restored strategies start automatically")

	feed2.mu.Lock()
	_, subscribed := feed2.subs[cfg.ID]
	feed2.mu.Unlock()
	require.True(t, subscribed)
}

func TestSupervisorRestoreSkipsBadSnapshot(t *testing.T) {
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	// One well-formed snapshot and one with an unreadable config.
	good := rawSnapshot{Config: json.RawMessage(`{"id":"ok","name":"good"}`)}
	bad := rawSnapshot{Config: json.RawMessage(`{"interval":12}`)}
	require.NoError(t, snap.Save(store.KeyStrategies, []rawSnapshot{good, bad}))

	feed := newStubFeed()
	s := newTestSupervisor(t, feed, snap)
	s.Start()
	defer s.Stop()

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "ok", statuses[0].Config.ID)
}

func TestSupervisorPublishesStrategyEvents(t *testing.T) {
	feed := newStubFeed()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	bus := events.NewBus()
	got := make(chan events.Event, 8)
	bus.Subscribe(events.EventStrategyUpdated, func(ev events.Event) { got <- ev })

	s := New(feed, nopDispatcher{}, bus, snap, Options{PersistEvery: time.Hour}, zerolog.Nop())
	s.Start()
	defer s.Stop()

	next := func() events.Event {
		t.Helper()
		select {
		case ev := <-got:
			return ev
		case <-time.After(time.Second):
			t.Fatal("strategy event never published")
			return events.Event{}
		}
	}

	cfg, err := s.AddStrategy([]byte(`{"name":"evented"}`))
	require.NoError(t, err)
	ev := next()
	require.Equal(t, "added", ev.Data["change"])
	require.Equal(t, cfg.ID, ev.Data["id"])

	_, err = s.UpdateConfig(cfg.ID, []byte(`{"tradeAmount":5}`))
	require.NoError(t, err)
	require.Equal(t, "updated", next().Data["change"])

	require.NoError(t, s.RemoveStrategy(cfg.ID))
	require.Equal(t, "removed", next().Data["change"])
}
