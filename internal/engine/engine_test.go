package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/store"
)

func newTestEngine(t *testing.T, fetcher *stubFetcher, harness *streamHarness) *Engine {
	t.Helper()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return New(testShardConfig(), fetcher, snap, harness.factory, nil, zerolog.Nop())
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

func TestEngineRejectsUnsupportedInterval(t *testing.T) {
	e := newTestEngine(t, &stubFetcher{}, &streamHarness{})
	err := e.Subscribe("s1", "BTCUSDT", market.Interval("7m"), func([]market.Candle) {})
	if err == nil {
		t.Fatal("expected error for unsupported interval")
	}
}

func TestEngineRoutesSynthesizedToBaseShard(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 6)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	// 45m rides the 15m native stream; 2m rides 1m. Same symbol, two shards.
	if err := e.Subscribe("s1", "BTCUSDT", market.Interval45m, func([]market.Candle) {}); err != nil {
		t.Fatal(err)
	}
	if err := e.Subscribe("s2", "btcusdt", market.Interval2m, func([]market.Candle) {}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(e.Status()) == 2 })
	statuses := e.Status()
	if statuses[0].BaseInterval != market.Interval1m || statuses[1].BaseInterval != market.Interval15m {
		t.Errorf("unexpected shard bases: %+v", statuses)
	}
	// Symbol casing folds into one registry key.
	for _, st := range statuses {
		if st.Symbol != "BTCUSDT" {
			t.Errorf("symbol not upper-cased: %q", st.Symbol)
		}
	}
}

func TestEngineSharesShardAcrossSubscribers(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 6)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	e.Subscribe("s1", "BTCUSDT", market.Interval1m, func([]market.Candle) {})
	e.Subscribe("s2", "BTCUSDT", market.Interval3m, func([]market.Candle) {})

	waitFor(t, func() bool {
		st := e.Status()
		return len(st) == 1 && st[0].Subscribers == 2
	})
	harness.mu.Lock()
	streamCount := len(harness.streams)
	harness.mu.Unlock()
	if streamCount != 1 {
		t.Errorf("expected a single upstream stream, got %d", streamCount)
	}
}

func TestEngineUnsubscribeDestroysIdleShard(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 3)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	e.Subscribe("s1", "BTCUSDT", market.Interval1m, func([]market.Candle) {})
	waitFor(t, func() bool { return len(e.Status()) == 1 && e.Status()[0].Candles == 3 })

	e.Unsubscribe("s1", "BTCUSDT", market.Interval1m)
	waitFor(t, func() bool { return len(e.Status()) == 0 })
}

func TestEngineEnsureActive(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("ETHUSDT", 3)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	e.EnsureActive("ETHUSDT")

	// All 23 targets collapse onto the native bases actually streamed.
	bases := make(map[market.Interval]bool)
	for _, target := range market.SupportedIntervals {
		bases[target.Base()] = true
	}
	statuses := e.Status()
	if len(statuses) != len(bases) {
		t.Fatalf("expected %d pre-warmed shards, got %d", len(bases), len(statuses))
	}
	for _, st := range statuses {
		if !st.AlwaysActive {
			t.Errorf("shard %s/%s not marked always active", st.Symbol, st.BaseInterval)
		}
	}

	// Pre-warmed shards ignore unsubscribe-driven destruction.
	e.Unsubscribe("nobody", "ETHUSDT", market.Interval1m)
	if len(e.Status()) != len(bases) {
		t.Error("pre-warmed shard dropped from registry")
	}
}

func TestEngineShutdownDestroysAll(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 3)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	e.Subscribe("s1", "BTCUSDT", market.Interval1m, func([]market.Candle) {})
	waitFor(t, func() bool { return len(e.Status()) == 1 })

	e.Shutdown()
	if len(e.Status()) != 0 {
		t.Error("registry not emptied on shutdown")
	}
	harness.mu.Lock()
	defer harness.mu.Unlock()
	for _, st := range harness.streams {
		st.mu.Lock()
		closed := st.closed
		started := st.started
		st.mu.Unlock()
		if started && !closed {
			t.Error("live stream left open after shutdown")
		}
	}
}

func TestEngineSubscribeRecreatesDestroyedShard(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 3)}
	harness := &streamHarness{}
	e := newTestEngine(t, fetcher, harness)

	e.Subscribe("s1", "BTCUSDT", market.Interval1m, func([]market.Candle) {})
	waitFor(t, func() bool {
		st := e.Status()
		return len(st) == 1 && st[0].Candles == 3
	})

	// Tear the shard down behind the registry's back, exactly what the
	// destroy timer does between the registry lookup and the shard
	// accepting a subscriber.
	key := shardKey("BTCUSDT", market.Interval1m)
	e.mu.Lock()
	stale := e.shards[key]
	e.mu.Unlock()
	stale.Unsubscribe("s1")
	if !stale.tryDestroy() {
		t.Fatal("shard did not destroy")
	}

	if err := e.Subscribe("s2", "BTCUSDT", market.Interval1m, func([]market.Candle) {}); err != nil {
		t.Fatal(err)
	}

	e.mu.Lock()
	fresh := e.shards[key]
	e.mu.Unlock()
	if fresh == nil || fresh == stale {
		t.Fatal("subscription landed on the destroyed shard")
	}
	waitFor(t, func() bool {
		st := e.Status()
		return len(st) == 1 && st[0].Subscribers == 1 && st[0].Candles == 3
	})
}

func TestEngineShardLifecycleEvents(t *testing.T) {
	fetcher := &stubFetcher{candles: baseCandles("BTCUSDT", 3)}
	harness := &streamHarness{}
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	got := make(chan events.Event, 4)
	bus.Subscribe(events.EventShardCreated, func(ev events.Event) { got <- ev })
	bus.Subscribe(events.EventShardDestroyed, func(ev events.Event) { got <- ev })
	e := New(testShardConfig(), fetcher, snap, harness.factory, bus, zerolog.Nop())

	e.Subscribe("s1", "BTCUSDT", market.Interval1m, func([]market.Candle) {})
	select {
	case ev := <-got:
		if ev.Type != events.EventShardCreated || ev.Data["symbol"] != "BTCUSDT" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("shard created event never published")
	}

	e.Unsubscribe("s1", "BTCUSDT", market.Interval1m)
	select {
	case ev := <-got:
		if ev.Type != events.EventShardDestroyed {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("shard destroyed event never published")
	}
}
