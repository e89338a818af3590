package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/engine"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/store"
	"futures-signal-engine/internal/strategy"
	"futures-signal-engine/internal/supervisor"
)

type nopStream struct{}

func (nopStream) Start() {}
func (nopStream) Close() {}

type nopFetcher struct{}

func (nopFetcher) FetchHistorical(string, market.Interval, int64, int64) []market.Candle {
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, strategy.Order) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	snap, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	factory := func(string, market.Interval, func(market.Candle), func() bool) engine.LiveStream {
		return nopStream{}
	}
	bus := events.NewBus()
	dataEngine := engine.New(engine.DefaultShardConfig(), nopFetcher{}, snap, factory, bus, zerolog.Nop())
	sup := supervisor.New(dataEngine, nopDispatcher{}, bus, snap, supervisor.Options{PersistEvery: time.Hour}, zerolog.Nop())
	sup.Start()
	t.Cleanup(sup.Stop)

	return NewServer(ServerConfig{ProductionMode: true}, sup, dataEngine, bus, zerolog.Nop())
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
}

func TestStrategyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/strategies", `{"name":"api-test","symbol":"BTCUSDT","interval":"1m"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	var created strategy.Config
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Name != "api-test" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	w = doRequest(s, http.MethodGet, "/api/strategies", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d", w.Code)
	}
	var listed []strategy.Status
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Config.ID != created.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}

	w = doRequest(s, http.MethodPut, "/api/strategies/"+created.ID, `{"tradeAmount":321}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", w.Code, w.Body.String())
	}
	var updated strategy.Config
	json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.TradeAmount != 321 {
		t.Errorf("partial update lost: %+v", updated)
	}

	w = doRequest(s, http.MethodDelete, "/api/strategies/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	w = doRequest(s, http.MethodDelete, "/api/strategies/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete should 404, got %d", w.Code)
	}
}

func TestManualOrderValidation(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/strategies", `{"name":"manual"}`)
	var created strategy.Config
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doRequest(s, http.MethodPost, "/api/strategies/"+created.ID+"/manual-order", `{"type":"SIDEWAYS"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad direction should 400, got %d", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/strategies/nope/manual-order", `{"type":"LONG"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown strategy should 400, got %d", w.Code)
	}

	// Known strategy, valid type, but no market price yet.
	w = doRequest(s, http.MethodPost, "/api/strategies/"+created.ID+"/manual-order", `{"type":"LONG"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("priceless manual order should 400, got %d", w.Code)
	}
}

func TestOrderLogAndEngineStatus(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/api/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs status %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" && body != "null" {
		t.Errorf("expected empty log, got %s", body)
	}

	w = doRequest(s, http.MethodGet, "/api/engine/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("engine status %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "engine_active_shards") {
		t.Error("expected engine collectors in metrics exposition")
	}
}
