package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/strategy"
)

func TestDispatchPostsOrder(t *testing.T) {
	received := make(chan strategy.Order, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
		var o strategy.Order
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- o
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(time.Second, zerolog.Nop())
	d.Dispatch(srv.URL, strategy.Order{
		Action:   "buy",
		Position: "long",
		Symbol:   "BTCUSDT",
		Quantity: "2",
		TPLevel:  "EMA7 crosses above 25 open long",
	})

	select {
	case o := <-received:
		if o.Action != "buy" || o.Quantity != "2" || o.Symbol != "BTCUSDT" {
			t.Errorf("payload mismatch: %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestDispatchDoesNotBlockOnDeadTarget(t *testing.T) {
	d := NewDispatcher(50*time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		// Unroutable target; Dispatch must return immediately regardless.
		d.Dispatch("http://127.0.0.1:1", strategy.Order{Action: "sell"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Dispatch blocked the caller")
	}
}

func TestDispatchRejectedResponse(t *testing.T) {
	hits := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(time.Second, zerolog.Nop())
	d.Dispatch(srv.URL, strategy.Order{Action: "buy"})

	select {
	case <-hits:
	case <-time.After(time.Second):
		t.Fatal("webhook never attempted")
	}
	// Fire-and-forget: a rejected delivery is never retried.
	select {
	case <-hits:
		t.Error("unexpected retry")
	case <-time.After(100 * time.Millisecond):
	}
}
