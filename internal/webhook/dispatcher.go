// Package webhook posts order payloads to external URLs.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/metrics"
	"futures-signal-engine/internal/strategy"
)

// Dispatcher sends orders as JSON POSTs. Deliveries are fire-and-forget:
// each runs on its own goroutine with a short timeout, failures are logged
// and never retried.
type Dispatcher struct {
	client *http.Client
	logger zerolog.Logger
}

// NewDispatcher builds a dispatcher. timeout <= 0 falls back to 5s.
func NewDispatcher(timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Dispatch posts one order to url without blocking the caller.
func (d *Dispatcher) Dispatch(url string, order strategy.Order) {
	go d.post(url, order)
}

func (d *Dispatcher) post(url string, order strategy.Order) {
	body, err := json.Marshal(order)
	if err != nil {
		metrics.WebhookFailures.Inc()
		d.logger.Error().Err(err).Msg("failed to encode order payload")
		return
	}

	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		metrics.WebhookFailures.Inc()
		d.logger.Error().Err(err).Str("url", url).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.WebhookFailures.Inc()
		d.logger.Error().Int("status", resp.StatusCode).Str("url", url).Msg("webhook rejected")
		return
	}
	d.logger.Debug().Str("url", url).Str("action", order.Action).Msg("webhook delivered")
}
