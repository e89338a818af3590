// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksProcessed counts live candle ticks applied to shard buffers.
	TicksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ticks_processed_total",
		Help: "Live candle ticks applied, per symbol and base interval.",
	}, []string{"symbol", "interval"})

	// StreamReconnects counts upstream websocket reconnect attempts.
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stream_reconnects_total",
		Help: "Upstream kline stream reconnect attempts.",
	}, []string{"symbol", "interval"})

	// ActiveShards tracks the number of live stream shards.
	ActiveShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_shards",
		Help: "Stream shards currently registered.",
	})

	// OrdersEmitted counts orders produced by strategies.
	OrdersEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_emitted_total",
		Help: "Orders emitted, per strategy and action.",
	}, []string{"strategy", "action"})

	// WebhookFailures counts outbound webhook deliveries that failed.
	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_webhook_failures_total",
		Help: "Outbound webhook POSTs that failed or timed out.",
	})

	// IdentityDrops counts candle batches dropped by the symbol guard.
	IdentityDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_identity_drops_total",
		Help: "Candle batches dropped because the symbol did not match.",
	})

	// PersistFailures counts snapshot store errors (load or save).
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_persist_failures_total",
		Help: "Snapshot store operations that failed.",
	})
)
