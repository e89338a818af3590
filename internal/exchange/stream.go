package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/metrics"
)

// klineFrame is the upstream push envelope for a combined-stream kline event.
type klineFrame struct {
	Data struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime int64  `json:"t"`
			Open     string `json:"o"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Close    string `json:"c"`
			Volume   string `json:"v"`
			IsClosed bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// ParseKlineMessage decodes a push message of kind "kline" into a candle.
// It returns false for any other message kind or for malformed payloads.
func ParseKlineMessage(msg []byte) (market.Candle, bool) {
	var frame klineFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return market.Candle{}, false
	}
	if frame.Data.EventType != "kline" {
		return market.Candle{}, false
	}
	k := frame.Data.Kline
	c := market.Candle{
		Symbol:   frame.Data.Symbol,
		OpenTime: k.OpenTime,
		Open:     asFloat(k.Open),
		High:     asFloat(k.High),
		Low:      asFloat(k.Low),
		Close:    asFloat(k.Close),
		Volume:   asFloat(k.Volume),
		IsClosed: k.IsClosed,
	}
	c.ClearIndicators()
	return c, true
}

// KlineStream maintains one live kline subscription for a (symbol, interval)
// pair. It reconnects with a fixed backoff until Close is called or its
// reconnect predicate says the shard no longer wants the stream.
type KlineStream struct {
	mu        sync.RWMutex
	symbol    string
	interval  market.Interval
	wsBaseURL string
	backoff   time.Duration
	conn      *websocket.Conn
	running   bool
	onCandle  func(market.Candle)
	// shouldReconnect is consulted after a disconnect; nil means always.
	shouldReconnect func() bool
	logger          zerolog.Logger
}

// StreamOptions configures a KlineStream.
type StreamOptions struct {
	WSBaseURL        string        // e.g. "wss://fstream.binance.com"
	ReconnectBackoff time.Duration // fixed delay between reconnect attempts
	ShouldReconnect  func() bool
}

// NewKlineStream creates a stream for symbol@kline_interval. onCandle is
// invoked from the read loop goroutine for every parsed kline frame.
func NewKlineStream(symbol string, interval market.Interval, onCandle func(market.Candle), opts StreamOptions, logger zerolog.Logger) *KlineStream {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	return &KlineStream{
		symbol:          symbol,
		interval:        interval,
		wsBaseURL:       opts.WSBaseURL,
		backoff:         opts.ReconnectBackoff,
		onCandle:        onCandle,
		shouldReconnect: opts.ShouldReconnect,
		logger: logger.With().Str("component", "kline-stream").
			Str("symbol", symbol).Str("interval", string(interval)).Logger(),
	}
}

// Start opens the subscription and keeps it alive in a background goroutine.
func (s *KlineStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectLoop()
}

// Close terminates the stream and stops all reconnect attempts.
func (s *KlineStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *KlineStream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// streamName builds the upstream channel name, e.g. "btcusdt@kline_1m".
func (s *KlineStream) streamName() string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(s.symbol), s.interval)
}

func (s *KlineStream) connectLoop() {
	wsURL := fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, s.streamName())

	for s.isRunning() {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			metrics.StreamReconnects.WithLabelValues(s.symbol, string(s.interval)).Inc()
			s.logger.Warn().Err(err).Dur("backoff", s.backoff).Msg("stream dial failed")
			time.Sleep(s.backoff)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info().Msg("stream connected")
		s.readLoop(conn)

		if !s.isRunning() {
			return
		}
		if s.shouldReconnect != nil && !s.shouldReconnect() {
			s.logger.Info().Msg("stream closed, shard idle, not reconnecting")
			return
		}
		metrics.StreamReconnects.WithLabelValues(s.symbol, string(s.interval)).Inc()
		s.logger.Warn().Dur("backoff", s.backoff).Msg("stream lost, reconnecting")
		time.Sleep(s.backoff)
	}
}

func (s *KlineStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				s.logger.Debug().Err(err).Msg("stream read error")
			}
			return
		}
		candle, ok := ParseKlineMessage(msg)
		if !ok {
			continue
		}
		s.onCandle(candle)
	}
}
