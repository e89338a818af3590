// Package exchange talks to the upstream futures exchange: historical klines
// over REST and live klines over websocket. Failures never propagate past
// this package; they surface as empty results and log lines.
package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/market"
)

// HistoryPageLimit is the maximum number of candles one REST page returns.
const HistoryPageLimit = 1500

// Client fetches historical candles from the exchange REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a REST client against the given base URL
// (e.g. "https://fapi.binance.com/fapi/v1").
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "exchange").Logger(),
	}
}

// FetchHistorical returns up to 1,500 closed candles for the half-open window
// [startMs, endMs). Zero start/end means unbounded on that side. A malformed
// or error response yields an empty slice, never an error to the caller's
// trading path.
func (c *Client) FetchHistorical(symbol string, interval market.Interval, startMs, endMs int64) []market.Candle {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(HistoryPageLimit))
	if startMs > 0 {
		params.Set("startTime", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		params.Set("endTime", strconv.FormatInt(endMs-1, 10))
	}

	endpoint := fmt.Sprintf("%s/klines?%s", c.baseURL, params.Encode())
	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", string(interval)).Msg("kline fetch failed")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("kline response read failed")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).
			Str("interval", string(interval)).Msg("kline fetch rejected")
		return nil
	}

	return parseKlineRows(body, symbol, c.logger)
}

// parseKlineRows decodes the exchange's array-of-12-tuples kline payload.
// Fields 0-5 map to openTime, open, high, low, close, volume; the rest are
// ignored. Anything that is not a well-formed array yields an empty result.
func parseKlineRows(body []byte, symbol string, logger zerolog.Logger) []market.Candle {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		logger.Warn().Err(err).Str("symbol", symbol).Msg("kline payload is not an array")
		return nil
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		c := market.Candle{
			Symbol:   symbol,
			OpenTime: int64(openTime),
			Open:     asFloat(row[1]),
			High:     asFloat(row[2]),
			Low:      asFloat(row[3]),
			Close:    asFloat(row[4]),
			Volume:   asFloat(row[5]),
			IsClosed: true,
		}
		c.ClearIndicators()
		candles = append(candles, c)
	}
	return candles
}

// asFloat handles the exchange's habit of stringifying numbers.
func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
