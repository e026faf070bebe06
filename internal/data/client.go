// Package data provides market data access: a REST client for klines and
// 24h statistics, a TTL cache for live polling, and a SQLite store for
// durable history.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// BarSource provides ordered closed bars for one symbol and interval.
// The live loop asks for a recent window; the backtest driver for the full
// historical range.
type BarSource interface {
	Bars(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Bar, error)
}

// ClientConfig holds REST client settings.
type ClientConfig struct {
	BaseURL string        `json:"baseUrl" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultClientConfig returns the public production endpoint.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "https://api.binance.com",
		Timeout: 10 * time.Second,
	}
}

// Client fetches market data from a Binance-style public REST API. It needs
// no credentials; only public endpoints are used.
type Client struct {
	logger *zap.Logger
	cfg    ClientConfig
	http   *http.Client
	now    func() time.Time
}

// NewClient creates a market data client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger: logger,
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

const klineBatchLimit = 1000

// Bars fetches closed bars in [start, end), paging through the venue's batch
// limit. A bar still in progress at call time is dropped so downstream only
// ever sees closed candles.
func (c *Client) Bars(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Bar, error) {
	out := make([]types.Bar, 0, 256)
	cursor := start
	for cursor.Before(end) {
		batch, err := c.klineBatch(ctx, symbol, interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime.Add(interval.Duration())
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(batch) < klineBatchLimit {
			break
		}
	}
	return out, nil
}

func (c *Client) klineBatch(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(klineBatchLimit))

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines for %s: %w", symbol, err)
	}

	nowMS := c.now().UnixMilli()
	bars := make([]types.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		bar, closeTime, err := parseKline(symbol, k)
		if err != nil {
			return nil, fmt.Errorf("parsing kline for %s: %w", symbol, err)
		}
		if closeTime > nowMS {
			continue // bar still open
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKline maps one venue kline array onto a Bar. The array interleaves
// numbers and quoted decimal strings.
func parseKline(symbol string, k []json.RawMessage) (types.Bar, int64, error) {
	var openTime, closeTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return types.Bar{}, 0, err
	}
	if err := json.Unmarshal(k[6], &closeTime); err != nil {
		return types.Bar{}, 0, err
	}

	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(k[i+1], &s); err != nil {
			return types.Bar{}, 0, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return types.Bar{}, 0, err
		}
		fields[i] = v
	}

	return types.Bar{
		Symbol:   symbol,
		OpenTime: time.UnixMilli(openTime).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, closeTime, nil
}

// venueTicker mirrors the 24h statistics payload.
type venueTicker struct {
	Symbol             string          `json:"symbol"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
}

// Stats fetches 24h rolling statistics for every symbol on the venue.
func (c *Client) Stats(ctx context.Context) ([]types.SymbolStats, error) {
	body, err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetching 24h stats: %w", err)
	}

	var tickers []venueTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("parsing 24h stats: %w", err)
	}

	stats := make([]types.SymbolStats, 0, len(tickers))
	for _, t := range tickers {
		stats = append(stats, types.SymbolStats{
			Symbol:         t.Symbol,
			QuoteVolume:    t.QuoteVolume,
			PriceChangePct: t.PriceChangePercent.InexactFloat64(),
			LastPrice:      t.LastPrice,
		})
	}
	return stats, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.cfg.BaseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
