package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// LiveConfig holds venue credentials and transport settings.
type LiveConfig struct {
	APIKey    string `json:"apiKey" mapstructure:"api_key"`
	APISecret string `json:"-" mapstructure:"api_secret"`
	Testnet   bool   `json:"testnet" mapstructure:"testnet"`

	RequestTimeout     time.Duration `json:"requestTimeout" mapstructure:"request_timeout"`
	RecvWindowMS       int64         `json:"recvWindowMs" mapstructure:"recv_window_ms"`
	RequestsPerMinute  int           `json:"requestsPerMinute" mapstructure:"requests_per_minute"`
}

// DefaultLiveConfig returns transport defaults for the real venue.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		RequestTimeout:    10 * time.Second,
		RecvWindowMS:      5000,
		RequestsPerMinute: 1200,
	}
}

// rateLimiter spaces requests out to the venue's per-minute budget.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 1200
	}
	return &rateLimiter{interval: time.Minute / time.Duration(perMinute)}
}

func (rl *rateLimiter) wait(ctx context.Context) error {
	rl.mu.Lock()
	now := time.Now()
	if rl.next.Before(now) {
		rl.next = now
	}
	delay := rl.next.Sub(now)
	rl.next = rl.next.Add(rl.interval)
	rl.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LiveGateway places marketable limit orders on a Binance-style REST venue.
// Orders go out immediate-or-cancel at the band limit so slippage can never
// exceed what risk approved.
type LiveGateway struct {
	logger  *zap.Logger
	cfg     LiveConfig
	baseURL string
	client  *http.Client
	limiter *rateLimiter
}

// NewLiveGateway creates the real-venue gateway.
func NewLiveGateway(cfg LiveConfig, logger *zap.Logger) *LiveGateway {
	baseURL := "https://api.binance.com"
	if cfg.Testnet {
		baseURL = "https://testnet.binance.vision"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveGateway{
		logger:  logger,
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: newRateLimiter(cfg.RequestsPerMinute),
	}
}

// venueOrder mirrors the venue's order payload.
type venueOrder struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	OrigClientOrderID  string          `json:"origClientOrderId"`
	Price              decimal.Decimal `json:"price"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	Side               string          `json:"side"`
	TransactTime       int64           `json:"transactTime"`
	UpdateTime         int64           `json:"updateTime"`
	Fills              []venueFill     `json:"fills"`
}

type venueFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	TradeID         int64           `json:"tradeId"`
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Submit places the intent as an IOC limit order at the band limit. A
// transport failure after the request may have reached the venue resolves
// through Lookup; only if the venue has no record does the caller see
// ErrGatewayAmbiguous.
func (g *LiveGateway) Submit(ctx context.Context, intent types.OrderIntent) (SubmitResult, error) {
	if intent.ClientID == "" {
		intent.ClientID = uuid.NewString()
	}
	if err := g.limiter.wait(ctx); err != nil {
		return SubmitResult{}, err
	}

	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("side", strings.ToUpper(string(intent.Side)))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "IOC")
	params.Set("quantity", intent.Quantity.String())
	params.Set("price", intent.Band.Limit.String())
	params.Set("newClientOrderId", intent.ClientID)
	params.Set("newOrderRespType", "FULL")

	body, status, err := g.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return g.resolveAmbiguous(ctx, intent, err)
	}
	if status >= http.StatusInternalServerError {
		return g.resolveAmbiguous(ctx, intent, fmt.Errorf("venue status %d", status))
	}
	if status != http.StatusOK {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrGatewayRejected, venueMessage(body, status))
	}

	var order venueOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return SubmitResult{}, fmt.Errorf("parsing order response: %w", err)
	}
	return g.finishSubmit(order)
}

// finishSubmit converts the venue order into a result, surfacing rejections
// and unfilled IOC expiries as gateway rejections.
func (g *LiveGateway) finishSubmit(order venueOrder) (SubmitResult, error) {
	result := g.toResult(order)
	switch order.Status {
	case "REJECTED":
		return result, fmt.Errorf("%w: venue rejected %s", ErrGatewayRejected, order.ClientOrderID)
	case "EXPIRED", "CANCELED":
		if order.ExecutedQty.IsZero() {
			return result, fmt.Errorf("%w: unfilled at band limit", ErrGatewayRejected)
		}
	}
	g.logger.Info("live order placed",
		zap.String("symbol", order.Symbol),
		zap.String("clientId", result.ClientID),
		zap.String("status", string(result.Status)),
		zap.Int("fills", len(result.Fills)))
	return result, nil
}

// resolveAmbiguous re-queries by idempotency key after an unconfirmed
// submission. The order either exists (return its state) or it never arrived.
func (g *LiveGateway) resolveAmbiguous(ctx context.Context, intent types.OrderIntent, cause error) (SubmitResult, error) {
	g.logger.Warn("order outcome unconfirmed, re-querying",
		zap.String("symbol", intent.Symbol),
		zap.String("clientId", intent.ClientID),
		zap.Error(cause))

	result, found, err := g.Lookup(ctx, intent.Symbol, intent.ClientID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: submit unconfirmed and lookup failed: %v", ErrGatewayAmbiguous, err)
	}
	if !found {
		return SubmitResult{}, fmt.Errorf("%w: no venue record for %s", ErrGatewayAmbiguous, intent.ClientID)
	}
	return result, nil
}

// Cancel cancels by idempotency key. An unknown order reports false.
func (g *LiveGateway) Cancel(ctx context.Context, symbol, clientID string) (bool, error) {
	if err := g.limiter.wait(ctx); err != nil {
		return false, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	body, status, err := g.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return false, fmt.Errorf("canceling %s: %w", clientID, err)
	}
	if status == http.StatusOK {
		return true, nil
	}
	var ve venueError
	if json.Unmarshal(body, &ve) == nil && ve.Code == -2011 { // unknown order
		return false, nil
	}
	return false, fmt.Errorf("cancel failed: %s", venueMessage(body, status))
}

// Lookup fetches order state by idempotency key.
func (g *LiveGateway) Lookup(ctx context.Context, symbol, clientID string) (SubmitResult, bool, error) {
	if err := g.limiter.wait(ctx); err != nil {
		return SubmitResult{}, false, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	body, status, err := g.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return SubmitResult{}, false, fmt.Errorf("looking up %s: %w", clientID, err)
	}
	if status != http.StatusOK {
		var ve venueError
		if json.Unmarshal(body, &ve) == nil && (ve.Code == -2013 || ve.Code == -2011) {
			return SubmitResult{}, false, nil
		}
		return SubmitResult{}, false, fmt.Errorf("lookup failed: %s", venueMessage(body, status))
	}

	var order venueOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return SubmitResult{}, false, fmt.Errorf("parsing lookup response: %w", err)
	}
	return g.toResult(order), true, nil
}

// toResult maps a venue order onto the gateway contract. When the venue
// reports executions without itemized fills, one synthetic fill carries the
// volume-weighted average price.
func (g *LiveGateway) toResult(order venueOrder) SubmitResult {
	clientID := order.ClientOrderID
	if clientID == "" {
		clientID = order.OrigClientOrderID
	}
	ts := time.UnixMilli(order.TransactTime)
	if order.TransactTime == 0 {
		ts = time.UnixMilli(order.UpdateTime)
	}
	orderID := fmt.Sprintf("%s:%d", order.Symbol, order.OrderID)
	side := types.OrderSideBuy
	if strings.EqualFold(order.Side, "sell") {
		side = types.OrderSideSell
	}
	result := SubmitResult{OrderID: orderID, ClientID: clientID, Status: mapStatus(order)}

	fills := make([]types.Fill, 0, len(order.Fills))
	for i, vf := range order.Fills {
		fills = append(fills, types.Fill{
			OrderID:   orderID,
			ClientID:  clientID,
			Symbol:    order.Symbol,
			Side:      side,
			Quantity:  vf.Qty,
			Price:     vf.Price,
			Timestamp: ts,
			IsPartial: i < len(order.Fills)-1 || result.Status == StatusPartiallyFilled,
		})
	}
	if len(fills) == 0 && order.ExecutedQty.IsPositive() {
		avg := order.CumulativeQuoteQty.Div(order.ExecutedQty)
		fills = append(fills, types.Fill{
			OrderID:   orderID,
			ClientID:  clientID,
			Symbol:    order.Symbol,
			Side:      side,
			Quantity:  order.ExecutedQty,
			Price:     avg,
			Timestamp: ts,
			IsPartial: result.Status == StatusPartiallyFilled,
		})
	}
	result.Fills = fills
	return result
}

func mapStatus(order venueOrder) OrderStatus {
	switch order.Status {
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "NEW":
		return StatusOpen
	case "CANCELED", "EXPIRED":
		if order.ExecutedQty.IsPositive() {
			return StatusPartiallyFilled
		}
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusOpen
	}
}

// signedRequest signs the query with HMAC-SHA256 and returns body and status.
func (g *LiveGateway) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, int, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if g.cfg.RecvWindowMS > 0 {
		params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindowMS, 10))
	}
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(g.cfg.APISecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func venueMessage(body []byte, status int) string {
	var ve venueError
	if json.Unmarshal(body, &ve) == nil && ve.Msg != "" {
		return fmt.Sprintf("status %d code %d: %s", status, ve.Code, ve.Msg)
	}
	return fmt.Sprintf("status %d: %s", status, string(body))
}
