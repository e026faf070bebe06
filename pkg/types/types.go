// Package types provides shared type definitions for the decision engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Direction represents the trade direction a fused signal resolves to
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Side converts a direction into the order side that opens it.
// Flat has no order side; callers must not ask for one.
func (d Direction) Side() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Interval represents kline intervals
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock span of one interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Bar represents a single closed candlestick. Immutable once closed,
// uniquely keyed by (Symbol, OpenTime).
type Bar struct {
	Symbol   string          `json:"symbol"`
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// FeatureVector is the fixed-shape input to the regime and forecast models,
// derived from a trailing bar window for one symbol at one timestamp.
// Field order is part of the model schema; see Values.
type FeatureVector struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`

	LastReturn  float64 `json:"lastReturn"`
	MeanReturn  float64 `json:"meanReturn"`
	Volatility  float64 `json:"volatility"`
	VolumeRatio float64 `json:"volumeRatio"`
	ATR         float64 `json:"atr"`
	RSI         float64 `json:"rsi"`
	StochK      float64 `json:"stochK"`
	StochD      float64 `json:"stochD"`

	// Close is carried through for sizing and paper fills, not scored.
	Close decimal.Decimal `json:"close"`
}

// FeatureNames lists the scored fields in schema order.
func FeatureNames() []string {
	return []string{
		"last_return", "mean_return", "volatility", "volume_ratio",
		"atr", "rsi", "stoch_k", "stoch_d",
	}
}

// Values returns the scored fields in schema order.
func (fv FeatureVector) Values() []float64 {
	return []float64{
		fv.LastReturn, fv.MeanReturn, fv.Volatility, fv.VolumeRatio,
		fv.ATR, fv.RSI, fv.StochK, fv.StochD,
	}
}

// Forecast is a point estimate of next-interval return with a confidence
// score. Produced fresh each cycle, never persisted.
type Forecast struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	ExpectedReturn float64   `json:"expectedReturn"`
	Confidence     float64   `json:"confidence"` // 0-1
}

// SentimentSignal is the reduced sentiment reading for one symbol.
type SentimentSignal struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"` // -1..1
	IsStale   bool      `json:"isStale"`
}

// FusedSignal combines regime, forecast, and sentiment into one decision.
type FusedSignal struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
	Direction  Direction `json:"direction"`
	PassesGate bool      `json:"passesGate"`
}

// Position is one open position. Quantity is signed: positive long,
// negative short. Flat symbols have no Position record at all.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TargetPrice   decimal.Decimal `json:"targetPrice,omitempty"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// Notional returns |quantity| * price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(price)
}

// PriceBand bounds limit-style execution around a reference price.
type PriceBand struct {
	Reference decimal.Decimal `json:"reference"`
	Limit     decimal.Decimal `json:"limit"`
}

// OrderIntent is a sized, risk-approved order request. ClientID is the
// idempotency key: resubmitting the same intent must not double-fill.
type OrderIntent struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Band        PriceBand       `json:"band"`
	ClientID    string          `json:"clientId"`
	ReduceOnly  bool            `json:"reduceOnly,omitempty"`
	StopPrice   decimal.Decimal `json:"stopPrice,omitempty"`
	TargetPrice decimal.Decimal `json:"targetPrice,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Notional returns quantity * reference price.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Band.Reference)
}

// Fill is one execution against an OrderIntent. Quantity is always
// positive; Side carries the direction.
type Fill struct {
	OrderID   string          `json:"orderId"`
	ClientID  string          `json:"clientId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	IsPartial bool            `json:"isPartial"`
}

// SignedQuantity returns the fill quantity signed by side.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == OrderSideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// SymbolStats carries the 24h exchange statistics the universe selector
// ranks on.
type SymbolStats struct {
	Symbol         string          `json:"symbol"`
	QuoteVolume    decimal.Decimal `json:"quoteVolume"`
	PriceChangePct float64         `json:"priceChangePct"`
	LastPrice      decimal.Decimal `json:"lastPrice"`
}
