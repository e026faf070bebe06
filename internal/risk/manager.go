// Package risk owns positions and exposure. All sizing and bookkeeping
// decisions pass through one serialized manager so the aggregate exposure
// cap holds across symbols.
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// ErrExposureCapExceeded reports a fill whose crediting would breach the
// aggregate exposure cap. The fill is not applied; the caller logs and skips.
var ErrExposureCapExceeded = errors.New("aggregate exposure cap exceeded")

// Config holds risk limits and sizing parameters.
type Config struct {
	// MaxPositionUSDT caps the notional of any single position.
	MaxPositionUSDT float64 `json:"maxPositionUsdt" mapstructure:"max_position_usdt" validate:"gt=0"`

	// MaxAggregateUSDT caps total notional across open positions and
	// outstanding reservations.
	MaxAggregateUSDT float64 `json:"maxAggregateUsdt" mapstructure:"max_aggregate_usdt" validate:"gt=0"`

	// InitialEquityUSDT seeds the equity used for tiered risk fractions.
	InitialEquityUSDT float64 `json:"initialEquityUsdt" mapstructure:"initial_equity_usdt" validate:"gt=0"`

	// AllowFlip permits reversing an open position in one order. When
	// false an opposite signal produces a close-only intent instead.
	AllowFlip bool `json:"allowFlip" mapstructure:"allow_flip"`

	// StopATRMultiple and TargetATRMultiple set protective levels as
	// multiples of the entry-time ATR.
	StopATRMultiple   float64 `json:"stopAtrMultiple" mapstructure:"stop_atr_multiple" validate:"gte=0"`
	TargetATRMultiple float64 `json:"targetAtrMultiple" mapstructure:"target_atr_multiple" validate:"gte=0"`

	// MinNotionalUSDT suppresses orders too small for the exchange.
	MinNotionalUSDT float64 `json:"minNotionalUsdt" mapstructure:"min_notional_usdt" validate:"gte=0"`

	// QuantityStep is the lot step quantities are truncated to.
	QuantityStep float64 `json:"quantityStep" mapstructure:"quantity_step" validate:"gt=0"`

	// PriceBandBps widens the limit price away from reference.
	PriceBandBps float64 `json:"priceBandBps" mapstructure:"price_band_bps" validate:"gte=0"`
}

// DefaultConfig returns production risk limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionUSDT:   50,
		MaxAggregateUSDT:  150,
		InitialEquityUSDT: 10000,
		AllowFlip:         true,
		StopATRMultiple:   1.2,
		TargetATRMultiple: 2.4,
		MinNotionalUSDT:   5,
		QuantityStep:      0.00001,
		PriceBandBps:      50,
	}
}

// reservation is headroom claimed at Evaluate time, committed or released
// once the gateway outcome is known.
type reservation struct {
	symbol   string
	notional decimal.Decimal
	stop     decimal.Decimal
	target   decimal.Decimal
}

// ApplyResult reports the outcome of crediting one fill.
type ApplyResult struct {
	Position    types.Position  `json:"position"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Closed      bool            `json:"closed"`
}

// LeverageAdvice is the margin setup recommended for an order notional.
type LeverageAdvice struct {
	Leverage   int    `json:"leverage"`
	MarginType string `json:"marginType"`
}

// Manager sizes intents and credits fills. Evaluate and Apply are serialized
// behind one mutex; no gateway I/O ever happens under it.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	maxPosition  decimal.Decimal
	maxAggregate decimal.Decimal
	minNotional  decimal.Decimal
	step         decimal.Decimal
	stopMult     decimal.Decimal
	targetMult   decimal.Decimal
	bandFrac     decimal.Decimal

	mu           sync.Mutex
	equity       decimal.Decimal
	positions    map[string]types.Position
	reservations map[string]reservation
}

// NewManager creates a manager seeded with the configured equity.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		logger:       logger,
		cfg:          cfg,
		maxPosition:  decimal.NewFromFloat(cfg.MaxPositionUSDT),
		maxAggregate: decimal.NewFromFloat(cfg.MaxAggregateUSDT),
		minNotional:  decimal.NewFromFloat(cfg.MinNotionalUSDT),
		step:         decimal.NewFromFloat(cfg.QuantityStep),
		stopMult:     decimal.NewFromFloat(cfg.StopATRMultiple),
		targetMult:   decimal.NewFromFloat(cfg.TargetATRMultiple),
		bandFrac:     decimal.NewFromFloat(cfg.PriceBandBps).Div(decimal.NewFromInt(10000)),
		equity:       decimal.NewFromFloat(cfg.InitialEquityUSDT),
		positions:    make(map[string]types.Position),
		reservations: make(map[string]reservation),
	}
}

// Evaluate turns a fused signal into a sized order intent, or nil when no
// order should be placed. A non-nil intent reserves its notional headroom
// under the intent's ClientID until Apply or Release.
func (m *Manager) Evaluate(sig types.FusedSignal, fv types.FeatureVector) (*types.OrderIntent, error) {
	if !sig.PassesGate || sig.Direction == types.DirectionFlat {
		return nil, nil
	}
	price := fv.Close
	if !price.IsPositive() {
		return nil, fmt.Errorf("non-positive price for %s", sig.Symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, open := m.positions[sig.Symbol]
	opposite := open && positionDirection(pos) != sig.Direction

	if opposite && !m.cfg.AllowFlip {
		return m.closeOnlyIntentLocked(pos, sig, price), nil
	}

	pairUsed := decimal.Zero
	aggUsed := m.aggregateLocked()
	if open {
		held := pos.Notional(pos.AvgEntryPrice)
		if opposite {
			// The flip closes the old position, so its notional
			// comes back before the new exposure lands.
			aggUsed = aggUsed.Sub(held)
		} else {
			pairUsed = held
		}
	}
	pairUsed = pairUsed.Add(m.reservedForLocked(sig.Symbol))

	budget := decimal.Min(
		m.maxPosition.Sub(pairUsed),
		m.maxAggregate.Sub(aggUsed),
		m.equity.Mul(m.tierFractionLocked()),
	)
	if !budget.IsPositive() {
		return nil, nil
	}

	qty := m.truncateToStep(budget.Div(price))
	if qty.IsZero() {
		return nil, nil
	}
	notional := qty.Mul(price)
	if notional.LessThan(m.minNotional) {
		return nil, nil
	}

	stop, target := m.protectiveLevels(sig.Direction, price, fv.ATR)

	orderQty := qty
	if opposite {
		orderQty = pos.Quantity.Abs().Add(qty)
	}
	side := sig.Direction.Side()
	intent := &types.OrderIntent{
		Symbol:      sig.Symbol,
		Side:        side,
		Quantity:    orderQty,
		Band:        m.priceBand(side, price),
		ClientID:    newClientID(sig.Symbol, sig.Timestamp, side, orderQty, false),
		StopPrice:   stop,
		TargetPrice: target,
		CreatedAt:   sig.Timestamp,
	}

	m.reservations[intent.ClientID] = reservation{
		symbol:   sig.Symbol,
		notional: notional,
		stop:     stop,
		target:   target,
	}
	return intent, nil
}

// closeOnlyIntentLocked builds the reduce-only intent used when flips are
// disallowed. Closing reduces exposure, so no reservation is taken.
func (m *Manager) closeOnlyIntentLocked(pos types.Position, sig types.FusedSignal, price decimal.Decimal) *types.OrderIntent {
	side := types.OrderSideSell
	if pos.Quantity.IsNegative() {
		side = types.OrderSideBuy
	}
	qty := pos.Quantity.Abs()
	return &types.OrderIntent{
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   qty,
		Band:       m.priceBand(side, price),
		ClientID:   newClientID(sig.Symbol, sig.Timestamp, side, qty, true),
		ReduceOnly: true,
		CreatedAt:  sig.Timestamp,
	}
}

// Apply credits one fill against the book: weighted-average entry on
// same-direction fills, realized P&L on closes, and an atomic flip when the
// fill crosses the position through zero. A fill whose crediting would push
// aggregate exposure above the cap is rejected untouched.
func (m *Manager) Apply(fill types.Fill) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, open := m.positions[fill.Symbol]
	res, reserved := m.reservations[fill.ClientID]

	next, realized, closed := m.nextPositionLocked(cur, open, fill, res)

	oldAgg := m.aggregateLocked()
	newAgg := m.aggregateAfterLocked(fill, next, closed)
	if newAgg.GreaterThan(m.maxAggregate) && newAgg.GreaterThan(oldAgg) {
		return ApplyResult{}, fmt.Errorf("%w: %s would raise exposure to %s",
			ErrExposureCapExceeded, fill.Symbol, newAgg.StringFixed(2))
	}

	if closed {
		delete(m.positions, fill.Symbol)
	} else {
		m.positions[fill.Symbol] = next
	}
	if reserved {
		m.consumeReservationLocked(fill, res)
	}
	m.equity = m.equity.Add(realized)

	return ApplyResult{Position: next, RealizedPnL: realized, Closed: closed}, nil
}

// nextPositionLocked computes the post-fill position and realized P&L
// without mutating state, so a cap rejection leaves the book untouched.
func (m *Manager) nextPositionLocked(cur types.Position, open bool, fill types.Fill, res reservation) (types.Position, decimal.Decimal, bool) {
	signed := fill.SignedQuantity()

	if !open || cur.Quantity.Sign() == signed.Sign() {
		base := cur
		if !open {
			base = types.Position{Symbol: fill.Symbol, OpenedAt: fill.Timestamp}
		}
		oldAbs := base.Quantity.Abs()
		newAbs := oldAbs.Add(fill.Quantity)
		avg := fill.Price
		if oldAbs.IsPositive() {
			avg = oldAbs.Mul(base.AvgEntryPrice).Add(fill.Quantity.Mul(fill.Price)).Div(newAbs)
		}
		next := types.Position{
			Symbol:        fill.Symbol,
			Quantity:      base.Quantity.Add(signed),
			AvgEntryPrice: avg,
			StopPrice:     base.StopPrice,
			TargetPrice:   base.TargetPrice,
			OpenedAt:      base.OpenedAt,
		}
		if !res.stop.IsZero() || !res.target.IsZero() {
			next.StopPrice = res.stop
			next.TargetPrice = res.target
		}
		return next, decimal.Zero, false
	}

	held := cur.Quantity.Abs()
	closeQty := decimal.Min(held, fill.Quantity)
	realized := m.realizedOnClose(cur, closeQty, fill.Price)

	switch fill.Quantity.Cmp(held) {
	case -1: // partial close
		next := cur
		next.Quantity = cur.Quantity.Add(signed)
		return next, realized, false
	case 0: // exact close, record removed
		return types.Position{Symbol: fill.Symbol}, realized, true
	default: // flip: close the old side, open the residual opposite
		residual := fill.Quantity.Sub(held)
		next := types.Position{
			Symbol:        fill.Symbol,
			Quantity:      residual,
			AvgEntryPrice: fill.Price,
			StopPrice:     res.stop,
			TargetPrice:   res.target,
			OpenedAt:      fill.Timestamp,
		}
		if fill.Side == types.OrderSideSell {
			next.Quantity = residual.Neg()
		}
		return next, realized, false
	}
}

// realizedOnClose returns the P&L from closing closeQty at price.
func (m *Manager) realizedOnClose(pos types.Position, closeQty, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(pos.AvgEntryPrice)
	if pos.Quantity.IsNegative() {
		diff = pos.AvgEntryPrice.Sub(price)
	}
	return closeQty.Mul(diff)
}

// Release rolls back the reservation for an intent that was rejected,
// abandoned, or never fully filled.
func (m *Manager) Release(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, clientID)
}

// Advise recommends the leverage and margin mode for an order notional.
func (m *Manager) Advise(notional decimal.Decimal) LeverageAdvice {
	switch {
	case notional.LessThanOrEqual(decimal.NewFromInt(200)):
		return LeverageAdvice{Leverage: 5, MarginType: "cross"}
	case notional.LessThanOrEqual(decimal.NewFromInt(2000)):
		return LeverageAdvice{Leverage: 25, MarginType: "isolated"}
	default:
		return LeverageAdvice{Leverage: 10, MarginType: "isolated"}
	}
}

// Position returns the open position for a symbol, if any.
func (m *Manager) Position(symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	return pos, ok
}

// Positions returns all open positions sorted by symbol.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Equity returns current equity (initial plus realized P&L).
func (m *Manager) Equity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

// AggregateExposure returns open notional plus outstanding reservations.
func (m *Manager) AggregateExposure() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateLocked()
}

func (m *Manager) aggregateLocked() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.positions {
		total = total.Add(pos.Notional(pos.AvgEntryPrice))
	}
	for _, res := range m.reservations {
		total = total.Add(res.notional)
	}
	return total
}

// aggregateAfterLocked previews aggregate exposure with the fill applied and
// its reservation share consumed.
func (m *Manager) aggregateAfterLocked(fill types.Fill, next types.Position, closed bool) decimal.Decimal {
	total := decimal.Zero
	for sym, pos := range m.positions {
		if sym == fill.Symbol {
			continue
		}
		total = total.Add(pos.Notional(pos.AvgEntryPrice))
	}
	if !closed {
		total = total.Add(next.Notional(next.AvgEntryPrice))
	}
	consumed := fill.Quantity.Mul(fill.Price)
	for id, res := range m.reservations {
		remaining := res.notional
		if id == fill.ClientID {
			remaining = remaining.Sub(consumed)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
		}
		total = total.Add(remaining)
	}
	return total
}

func (m *Manager) consumeReservationLocked(fill types.Fill, res reservation) {
	res.notional = res.notional.Sub(fill.Quantity.Mul(fill.Price))
	if res.notional.IsPositive() {
		m.reservations[fill.ClientID] = res
	} else {
		delete(m.reservations, fill.ClientID)
	}
}

func (m *Manager) reservedForLocked(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, res := range m.reservations {
		if res.symbol == symbol {
			total = total.Add(res.notional)
		}
	}
	return total
}

// tierFractionLocked returns the per-trade risk fraction for current equity.
func (m *Manager) tierFractionLocked() decimal.Decimal {
	switch {
	case m.equity.LessThanOrEqual(decimal.NewFromInt(1000)):
		return decimal.NewFromFloat(0.02)
	case m.equity.LessThanOrEqual(decimal.NewFromInt(5000)):
		return decimal.NewFromFloat(0.015)
	default:
		return decimal.NewFromFloat(0.01)
	}
}

func (m *Manager) truncateToStep(qty decimal.Decimal) decimal.Decimal {
	if !m.step.IsPositive() {
		return qty
	}
	return qty.Div(m.step).Floor().Mul(m.step)
}

// protectiveLevels computes the ATR stop and target around entry, mirrored
// for shorts. A stop that would cross zero is dropped.
func (m *Manager) protectiveLevels(dir types.Direction, price decimal.Decimal, atr float64) (decimal.Decimal, decimal.Decimal) {
	if atr <= 0 {
		return decimal.Zero, decimal.Zero
	}
	span := decimal.NewFromFloat(atr)
	stopSpan := span.Mul(m.stopMult)
	targetSpan := span.Mul(m.targetMult)

	var stop, target decimal.Decimal
	if dir == types.DirectionLong {
		stop = price.Sub(stopSpan)
		target = price.Add(targetSpan)
	} else {
		stop = price.Add(stopSpan)
		target = price.Sub(targetSpan)
	}
	if stop.IsNegative() {
		stop = decimal.Zero
	}
	if target.IsNegative() {
		target = decimal.Zero
	}
	return stop, target
}

func (m *Manager) priceBand(side types.OrderSide, price decimal.Decimal) types.PriceBand {
	offset := price.Mul(m.bandFrac)
	limit := price.Add(offset)
	if side == types.OrderSideSell {
		limit = price.Sub(offset)
	}
	return types.PriceBand{Reference: price, Limit: limit}
}

func positionDirection(pos types.Position) types.Direction {
	if pos.Quantity.IsNegative() {
		return types.DirectionShort
	}
	return types.DirectionLong
}

// newClientID derives the idempotency key from the intent's content so the
// same decision always carries the same key under replay.
func newClientID(symbol string, ts time.Time, side types.OrderSide, qty decimal.Decimal, reduceOnly bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%t", symbol, ts.UnixMilli(), side, qty.String(), reduceOnly)
	return "eng-" + hex.EncodeToString(h.Sum(nil))[:20]
}
