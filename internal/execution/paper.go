package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// SlippageBps moves the fill price adversely from the band reference.
	SlippageBps float64 `json:"slippageBps" mapstructure:"slippage_bps" validate:"gte=0"`

	// FillParts splits each execution into this many fills. Values below
	// two produce a single full fill.
	FillParts int `json:"fillParts" mapstructure:"fill_parts" validate:"gte=0"`
}

// DefaultPaperConfig returns the simulation defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{SlippageBps: 25, FillParts: 1}
}

// PaperGateway simulates executions without touching a network. Fills derive
// entirely from the intent, so replaying the same intents yields the same
// fills byte for byte.
type PaperGateway struct {
	logger   *zap.Logger
	slipFrac decimal.Decimal
	parts    int

	mu     sync.Mutex
	orders map[string]SubmitResult
}

// NewPaperGateway creates the simulated venue.
func NewPaperGateway(cfg PaperConfig, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		logger:   logger,
		slipFrac: decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000)),
		parts:    cfg.FillParts,
		orders:   make(map[string]SubmitResult),
	}
}

// Submit fills the intent at the band reference moved by the configured
// slippage. A fill price outside the band limit is rejected the way a venue
// would reject an unmarketable limit order. Resubmitting a known ClientID
// returns the original result without filling again.
func (g *PaperGateway) Submit(_ context.Context, intent types.OrderIntent) (SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.orders[intent.ClientID]; ok {
		return prior, nil
	}
	if !intent.Quantity.IsPositive() {
		return SubmitResult{}, fmt.Errorf("%w: non-positive quantity %s", ErrGatewayRejected, intent.Quantity)
	}

	price, ok := g.fillPrice(intent)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: slippage breaches band limit for %s", ErrGatewayRejected, intent.Symbol)
	}

	orderID := "paper-" + intent.ClientID
	result := SubmitResult{
		OrderID:  orderID,
		ClientID: intent.ClientID,
		Status:   StatusFilled,
		Fills:    g.splitFills(intent, orderID, price),
	}
	g.orders[intent.ClientID] = result

	g.logger.Debug("paper fill",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("quantity", intent.Quantity.String()),
		zap.String("price", price.String()))
	return result, nil
}

// Cancel never finds an open order: paper executions are instantaneous.
func (g *PaperGateway) Cancel(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

// Lookup returns the stored execution for an idempotency key.
func (g *PaperGateway) Lookup(_ context.Context, _ string, clientID string) (SubmitResult, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result, ok := g.orders[clientID]
	return result, ok, nil
}

// fillPrice applies adverse slippage and checks it against the band limit.
func (g *PaperGateway) fillPrice(intent types.OrderIntent) (decimal.Decimal, bool) {
	ref := intent.Band.Reference
	offset := ref.Mul(g.slipFrac)

	var price decimal.Decimal
	if intent.Side == types.OrderSideBuy {
		price = ref.Add(offset)
		if !intent.Band.Limit.IsZero() && price.GreaterThan(intent.Band.Limit) {
			return decimal.Zero, false
		}
	} else {
		price = ref.Sub(offset)
		if !intent.Band.Limit.IsZero() && price.LessThan(intent.Band.Limit) {
			return decimal.Zero, false
		}
	}
	return price, true
}

// splitFills divides the quantity into the configured number of fills. The
// last fill absorbs any truncation remainder so the parts always sum exactly.
func (g *PaperGateway) splitFills(intent types.OrderIntent, orderID string, price decimal.Decimal) []types.Fill {
	parts := g.parts
	if parts < 2 {
		return []types.Fill{g.fill(intent, orderID, price, intent.Quantity, false)}
	}

	per := intent.Quantity.Div(decimal.NewFromInt(int64(parts))).Truncate(8)
	if per.IsZero() {
		return []types.Fill{g.fill(intent, orderID, price, intent.Quantity, false)}
	}

	fills := make([]types.Fill, 0, parts)
	remaining := intent.Quantity
	for i := 0; i < parts-1; i++ {
		fills = append(fills, g.fill(intent, orderID, price, per, true))
		remaining = remaining.Sub(per)
	}
	fills = append(fills, g.fill(intent, orderID, price, remaining, false))
	return fills
}

func (g *PaperGateway) fill(intent types.OrderIntent, orderID string, price, qty decimal.Decimal, partial bool) types.Fill {
	return types.Fill{
		OrderID:   orderID,
		ClientID:  intent.ClientID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Quantity:  qty,
		Price:     price,
		Timestamp: intent.CreatedAt,
		IsPartial: partial,
	}
}
