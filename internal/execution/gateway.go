// Package execution routes order intents to a paper or live venue behind a
// single gateway contract, so the engine never branches on mode.
package execution

import (
	"context"
	"errors"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// ErrGatewayRejected reports an order the venue refused. The order did not
// execute; the caller releases its reservation and moves on.
var ErrGatewayRejected = errors.New("order rejected by gateway")

// ErrGatewayAmbiguous reports a submission whose outcome is unknown, for
// example a timeout after the request may have reached the venue. The caller
// must resolve it through Lookup before ever re-submitting the same intent.
var ErrGatewayAmbiguous = errors.New("gateway outcome unknown")

// OrderStatus is the venue-side state of a submitted order.
type OrderStatus string

const (
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusOpen            OrderStatus = "open"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// SubmitResult reports what happened to one submitted intent.
type SubmitResult struct {
	OrderID  string       `json:"orderId"`
	ClientID string       `json:"clientId"`
	Status   OrderStatus  `json:"status"`
	Fills    []types.Fill `json:"fills"`
}

// Gateway places and manages orders on one venue. Implementations must be
// idempotent on the intent's ClientID: submitting the same intent twice
// never doubles the execution.
type Gateway interface {
	// Submit places the order and reports its fills. A rejection returns
	// ErrGatewayRejected; an unconfirmed outcome returns ErrGatewayAmbiguous.
	Submit(ctx context.Context, intent types.OrderIntent) (SubmitResult, error)

	// Cancel cancels an open order by its idempotency key. It reports
	// whether an order was actually canceled.
	Cancel(ctx context.Context, symbol, clientID string) (bool, error)

	// Lookup fetches the current state of a previously submitted order.
	// The second result is false when the venue has no such order.
	Lookup(ctx context.Context, symbol, clientID string) (SubmitResult, bool, error)
}
