package gateway

import (
	"context"

	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
)

// Guarded wraps a Gateway with a circuit breaker. All call sites (payout
// handler, confirmation handler, reconciler) share one Guarded instance so
// they observe the same breaker state.
//
// Short-circuited calls return breaker.ErrOpen without reaching the gateway
// and are not counted as gateway failures.
type Guarded struct {
	gw Gateway
	cb *breaker.Breaker
}

// Guard wraps gw with cb.
func Guard(gw Gateway, cb *breaker.Breaker) *Guarded {
	return &Guarded{gw: gw, cb: cb}
}

// Breaker exposes the underlying breaker for state inspection.
func (g *Guarded) Breaker() *breaker.Breaker { return g.cb }

// InitiatePayout implements Gateway.
func (g *Guarded) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var res *PayoutResult
	var callErr error
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		res, callErr = g.gw.InitiatePayout(ctx, req)
		return breakerView(callErr)
	})
	return res, firstErr(err, callErr)
}

// GetPaymentStatus implements Gateway.
func (g *Guarded) GetPaymentStatus(ctx context.Context, orderID string) ([]PaymentStatus, error) {
	var res []PaymentStatus
	var callErr error
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		res, callErr = g.gw.GetPaymentStatus(ctx, orderID)
		return breakerView(callErr)
	})
	return res, firstErr(err, callErr)
}

// GetTransferStatus implements Gateway.
func (g *Guarded) GetTransferStatus(ctx context.Context, referenceID string) (*PayoutResult, error) {
	var res *PayoutResult
	var callErr error
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		res, callErr = g.gw.GetTransferStatus(ctx, referenceID)
		return breakerView(callErr)
	})
	return res, firstErr(err, callErr)
}

// breakerView maps a gateway error to what the breaker should count.
// Permanent errors (4xx, validation) mean the gateway is up and answering;
// only transient failures push the breaker toward open.
func breakerView(err error) error {
	if err == nil || !IsTransient(err) {
		return nil
	}
	return err
}

// firstErr prefers the breaker's short-circuit error, then the call error.
func firstErr(doErr, callErr error) error {
	if doErr != nil {
		return doErr
	}
	return callErr
}
