// Package gateway defines the payment gateway boundary used by the payout
// handler, the confirmation handler, and the reconciliation scheduler.
//
// The gateway is the source of truth for payment state: when local state and
// gateway state disagree, the gateway's reported status wins.
package gateway

import (
	"context"
	"errors"
)

// Gateway-reported payment statuses.
const (
	StatusSuccess     = "SUCCESS"
	StatusPending     = "PENDING"
	StatusFailed      = "FAILED"
	StatusUserDropped = "USER_DROPPED"
	StatusCancelled   = "CANCELLED"
)

// PayoutRequest initiates a fund transfer to a driver's beneficiary account.
// TransferID is generated fresh per attempt; the gateway deduplicates on it.
type PayoutRequest struct {
	TransferID    string
	BeneficiaryID string
	TransactionID string
	Amount        float64
	Remarks       string
}

// PayoutResult is the gateway's acknowledgement of an accepted transfer.
type PayoutResult struct {
	ReferenceID string
	Status      string
}

// PaymentStatus is one gateway-side payment attempt for an order.
type PaymentStatus struct {
	CFPaymentID   string `json:"cf_payment_id"`
	PaymentStatus string `json:"payment_status"`
}

// TransientError marks a gateway failure as retryable (network error, 5xx,
// rate limiting). Everything else is permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Gateway is the outbound payment dependency.
type Gateway interface {
	// InitiatePayout transfers funds to a beneficiary. The returned error is
	// wrapped in TransientError when the attempt may be retried.
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)

	// GetPaymentStatus returns all gateway-side payment attempts for an
	// order, newest first. Used for confirmation and reconciliation.
	GetPaymentStatus(ctx context.Context, orderID string) ([]PaymentStatus, error)

	// GetTransferStatus returns the gateway-side state of a payout by its
	// merchant reference (our transaction id). Used by reconciliation to
	// resolve payouts whose worker died between transfer and settlement.
	GetTransferStatus(ctx context.Context, referenceID string) (*PayoutResult, error)
}
