package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
	"github.com/hushryd-glitch/hushryd-jobs/internal/gateway"
	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// ConfirmationStore is the slice of the store the confirmation handler needs.
type ConfirmationStore interface {
	GetTransaction(ctx context.Context, id string) (*store.Transaction, error)
	SetTransactionStatus(ctx context.Context, id, status, lastError string) error
}

// Confirmation resolves a rider payment against the gateway's reported
// status after a booking. The gateway is authoritative: whatever it reports
// becomes the local transaction status.
type Confirmation struct {
	store ConfirmationStore
	gw    gateway.Gateway
	log   *slog.Logger
}

func NewConfirmation(s ConfirmationStore, gw gateway.Gateway, log *slog.Logger) *Confirmation {
	if log == nil {
		log = slog.Default()
	}
	return &Confirmation{store: s, gw: gw, log: log}
}

// Handle implements worker.Handler for the payment-confirmations queue.
//
// A payment still pending on the gateway side is a transient outcome: the
// job is rescheduled and polls again after backoff.
func (h *Confirmation) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var p job.ConfirmationPayload
	if err := job.DecodePayload(j.Payload, job.KindConfirmation, &p); err != nil {
		return nil, err
	}
	log := h.log.With("order_id", p.OrderID, "transaction_id", p.TransactionID)

	tx, err := h.store.GetTransaction(ctx, p.TransactionID)
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		return nil, fmt.Errorf("confirmation %s: %w", p.TransactionID, err)
	case err != nil:
		return nil, job.Transient(err)
	}
	if isTerminal(tx.Status) {
		log.Info("transaction already resolved", "status", tx.Status)
		return confirmationResult(tx.GatewayRef, tx.Status)
	}

	payments, err := h.gw.GetPaymentStatus(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) || gateway.IsTransient(err) {
			return nil, job.Transient(fmt.Errorf("payment status: %w", err))
		}
		if sErr := h.store.SetTransactionStatus(ctx, p.TransactionID, store.TxFailed, err.Error()); sErr != nil {
			return nil, job.Transient(sErr)
		}
		return nil, fmt.Errorf("payment status: %w", err)
	}

	status, paymentID := ResolvePayment(payments)
	if status == "" {
		return nil, job.Transient(fmt.Errorf("payment for order %s still pending on gateway", p.OrderID))
	}

	if err := h.store.SetTransactionStatus(ctx, p.TransactionID, status, ""); err != nil {
		return nil, job.Transient(err)
	}
	log.Info("payment confirmed", "status", status, "cf_payment_id", paymentID)

	return confirmationResult(paymentID, status)
}

// ResolvePayment maps the gateway's payment attempts to a local transaction
// status. Any successful attempt wins regardless of later failed retries;
// otherwise the newest attempt decides. An empty status means the payment is
// still in flight and the caller should poll again.
func ResolvePayment(payments []gateway.PaymentStatus) (status, paymentID string) {
	for _, pay := range payments {
		if pay.PaymentStatus == gateway.StatusSuccess {
			return store.TxCompleted, pay.CFPaymentID
		}
	}
	if len(payments) == 0 {
		return "", ""
	}
	newest := payments[0]
	switch newest.PaymentStatus {
	case gateway.StatusFailed:
		return store.TxFailed, newest.CFPaymentID
	case gateway.StatusUserDropped, gateway.StatusCancelled:
		return store.TxCancelled, newest.CFPaymentID
	default:
		return "", ""
	}
}

func isTerminal(status string) bool {
	switch status {
	case store.TxCompleted, store.TxCaptured, store.TxFailed, store.TxCancelled:
		return true
	}
	return false
}

func confirmationResult(paymentID, status string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{
		"cf_payment_id": paymentID,
		"status":        status,
	})
}
