package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
	"github.com/hushryd-glitch/hushryd-jobs/internal/gateway"
	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// PayoutStore is the slice of the store the payout handler needs.
type PayoutStore interface {
	GetTransaction(ctx context.Context, id string) (*store.Transaction, error)
	SetTransactionStatus(ctx context.Context, id, status, lastError string) error
	CompletePayout(ctx context.Context, transactionID, driverID string, amount float64, gatewayRef string) error
}

// Payout transfers trip earnings to a driver through the payment gateway.
type Payout struct {
	store PayoutStore
	gw    gateway.Gateway
	log   *slog.Logger
}

func NewPayout(s PayoutStore, gw gateway.Gateway, log *slog.Logger) *Payout {
	if log == nil {
		log = slog.Default()
	}
	return &Payout{store: s, gw: gw, log: log}
}

// Handle implements worker.Handler for the payouts queue.
//
// Delivery is at least once, so the handler checks the transaction before
// touching the gateway: a completed transaction means an earlier attempt
// already transferred the funds and this delivery is a duplicate. Each fresh
// attempt uses a new transfer id; the gateway deduplicates per transfer.
func (h *Payout) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var p job.PayoutPayload
	if err := job.DecodePayload(j.Payload, job.KindPayout, &p); err != nil {
		return nil, err
	}
	log := h.log.With("transaction_id", p.TransactionID,
		"driver_id", p.DriverID, "amount", p.Amount)

	tx, err := h.store.GetTransaction(ctx, p.TransactionID)
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		// Enqueue creates the transaction before the job; a missing row
		// means the payload is bogus.
		return nil, fmt.Errorf("payout %s: %w", p.TransactionID, err)
	case err != nil:
		return nil, job.Transient(err)
	}

	if tx.Status == store.TxCompleted {
		log.Info("payout already settled, skipping transfer",
			"gateway_ref", tx.GatewayRef)
		return payoutResult(tx.GatewayRef, tx.Status)
	}

	res, err := h.gw.InitiatePayout(ctx, gateway.PayoutRequest{
		TransferID:    uuid.New().String(),
		BeneficiaryID: p.BeneficiaryID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		Remarks:       "trip earnings " + p.TripID,
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) || gateway.IsTransient(err) {
			return nil, job.Transient(fmt.Errorf("initiate payout: %w", err))
		}
		// The gateway rejected the transfer outright. Record the failure on
		// the transaction; the job fails without retries.
		if sErr := h.store.SetTransactionStatus(ctx, p.TransactionID, store.TxFailed, err.Error()); sErr != nil {
			return nil, job.Transient(sErr)
		}
		return nil, fmt.Errorf("initiate payout: %w", err)
	}

	if err := h.store.CompletePayout(ctx, p.TransactionID, p.DriverID, p.Amount, res.ReferenceID); err != nil {
		return nil, job.Transient(fmt.Errorf("settle payout: %w", err))
	}
	log.Info("payout completed", "gateway_ref", res.ReferenceID)

	return payoutResult(res.ReferenceID, store.TxCompleted)
}

func payoutResult(ref, status string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{
		"reference_id": ref,
		"status":       status,
	})
}
