package handler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hushryd-glitch/hushryd-jobs/internal/gateway"
	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

func confirmationJob(t *testing.T) *job.Job {
	t.Helper()
	return mustPayload(t, job.KindConfirmation, job.ConfirmationPayload{
		OrderID:       "order-1",
		BookingID:     "booking-1",
		TripID:        "trip-1",
		TransactionID: "txn-1",
		Amount:        499,
	})
}

func pendingPayment() *store.Transaction {
	return &store.Transaction{
		TransactionID: "txn-1",
		OrderID:       "order-1",
		Kind:          store.TxKindPayment,
		Status:        store.TxPending,
		Amount:        499,
	}
}

func TestConfirmation_ConfirmsSuccessfulPayment(t *testing.T) {
	t.Parallel()
	ts := newFakeTxStore(pendingPayment())
	gw := &fakeGateway{payments: []gateway.PaymentStatus{
		{CFPaymentID: "pay-1", PaymentStatus: gateway.StatusSuccess},
	}}
	h := NewConfirmation(ts, gw, nil)

	result, err := h.Handle(context.Background(), confirmationJob(t))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(string(result), "pay-1") {
		t.Errorf("result = %s", result)
	}
	tx, _ := ts.GetTransaction(context.Background(), "txn-1")
	if tx.Status != store.TxCompleted {
		t.Errorf("status = %q, want completed", tx.Status)
	}
}

func TestConfirmation_PendingOnGatewayRetries(t *testing.T) {
	t.Parallel()
	ts := newFakeTxStore(pendingPayment())
	gw := &fakeGateway{payments: []gateway.PaymentStatus{
		{CFPaymentID: "pay-1", PaymentStatus: gateway.StatusPending},
	}}
	h := NewConfirmation(ts, gw, nil)

	_, err := h.Handle(context.Background(), confirmationJob(t))
	if !job.IsTransient(err) {
		t.Errorf("pending payment not transient: %v", err)
	}
	tx, _ := ts.GetTransaction(context.Background(), "txn-1")
	if tx.Status != store.TxPending {
		t.Errorf("status = %q, want unchanged pending", tx.Status)
	}
}

func TestConfirmation_DroppedPaymentCancels(t *testing.T) {
	t.Parallel()
	ts := newFakeTxStore(pendingPayment())
	gw := &fakeGateway{payments: []gateway.PaymentStatus{
		{CFPaymentID: "pay-1", PaymentStatus: gateway.StatusUserDropped},
	}}
	h := NewConfirmation(ts, gw, nil)

	if _, err := h.Handle(context.Background(), confirmationJob(t)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tx, _ := ts.GetTransaction(context.Background(), "txn-1")
	if tx.Status != store.TxCancelled {
		t.Errorf("status = %q, want cancelled", tx.Status)
	}
}

func TestConfirmation_AlreadyResolvedIsIdempotent(t *testing.T) {
	t.Parallel()
	tx := pendingPayment()
	tx.Status = store.TxCompleted
	ts := newFakeTxStore(tx)
	gw := &fakeGateway{paymentErr: &gateway.TransientError{Err: errors.New("unreachable")}}
	h := NewConfirmation(ts, gw, nil)

	// The gateway is never consulted for a resolved transaction, so its
	// configured error must not surface.
	if _, err := h.Handle(context.Background(), confirmationJob(t)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
