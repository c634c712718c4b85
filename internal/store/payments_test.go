package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
	"github.com/hushryd-glitch/hushryd-jobs/internal/testutil"
)

func seedTransaction(t *testing.T, s *store.Store, ctx context.Context, id, kind, status string) {
	t.Helper()
	_, err := s.UpsertTransaction(ctx, store.Transaction{
		TransactionID: id,
		OrderID:       "order-" + id,
		TripID:        "trip-" + id,
		DriverID:      "driver-1",
		Kind:          kind,
		Status:        status,
		Amount:        250.50,
	})
	if err != nil {
		t.Fatalf("UpsertTransaction: %v", err)
	}
}

func TestCompletePayout_UpdatesLedgerAtomically(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTransaction(t, s, ctx, "txn-1", store.TxKindPayout, store.TxPending)
	if err := s.AddPendingEarnings(ctx, "driver-1", 250.50); err != nil {
		t.Fatalf("AddPendingEarnings: %v", err)
	}

	if err := s.CompletePayout(ctx, "txn-1", "driver-1", 250.50, "gw-ref-1"); err != nil {
		t.Fatalf("CompletePayout: %v", err)
	}

	tx, err := s.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != store.TxCompleted {
		t.Errorf("status = %q, want completed", tx.Status)
	}
	if tx.GatewayRef != "gw-ref-1" {
		t.Errorf("gateway_ref = %q", tx.GatewayRef)
	}

	e, err := s.GetEarnings(ctx, "driver-1")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if e.Total != 250.50 {
		t.Errorf("total = %v, want 250.50", e.Total)
	}
	if e.Pending != 0 {
		t.Errorf("pending = %v, want 0", e.Pending)
	}
}

func TestCompletePayout_Idempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTransaction(t, s, ctx, "txn-1", store.TxKindPayout, store.TxPending)

	if err := s.CompletePayout(ctx, "txn-1", "driver-1", 250.50, "gw-ref-1"); err != nil {
		t.Fatalf("first CompletePayout: %v", err)
	}
	// A duplicate delivery of the same job must not credit the driver twice.
	if err := s.CompletePayout(ctx, "txn-1", "driver-1", 250.50, "gw-ref-2"); err != nil {
		t.Fatalf("second CompletePayout: %v", err)
	}

	e, err := s.GetEarnings(ctx, "driver-1")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if e.Total != 250.50 {
		t.Errorf("total = %v, want 250.50 after duplicate completion", e.Total)
	}
	tx, err := s.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.GatewayRef != "gw-ref-1" {
		t.Errorf("gateway_ref = %q, want first reference kept", tx.GatewayRef)
	}
}

func TestUpsertTransaction_KeepsExisting(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTransaction(t, s, ctx, "txn-1", store.TxKindPayment, store.TxAuthorized)
	// Re-inserting the same id must not clobber the current status.
	created, err := s.UpsertTransaction(ctx, store.Transaction{
		TransactionID: "txn-1",
		Kind:          store.TxKindPayment,
		Status:        store.TxPending,
		Amount:        1,
	})
	if err != nil {
		t.Fatalf("UpsertTransaction: %v", err)
	}
	if created {
		t.Error("created = true for duplicate transaction id")
	}

	tx, err := s.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != store.TxAuthorized {
		t.Errorf("status = %q, want authorized preserved", tx.Status)
	}
	if tx.Amount != 250.50 {
		t.Errorf("amount = %v, want original kept", tx.Amount)
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	_, err := s.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, store.ErrTransactionNotFound) {
		t.Errorf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestListUnreconciled_GracePeriod(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTransaction(t, s, ctx, "txn-old", store.TxKindPayment, store.TxPending)
	seedTransaction(t, s, ctx, "txn-new", store.TxKindPayment, store.TxPending)
	seedTransaction(t, s, ctx, "txn-done", store.TxKindPayment, store.TxCompleted)

	// Age one pending transaction past the grace window.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE transactions SET updated_at = now() - interval '10 minutes'
		 WHERE transaction_id = 'txn-old'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	got, err := s.ListUnreconciled(ctx, 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("ListUnreconciled: %v", err)
	}
	if len(got) != 1 || got[0].TransactionID != "txn-old" {
		t.Fatalf("unreconciled = %+v, want only txn-old", got)
	}

	if err := s.MarkReconciled(ctx, "txn-old", store.TxCompleted); err != nil {
		t.Fatalf("MarkReconciled: %v", err)
	}
	got, err = s.ListUnreconciled(ctx, 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("ListUnreconciled after mark: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unreconciled after mark = %+v, want none", got)
	}
}

func TestSettleReconciledPayout(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTransaction(t, s, ctx, "txn-1", store.TxKindPayout, store.TxPending)

	if err := s.SettleReconciledPayout(ctx, "txn-1", "driver-1", 250.50); err != nil {
		t.Fatalf("SettleReconciledPayout: %v", err)
	}

	tx, err := s.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != store.TxCompleted {
		t.Errorf("status = %q, want completed", tx.Status)
	}
	if tx.ReconciledAt == nil {
		t.Error("reconciled_at not set")
	}
	e, err := s.GetEarnings(ctx, "driver-1")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if e.Total != 250.50 {
		t.Errorf("total = %v, want 250.50", e.Total)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	err := s.UpsertDocument(ctx, store.Document{
		DocumentID:   "doc-1",
		UserID:       "user-1",
		DriverID:     "driver-1",
		DocType:      "driving_license",
		StorageKey:   "uploads/doc-1.jpg",
	})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	if err := s.VerifyDocument(ctx, "doc-1", "image/jpeg", 204800); err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	d, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d.Status != store.DocVerified {
		t.Errorf("status = %q, want verified", d.Status)
	}
	if d.ContentType != "image/jpeg" || d.ContentLength != 204800 {
		t.Errorf("metadata = %q/%d", d.ContentType, d.ContentLength)
	}

	if err := s.RejectDocument(ctx, "doc-1", "unsupported content type"); err != nil {
		t.Fatalf("RejectDocument: %v", err)
	}
	d, err = s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d.Status != store.DocRejected {
		t.Errorf("status = %q, want rejected", d.Status)
	}
	if d.RejectionReason != "unsupported content type" {
		t.Errorf("rejection_reason = %q", d.RejectionReason)
	}
}

func TestOperators(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	op, err := s.CreateOperator(ctx, "Ops Team", "ops@hushryd.com", "https://hooks.hushryd.com/jobs")
	if err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}
	if op.ID.String() == "" {
		t.Error("operator id not assigned")
	}
	if _, err := s.CreateOperator(ctx, "Finance", "finance@hushryd.com", ""); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	ops, err := s.ListActiveOperators(ctx)
	if err != nil {
		t.Fatalf("ListActiveOperators: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("operators = %d, want 2", len(ops))
	}
}
