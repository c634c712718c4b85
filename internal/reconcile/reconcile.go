// Package reconcile periodically verifies stale pending transactions against
// the payment gateway and repairs local drift.
//
// Local transaction state can lag reality: a worker may crash between a
// gateway call and the local write, or a payment may resolve on the gateway
// after every confirmation attempt gave up. The reconciler sweeps
// transactions that have sat unresolved past a grace period and adopts
// whatever the gateway reports. The gateway always wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
	"github.com/hushryd-glitch/hushryd-jobs/internal/gateway"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// Store is the slice of the persistence layer the reconciler needs.
type Store interface {
	ListUnreconciled(ctx context.Context, grace time.Duration, limit int) ([]store.Transaction, error)
	MarkReconciled(ctx context.Context, id, status string) error
	SettleReconciledPayout(ctx context.Context, transactionID, driverID string, amount float64) error
}

// Options configures a Reconciler.
type Options struct {
	// Interval between sweeps.
	Interval time.Duration

	// Grace is how long a pending transaction may sit before it is swept.
	// It must comfortably exceed the confirmation queue's first retry delay
	// so reconciliation does not race the normal path.
	Grace time.Duration

	// BatchSize caps transactions examined per sweep.
	BatchSize int

	Logger *slog.Logger
}

// Reconciler sweeps unresolved transactions on a fixed interval.
type Reconciler struct {
	store Store
	gw    gateway.Gateway
	opts  Options
}

func New(s Store, gw gateway.Gateway, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{store: s, gw: gw, opts: opts}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.opts.Logger.Error("reconciliation sweep", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep. A partially applied sweep is fine:
// repaired transactions stay repaired, the rest are picked up next interval.
// When the breaker opens mid-sweep the rest of the batch is abandoned rather
// than burned against an unavailable gateway.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	txs, err := r.store.ListUnreconciled(ctx, r.opts.Grace, r.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list unreconciled: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	var repaired int
	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.reconcileOne(ctx, tx)
		switch {
		case errors.Is(err, breaker.ErrOpen):
			r.opts.Logger.Warn("gateway circuit open, abandoning sweep",
				"examined", repaired, "remaining", len(txs))
			return nil
		case err != nil:
			r.opts.Logger.Error("reconcile transaction",
				"transaction_id", tx.TransactionID, "error", err)
		default:
			repaired++
		}
	}
	r.opts.Logger.Info("reconciliation sweep finished",
		"examined", len(txs), "repaired", repaired)
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, tx store.Transaction) error {
	switch tx.Kind {
	case store.TxKindPayment:
		return r.reconcilePayment(ctx, tx)
	case store.TxKindPayout:
		return r.reconcilePayout(ctx, tx)
	}
	return fmt.Errorf("unknown transaction kind %q", tx.Kind)
}

// reconcilePayment adopts the gateway's reported status for a rider payment.
func (r *Reconciler) reconcilePayment(ctx context.Context, tx store.Transaction) error {
	payments, err := r.gw.GetPaymentStatus(ctx, tx.OrderID)
	if err != nil {
		return err
	}

	status := resolvePayment(payments)
	if status == "" {
		// Still in flight on the gateway side; leave it for a later sweep.
		return nil
	}
	if err := r.store.MarkReconciled(ctx, tx.TransactionID, status); err != nil {
		return err
	}
	r.opts.Logger.Info("payment reconciled",
		"transaction_id", tx.TransactionID, "order_id", tx.OrderID,
		"local_status", tx.Status, "gateway_status", status)
	return nil
}

// reconcilePayout resolves a payout whose worker died between the gateway
// transfer and the local settlement write. A successful transfer settles the
// driver's ledger exactly as the happy path would have.
func (r *Reconciler) reconcilePayout(ctx context.Context, tx store.Transaction) error {
	res, err := r.gw.GetTransferStatus(ctx, tx.TransactionID)
	if err != nil {
		return err
	}

	switch res.Status {
	case gateway.StatusSuccess:
		if err := r.store.SettleReconciledPayout(ctx, tx.TransactionID, tx.DriverID, tx.Amount); err != nil {
			return err
		}
		r.opts.Logger.Info("payout settled by reconciliation",
			"transaction_id", tx.TransactionID, "driver_id", tx.DriverID,
			"amount", tx.Amount)
	case gateway.StatusFailed, gateway.StatusCancelled:
		if err := r.store.MarkReconciled(ctx, tx.TransactionID, store.TxFailed); err != nil {
			return err
		}
		r.opts.Logger.Warn("payout failed on gateway",
			"transaction_id", tx.TransactionID, "gateway_status", res.Status)
	default:
		// Pending or unknown; a later sweep resolves it.
	}
	return nil
}

// resolvePayment maps gateway payment attempts to a local status. Any
// successful attempt wins; otherwise the newest attempt decides. Empty means
// still pending.
func resolvePayment(payments []gateway.PaymentStatus) string {
	for _, p := range payments {
		if p.PaymentStatus == gateway.StatusSuccess {
			return store.TxCompleted
		}
	}
	if len(payments) == 0 {
		return ""
	}
	switch payments[0].PaymentStatus {
	case gateway.StatusFailed:
		return store.TxFailed
	case gateway.StatusUserDropped, gateway.StatusCancelled:
		return store.TxCancelled
	}
	return ""
}
