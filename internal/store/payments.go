package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transaction kinds and statuses. Status may temporarily diverge from the
// gateway after a local timeout; reconciliation repairs the drift.
const (
	TxKindPayment = "payment"
	TxKindPayout  = "payout"

	TxPending    = "pending"
	TxAuthorized = "authorized"
	TxCaptured   = "captured"
	TxCompleted  = "completed"
	TxFailed     = "failed"
	TxCancelled  = "cancelled"
)

// ErrTransactionNotFound is returned for unknown transaction ids.
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is a payment or payout record.
type Transaction struct {
	TransactionID string
	OrderID       string
	TripID        string
	DriverID      string
	Kind          string
	Status        string
	Amount        float64
	GatewayRef    string
	LastError     string
	ReconciledAt  *time.Time
	UpdatedAt     time.Time
}

// UpsertTransaction inserts a pending transaction if none exists for the id.
// An existing row is left untouched: enqueue is idempotent per transaction.
// Returns true when the row was created by this call.
func (s *Store) UpsertTransaction(ctx context.Context, t Transaction) (bool, error) {
	status := t.Status
	if status == "" {
		status = TxPending
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (transaction_id, order_id, trip_id, driver_id, kind, status, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id) DO NOTHING`,
		t.TransactionID, t.OrderID, t.TripID, t.DriverID, t.Kind, status, t.Amount,
	)
	if err != nil {
		return false, fmt.Errorf("upsert transaction %s: %w", t.TransactionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTransaction returns the transaction with the given id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	var orderID, tripID, driverID, gatewayRef, lastError sql.Null[string]
	var reconciledAt sql.Null[time.Time]
	err := s.pool.QueryRow(ctx, `
		SELECT transaction_id, order_id, trip_id, driver_id, kind, status,
		       amount, gateway_ref, last_error, reconciled_at, updated_at
		FROM transactions WHERE transaction_id = $1`,
		id,
	).Scan(&t.TransactionID, &orderID, &tripID, &driverID, &t.Kind, &t.Status,
		&t.Amount, &gatewayRef, &lastError, &reconciledAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	t.OrderID = orderID.V
	t.TripID = tripID.V
	t.DriverID = driverID.V
	t.GatewayRef = gatewayRef.V
	t.LastError = lastError.V
	if reconciledAt.Valid {
		t.ReconciledAt = &reconciledAt.V
	}
	return &t, nil
}

// SetTransactionStatus updates a transaction's status and failure detail.
func (s *Store) SetTransactionStatus(ctx context.Context, id, status, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, last_error = NULLIF($3, ''), updated_at = now()
		WHERE transaction_id = $1`,
		id, status, lastError,
	)
	if err != nil {
		return fmt.Errorf("set transaction %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set transaction %s status: %w", id, ErrTransactionNotFound)
	}
	return nil
}

// CompletePayout applies a confirmed gateway success atomically: the
// transaction becomes completed and the driver's ledger moves the amount
// from pending to total. Ledger credit never happens without this confirmed
// success, and a completed transaction never lacks the ledger update.
func (s *Store) CompletePayout(ctx context.Context, transactionID, driverID string, amount float64, gatewayRef string) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transactions SET
			    status      = 'completed',
			    gateway_ref = $2,
			    last_error  = NULL,
			    updated_at  = now()
			WHERE transaction_id = $1 AND status <> 'completed'`,
			transactionID, gatewayRef,
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already completed by an earlier attempt; the ledger moved then.
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO driver_earnings (driver_id, total, pending)
			VALUES ($1, $2, -$2)
			ON CONFLICT (driver_id) DO UPDATE SET
			    total      = driver_earnings.total + $2,
			    pending    = driver_earnings.pending - $2,
			    updated_at = now()`,
			driverID, amount,
		)
		if err != nil {
			return fmt.Errorf("update earnings ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete payout %s: %w", transactionID, err)
	}
	return nil
}

// Earnings is a driver's ledger snapshot.
type Earnings struct {
	Total   float64
	Pending float64
}

// GetEarnings returns the driver's ledger; a missing row is a zero ledger.
func (s *Store) GetEarnings(ctx context.Context, driverID string) (Earnings, error) {
	var e Earnings
	err := s.pool.QueryRow(ctx,
		`SELECT total, pending FROM driver_earnings WHERE driver_id = $1`, driverID,
	).Scan(&e.Total, &e.Pending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Earnings{}, nil
		}
		return Earnings{}, fmt.Errorf("get earnings %s: %w", driverID, err)
	}
	return e, nil
}

// AddPendingEarnings credits a driver's pending balance (called when a trip
// settles, before the payout job runs).
func (s *Store) AddPendingEarnings(ctx context.Context, driverID string, amount float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO driver_earnings (driver_id, pending) VALUES ($1, $2)
		ON CONFLICT (driver_id) DO UPDATE SET
		    pending    = driver_earnings.pending + $2,
		    updated_at = now()`,
		driverID, amount,
	)
	if err != nil {
		return fmt.Errorf("add pending earnings %s: %w", driverID, err)
	}
	return nil
}

// ListUnreconciled returns transactions stuck in an indeterminate status
// (pending/authorized) for longer than grace, not yet reconciled, oldest
// first.
func (s *Store) ListUnreconciled(ctx context.Context, grace time.Duration, limit int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, order_id, trip_id, driver_id, kind, status, amount, updated_at
		FROM transactions
		WHERE status IN ('pending', 'authorized')
		  AND reconciled_at IS NULL
		  AND updated_at < now() - $1
		ORDER BY updated_at
		LIMIT $2`,
		grace, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var orderID, tripID, driverID sql.Null[string]
		if err := rows.Scan(&t.TransactionID, &orderID, &tripID, &driverID,
			&t.Kind, &t.Status, &t.Amount, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list unreconciled: scan: %w", err)
		}
		t.OrderID = orderID.V
		t.TripID = tripID.V
		t.DriverID = driverID.V
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkReconciled persists a reconciliation verdict: the gateway-derived
// status plus a timestamp so the row is not reprocessed on the next pass.
func (s *Store) MarkReconciled(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, reconciled_at = now(), updated_at = now()
		WHERE transaction_id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("mark reconciled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark reconciled %s: %w", id, ErrTransactionNotFound)
	}
	return nil
}

// SettleReconciledPayout resolves a drifted payout that actually succeeded at
// the gateway: transaction completed + reconciled, ledger credited, in one
// database transaction.
func (s *Store) SettleReconciledPayout(ctx context.Context, transactionID, driverID string, amount float64) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transactions SET
			    status        = 'completed',
			    reconciled_at = now(),
			    last_error    = NULL,
			    updated_at    = now()
			WHERE transaction_id = $1 AND status <> 'completed'`,
			transactionID,
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO driver_earnings (driver_id, total, pending)
			VALUES ($1, $2, -$2)
			ON CONFLICT (driver_id) DO UPDATE SET
			    total      = driver_earnings.total + $2,
			    pending    = driver_earnings.pending - $2,
			    updated_at = now()`,
			driverID, amount,
		)
		if err != nil {
			return fmt.Errorf("update earnings ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle reconciled payout %s: %w", transactionID, err)
	}
	return nil
}
