package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Operator is an on-call account notified when a job exhausts its retries.
type Operator struct {
	ID         uuid.UUID
	Name       string
	Email      string
	WebhookURL string
}

// CreateOperator registers an operator account. Used by deployment seeding
// and tests; there is no self-service signup for operators.
func (s *Store) CreateOperator(ctx context.Context, name, email, webhookURL string) (*Operator, error) {
	var op Operator
	op.Name = name
	op.Email = email
	op.WebhookURL = webhookURL
	err := s.pool.QueryRow(ctx, `
		INSERT INTO operators (name, email, webhook_url)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING id`,
		name, email, webhookURL,
	).Scan(&op.ID)
	if err != nil {
		return nil, fmt.Errorf("create operator: %w", err)
	}
	return &op, nil
}

// ListActiveOperators returns all operators that should receive escalations.
func (s *Store) ListActiveOperators(ctx context.Context) ([]Operator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, webhook_url FROM operators WHERE active ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active operators: %w", err)
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var op Operator
		var email, webhook sql.Null[string]
		if err := rows.Scan(&op.ID, &op.Name, &email, &webhook); err != nil {
			return nil, fmt.Errorf("list active operators: scan: %w", err)
		}
		op.Email = email.V
		op.WebhookURL = webhook.V
		out = append(out, op)
	}
	return out, rows.Err()
}
