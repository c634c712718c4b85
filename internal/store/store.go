// Package store provides the data access layer over pgxpool. The jobs table
// is the durable work queue; claims use FOR UPDATE SKIP LOCKED so the claim
// is the sole serialization point across worker processes. Dynamic operator
// queries (failed-job listings, stats) are built with squirrel.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need direct access
// (health checks, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
