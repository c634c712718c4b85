package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Document verification statuses.
const (
	DocPending  = "pending"
	DocVerified = "verified"
	DocRejected = "rejected"
)

// ErrDocumentNotFound is returned for unknown document ids.
var ErrDocumentNotFound = errors.New("document not found")

// Document is an uploaded driver document awaiting verification.
type Document struct {
	DocumentID      string
	UserID          string
	DriverID        string
	DocType         string
	StorageKey      string
	Status          string
	RejectionReason string
	ContentType     string
	ContentLength   int64
	VerifiedAt      *time.Time
}

// UpsertDocument inserts a pending document record if none exists for the id.
func (s *Store) UpsertDocument(ctx context.Context, d Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (document_id, user_id, driver_id, doc_type, storage_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO NOTHING`,
		d.DocumentID, d.UserID, d.DriverID, d.DocType, d.StorageKey,
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", d.DocumentID, err)
	}
	return nil
}

// GetDocument returns the document with the given id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	var userID, driverID, reason, contentType sql.Null[string]
	var contentLength sql.Null[int64]
	var verifiedAt sql.Null[time.Time]
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, user_id, driver_id, doc_type, storage_key, status,
		       rejection_reason, content_type, content_length, verified_at
		FROM documents WHERE document_id = $1`,
		id,
	).Scan(&d.DocumentID, &userID, &driverID, &d.DocType, &d.StorageKey, &d.Status,
		&reason, &contentType, &contentLength, &verifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	d.UserID = userID.V
	d.DriverID = driverID.V
	d.RejectionReason = reason.V
	d.ContentType = contentType.V
	d.ContentLength = contentLength.V
	if verifiedAt.Valid {
		d.VerifiedAt = &verifiedAt.V
	}
	return &d, nil
}

// VerifyDocument marks a document verified and records the extracted metadata.
func (s *Store) VerifyDocument(ctx context.Context, id, contentType string, contentLength int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET
		    status           = 'verified',
		    content_type     = $2,
		    content_length   = $3,
		    rejection_reason = NULL,
		    verified_at      = now(),
		    updated_at       = now()
		WHERE document_id = $1`,
		id, contentType, contentLength,
	)
	if err != nil {
		return fmt.Errorf("verify document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("verify document %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}

// RejectDocument marks a document rejected with a human-readable reason.
// An invalid upload is never silently dropped; the reason is what support
// staff read back to the driver.
func (s *Store) RejectDocument(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET
		    status           = 'rejected',
		    rejection_reason = $2,
		    updated_at       = now()
		WHERE document_id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("reject document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reject document %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}
