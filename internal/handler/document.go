// Package handler implements the per-queue job handlers: document
// verification, driver payouts, and payment confirmation.
//
// Handlers own the domain outcome of a job. Permanent failures (a rejected
// document, an invalid beneficiary) are recorded here before the error is
// returned, so the pool only has to decide retry-or-fail.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/objstore"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// maxDocumentBytes is the largest accepted upload. Anything bigger was not
// produced by the mobile client's capture flow.
const maxDocumentBytes = 10 << 20

// allowedContentTypes are the formats the verification team can review.
var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// DocumentStore is the slice of the store the document handler needs.
type DocumentStore interface {
	VerifyDocument(ctx context.Context, id, contentType string, contentLength int64) error
	RejectDocument(ctx context.Context, id, reason string) error
}

// Document validates uploaded driver documents against the object store.
type Document struct {
	store   DocumentStore
	checker objstore.Checker
	log     *slog.Logger
}

func NewDocument(s DocumentStore, c objstore.Checker, log *slog.Logger) *Document {
	if log == nil {
		log = slog.Default()
	}
	return &Document{store: s, checker: c, log: log}
}

// Handle implements worker.Handler for the documents queue.
//
// Object store lookups that fail outright are retryable: the store may be
// briefly unreachable. A missing object, a disallowed content type, or an
// oversized file is a permanent rejection recorded on the document record.
func (h *Document) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var p job.DocumentPayload
	if err := job.DecodePayload(j.Payload, job.KindDocument, &p); err != nil {
		return nil, err
	}
	log := h.log.With("document_id", p.DocumentID, "driver_id", p.DriverID)

	info, err := h.checker.Stat(ctx, p.StorageKey)
	if err != nil {
		return nil, job.Transient(fmt.Errorf("stat document %s: %w", p.StorageKey, err))
	}

	if reason := rejectReason(info); reason != "" {
		if rErr := h.store.RejectDocument(ctx, p.DocumentID, reason); rErr != nil {
			return nil, job.Transient(rErr)
		}
		log.Info("document rejected", "reason", reason)
		return nil, fmt.Errorf("document %s rejected: %s", p.DocumentID, reason)
	}

	if err := h.store.VerifyDocument(ctx, p.DocumentID, info.ContentType, info.ContentLength); err != nil {
		return nil, job.Transient(err)
	}
	log.Info("document verified",
		"content_type", info.ContentType, "bytes", info.ContentLength)

	return json.Marshal(map[string]string{
		"status":       store.DocVerified,
		"content_type": info.ContentType,
	})
}

// rejectReason returns a non-empty rejection reason when the stored object
// fails validation.
func rejectReason(info objstore.Info) string {
	switch {
	case !info.Exists:
		return "document not found in storage"
	case !allowedContentTypes[info.ContentType]:
		return fmt.Sprintf("unsupported content type %q", info.ContentType)
	case info.ContentLength <= 0:
		return "document is empty"
	case info.ContentLength > maxDocumentBytes:
		return fmt.Sprintf("document exceeds %d bytes", maxDocumentBytes)
	}
	return ""
}
