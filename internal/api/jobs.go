package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// registerJobRoutes wires up job submission and inspection endpoints.
//
//	POST /jobs/documents       — enqueue a document verification
//	POST /jobs/payouts         — enqueue a driver payout
//	POST /jobs/confirmations   — enqueue a payment confirmation
//	GET  /jobs/{job_id}        — job status and result
//	POST /jobs/{job_id}/retry  — re-enqueue a terminally failed job
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-document-job",
		Method:      http.MethodPost,
		Path:        "/jobs/documents",
		Summary:     "Submit a document verification job",
		Tags:        []string{"Jobs"},
	}, submitDocumentHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "submit-payout-job",
		Method:      http.MethodPost,
		Path:        "/jobs/payouts",
		Summary:     "Submit a driver payout job",
		Tags:        []string{"Jobs"},
	}, submitPayoutHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "submit-confirmation-job",
		Method:      http.MethodPost,
		Path:        "/jobs/confirmations",
		Summary:     "Submit a payment confirmation job",
		Tags:        []string{"Jobs"},
	}, submitConfirmationHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job status",
		Tags:        []string{"Jobs"},
	}, getJobHandler(srv))

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Retry a failed job",
		Description: "Re-enqueues a terminally failed job with a fresh attempt budget.",
		Tags:        []string{"Jobs"},
	}, retryJobHandler(srv))
}

// EnqueuedBody is the response for all submission endpoints. Queue position
// and wait estimate come from the live backlog at submission time.
type EnqueuedBody struct {
	JobID                string  `json:"job_id"`
	Queue                string  `json:"queue"`
	Status               string  `json:"status"`
	QueuePosition        int     `json:"queue_position"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
}

// EnqueuedOutput wraps EnqueuedBody for huma.
type EnqueuedOutput struct {
	Status int
	Body   *EnqueuedBody
}

// enqueue persists the job and builds the common response.
func (srv *Server) enqueue(ctx context.Context, queue, kind, jobID string, payload any) (*EnqueuedOutput, error) {
	cfg, ok := srv.queueConfig(queue)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown queue %q", queue))
	}

	raw, err := job.EncodePayload(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	id, err := srv.store.EnqueueJob(ctx, queue, raw, cfg.MaxAttempts, store.EnqueueOptions{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if srv.metrics != nil {
		srv.metrics.JobsEnqueued.WithLabelValues(queue).Inc()
	}

	stats, err := srv.store.GetQueueStats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &EnqueuedOutput{
		Status: http.StatusAccepted,
		Body: &EnqueuedBody{
			JobID:                id,
			Queue:                queue,
			Status:               "queued",
			QueuePosition:        stats.Waiting + stats.Delayed,
			EstimatedWaitMinutes: stats.EstimatedWaitMinutes(),
		},
	}, nil
}

// ── POST /jobs/documents ─────────────────────────────────────────────────────

// SubmitDocumentInput is the request for a document verification job.
type SubmitDocumentInput struct {
	Body struct {
		UserID       string `json:"user_id" required:"true" doc:"Account that uploaded the document"`
		DriverID     string `json:"driver_id" required:"true" doc:"Driver the document belongs to"`
		DocumentID   string `json:"document_id" required:"true" doc:"Unique id of the uploaded document"`
		DocumentType string `json:"document_type" required:"true" doc:"Document category, e.g. driving_license"`
		StorageKey   string `json:"storage_key" required:"true" doc:"Object store key of the uploaded file"`
	}
}

func submitDocumentHandler(srv *Server) func(context.Context, *SubmitDocumentInput) (*EnqueuedOutput, error) {
	return func(ctx context.Context, input *SubmitDocumentInput) (*EnqueuedOutput, error) {
		b := input.Body
		err := srv.store.UpsertDocument(ctx, store.Document{
			DocumentID: b.DocumentID,
			UserID:     b.UserID,
			DriverID:   b.DriverID,
			DocType:    b.DocumentType,
			StorageKey: b.StorageKey,
		})
		if err != nil {
			return nil, fmt.Errorf("record document: %w", err)
		}
		return srv.enqueue(ctx, job.QueueDocuments, job.KindDocument, "doc-"+b.DocumentID,
			job.DocumentPayload{
				UserID:       b.UserID,
				DriverID:     b.DriverID,
				DocumentID:   b.DocumentID,
				DocumentType: b.DocumentType,
				StorageKey:   b.StorageKey,
			})
	}
}

// ── POST /jobs/payouts ───────────────────────────────────────────────────────

// SubmitPayoutInput is the request for a driver payout job.
type SubmitPayoutInput struct {
	Body struct {
		TripID        string  `json:"trip_id" required:"true" doc:"Completed trip being paid out"`
		DriverID      string  `json:"driver_id" required:"true"`
		Amount        float64 `json:"amount" required:"true" minimum:"0.01" doc:"Payout amount in rupees"`
		BeneficiaryID string  `json:"beneficiary_id" required:"true" doc:"Gateway beneficiary receiving the transfer"`
		TransactionID string  `json:"transaction_id" required:"true" doc:"Idempotency key; one payout per transaction"`
	}
}

func submitPayoutHandler(srv *Server) func(context.Context, *SubmitPayoutInput) (*EnqueuedOutput, error) {
	return func(ctx context.Context, input *SubmitPayoutInput) (*EnqueuedOutput, error) {
		b := input.Body
		created, err := srv.store.UpsertTransaction(ctx, store.Transaction{
			TransactionID: b.TransactionID,
			TripID:        b.TripID,
			DriverID:      b.DriverID,
			Kind:          store.TxKindPayout,
			Amount:        b.Amount,
		})
		if err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}
		// The amount shows as pending earnings only on first submission;
		// duplicates must not inflate the ledger.
		if created {
			if err := srv.store.AddPendingEarnings(ctx, b.DriverID, b.Amount); err != nil {
				return nil, fmt.Errorf("record pending earnings: %w", err)
			}
		}
		return srv.enqueue(ctx, job.QueuePayouts, job.KindPayout, "payout-"+b.TransactionID,
			job.PayoutPayload{
				TripID:        b.TripID,
				DriverID:      b.DriverID,
				Amount:        b.Amount,
				BeneficiaryID: b.BeneficiaryID,
				TransactionID: b.TransactionID,
			})
	}
}

// ── POST /jobs/confirmations ─────────────────────────────────────────────────

// SubmitConfirmationInput is the request for a payment confirmation job.
type SubmitConfirmationInput struct {
	Body struct {
		OrderID       string  `json:"order_id" required:"true" doc:"Gateway order to confirm"`
		BookingID     string  `json:"booking_id" required:"true"`
		TripID        string  `json:"trip_id,omitempty"`
		TransactionID string  `json:"transaction_id" required:"true"`
		Amount        float64 `json:"amount" required:"true" minimum:"0.01"`
	}
}

func submitConfirmationHandler(srv *Server) func(context.Context, *SubmitConfirmationInput) (*EnqueuedOutput, error) {
	return func(ctx context.Context, input *SubmitConfirmationInput) (*EnqueuedOutput, error) {
		b := input.Body
		if _, err := srv.store.UpsertTransaction(ctx, store.Transaction{
			TransactionID: b.TransactionID,
			OrderID:       b.OrderID,
			TripID:        b.TripID,
			Kind:          store.TxKindPayment,
			Amount:        b.Amount,
		}); err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}
		return srv.enqueue(ctx, job.QueueConfirmations, job.KindConfirmation, "confirm-"+b.TransactionID,
			job.ConfirmationPayload{
				OrderID:       b.OrderID,
				BookingID:     b.BookingID,
				TripID:        b.TripID,
				TransactionID: b.TransactionID,
				Amount:        b.Amount,
			})
	}
}

// ── GET /jobs/{job_id} ───────────────────────────────────────────────────────

// GetJobInput identifies a job.
type GetJobInput struct {
	JobID string `path:"job_id" doc:"Job id returned at submission"`
}

// JobBody is the API representation of a job record.
type JobBody struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

// GetJobOutput wraps JobBody.
type GetJobOutput struct {
	Body *JobBody
}

func getJobHandler(srv *Server) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		j, err := srv.store.GetJob(ctx, input.JobID)
		if errors.Is(err, job.ErrNotFound) {
			return nil, huma.Error404NotFound("job not found")
		}
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		return &GetJobOutput{Body: jobToBody(j)}, nil
	}
}

func jobToBody(j *job.Job) *JobBody {
	body := &JobBody{
		JobID:       j.ID,
		Queue:       j.Queue,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.FinishedAt != nil {
		body.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	return body
}

// ── POST /jobs/{job_id}/retry ────────────────────────────────────────────────

// RetryJobInput identifies a failed job to re-enqueue.
type RetryJobInput struct {
	JobID string `path:"job_id"`
}

// RetryJobOutput acknowledges the retry.
type RetryJobOutput struct {
	Body struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
}

func retryJobHandler(srv *Server) func(context.Context, *RetryJobInput) (*RetryJobOutput, error) {
	return func(ctx context.Context, input *RetryJobInput) (*RetryJobOutput, error) {
		err := srv.store.RetryFailedJob(ctx, input.JobID)
		if errors.Is(err, job.ErrNotFound) {
			return nil, huma.Error404NotFound("no failed job with that id")
		}
		if err != nil {
			return nil, fmt.Errorf("retry job: %w", err)
		}
		srv.log.Info("failed job re-enqueued by operator", "job_id", input.JobID)
		out := &RetryJobOutput{}
		out.Body.JobID = input.JobID
		out.Body.Status = "queued"
		return out, nil
	}
}
