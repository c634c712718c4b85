// Package escalate notifies operators when a job exhausts its retries.
//
// Escalation is the end of the line for a job: the system has given up and a
// human has to look. Delivery is best-effort over email and webhooks; a
// notification failure is logged, never propagated, so it cannot affect the
// job's terminal state.
package escalate

import (
	"context"
	"encoding/json"
	"fmt"
	htmltpl "html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
)

// Store is the slice of the persistence layer the escalator needs.
type Store interface {
	ListActiveOperators(ctx context.Context) ([]store.Operator, error)
	SetTransactionStatus(ctx context.Context, id, status, lastError string) error
}

// Escalator implements worker.Escalator over email and operator webhooks.
type Escalator struct {
	store         Store
	smtp          SMTPConfig
	webhookClient *http.Client
	webhookSecret string
	log           *slog.Logger
}

// New creates an Escalator. client is the SSRF-safe webhook client from
// BuildSafeClient; smtp may be zero-valued to disable email.
func New(s Store, smtp SMTPConfig, client *http.Client, webhookSecret string, log *slog.Logger) *Escalator {
	if log == nil {
		log = slog.Default()
	}
	return &Escalator{
		store:         s,
		smtp:          smtp,
		webhookClient: client,
		webhookSecret: webhookSecret,
		log:           log,
	}
}

// event is the webhook body and the source of the email fields.
type event struct {
	Event         string    `json:"event"`
	JobID         string    `json:"job_id"`
	Queue         string    `json:"queue"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
	TripID        string    `json:"trip_id,omitempty"`
	DriverID      string    `json:"driver_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	DocumentID    string    `json:"document_id,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
}

// Escalate records the domain consequence of the exhausted job and notifies
// every active operator.
func (e *Escalator) Escalate(ctx context.Context, j *job.Job, cause error) {
	ev := e.buildEvent(j, cause)
	log := e.log.With("job_id", j.ID, "queue", j.Queue)

	// A payout that ran out of retries leaves its transaction dangling in
	// pending; mark it failed so reconciliation and operators see the truth.
	if ev.TransactionID != "" && j.Queue == job.QueuePayouts {
		if err := e.store.SetTransactionStatus(ctx, ev.TransactionID, store.TxFailed, cause.Error()); err != nil {
			log.Error("mark transaction failed", "transaction_id", ev.TransactionID, "error", err)
		}
	}

	operators, err := e.store.ListActiveOperators(ctx)
	if err != nil {
		log.Error("list operators", "error", err)
		return
	}
	if len(operators) == 0 {
		log.Warn("job escalated but no active operators configured")
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Error("encode escalation event", "error", err)
		return
	}

	var emails []string
	for _, op := range operators {
		if op.Email != "" {
			emails = append(emails, op.Email)
		}
		if op.WebhookURL == "" {
			continue
		}
		if err := sendWebhook(ctx, e.webhookClient, op.WebhookURL, e.webhookSecret, body); err != nil {
			log.Error("escalation webhook", "operator", op.Name, "error", err)
		}
	}

	if len(emails) > 0 && e.smtp.Host != "" {
		subject := fmt.Sprintf("[hushryd-jobs] %s job %s failed after %d attempts", j.Queue, j.ID, ev.Attempts)
		text, html := renderEmail(ev)
		if err := sendEmail(ctx, e.smtp, emails, subject, html, text); err != nil {
			log.Error("escalation email", "error", err)
		}
	}

	log.Info("job escalated", "operators", len(operators), "attempts", ev.Attempts)
}

func (e *Escalator) buildEvent(j *job.Job, cause error) event {
	ev := event{
		Event:    "job.failed",
		JobID:    j.ID,
		Queue:    j.Queue,
		Attempts: j.Attempts,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}

	kind, err := job.PayloadKind(j.Payload)
	if err != nil {
		return ev
	}
	switch kind {
	case job.KindDocument:
		var p job.DocumentPayload
		if job.DecodePayload(j.Payload, kind, &p) == nil {
			ev.DriverID = p.DriverID
			ev.DocumentID = p.DocumentID
		}
	case job.KindPayout:
		var p job.PayoutPayload
		if job.DecodePayload(j.Payload, kind, &p) == nil {
			ev.TripID = p.TripID
			ev.DriverID = p.DriverID
			ev.TransactionID = p.TransactionID
			ev.Amount = p.Amount
		}
	case job.KindConfirmation:
		var p job.ConfirmationPayload
		if job.DecodePayload(j.Payload, kind, &p) == nil {
			ev.TripID = p.TripID
			ev.OrderID = p.OrderID
			ev.TransactionID = p.TransactionID
			ev.Amount = p.Amount
		}
	}
	return ev
}

// renderEmail produces the plaintext and HTML bodies for the escalation mail.
func renderEmail(ev event) (text, html string) {
	text = fmt.Sprintf(
		"Job %s on queue %q failed permanently after %d attempts.\n\nError: %s\n",
		ev.JobID, ev.Queue, ev.Attempts, ev.Error)
	if ev.TransactionID != "" {
		text += fmt.Sprintf("Transaction: %s\n", ev.TransactionID)
	}
	if ev.DriverID != "" {
		text += fmt.Sprintf("Driver: %s\n", ev.DriverID)
	}
	if ev.Amount > 0 {
		text += fmt.Sprintf("Amount: %.2f\n", ev.Amount)
	}

	html = fmt.Sprintf(
		"<p>Job <code>%s</code> on queue <b>%s</b> failed permanently after %d attempts.</p><p>Error: %s</p>",
		htmltpl.HTMLEscapeString(ev.JobID), htmltpl.HTMLEscapeString(ev.Queue),
		ev.Attempts, htmltpl.HTMLEscapeString(ev.Error))
	return text, html
}
