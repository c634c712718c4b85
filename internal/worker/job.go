// Package worker provides a goroutine pool that claims and executes jobs
// from the jobs table using FOR UPDATE SKIP LOCKED.
//
// Handlers are registered per queue before calling Pool.Start. Each queue
// gets a fixed number of claim-and-execute goroutines bounded by its
// configured concurrency and rate limit; shared maintenance goroutines
// recover stale claims and purge expired terminal jobs.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
)

// Handler executes one claimed job. The returned document, if any, is stored
// on the job record for operator inspection.
//
// A nil error marks the job completed. A transient error (see job.Transient)
// reschedules the job with exponential backoff until its attempt budget is
// spent, then fails it terminally and escalates. Any other error fails the
// job immediately with no escalation: the handler has already recorded the
// domain outcome (rejected document, failed transaction).
type Handler func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Store is the slice of the persistence layer the pool needs.
type Store interface {
	ClaimJob(ctx context.Context, queue, workerID string) (*job.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RetryJob(ctx context.Context, id string, delay time.Duration, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
	PurgeExpiredJobs(ctx context.Context, queue string, completedBefore, failedBefore time.Time) (int, error)
}

// Escalator is notified when a job exhausts its retries. Escalation is
// best-effort: implementations log their own delivery failures.
type Escalator interface {
	Escalate(ctx context.Context, j *job.Job, cause error)
}

// NopEscalator discards escalations. Used when no operators are configured.
type NopEscalator struct{}

func (NopEscalator) Escalate(context.Context, *job.Job, error) {}
