// Package job defines the unit of queued work, the per-queue policies, and
// the error classification contract between handlers and the worker pool.
//
// Handlers classify their own failures: errors wrapped with [Transient] are
// retried per the queue's backoff schedule, everything else fails the job
// immediately. The worker pool never guesses.
package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job. Transitions form a DAG:
// waiting/delayed -> active -> completed | delayed (retry) | failed (terminal).
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a single unit of queued work. ID is stable across retries; Attempts
// only increases.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LastError   string
	Result      json.RawMessage
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

// ErrNotFound is returned by store lookups for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// RetryableError marks a handler failure as transient. The worker pool
// re-enqueues the job with backoff while attempts remain.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Transient wraps err so the worker pool treats it as retryable.
// Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsTransient reports whether err was classified retryable by a handler.
func IsTransient(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
