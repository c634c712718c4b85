package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
)

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	// JobID, when set, keys the enqueue idempotently on a business id
	// (e.g. one payout job per transaction). A second enqueue with the same
	// id is a no-op returning the existing job id.
	JobID string
	// Delay schedules the job in the future.
	Delay time.Duration
	// MaxAttempts overrides the queue's retry ceiling when > 0.
	MaxAttempts int
}

// EnqueueJob inserts a job into the named queue and returns its id.
// defaultMaxAttempts is the queue policy ceiling, overridable per job.
func (s *Store) EnqueueJob(ctx context.Context, queue string, payload json.RawMessage, defaultMaxAttempts int, opts EnqueueOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := defaultMaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, status, max_attempts, next_run_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6)
		ON CONFLICT (id) DO NOTHING`,
		id, queue, payload, statusFor(opts.Delay), maxAttempts, opts.Delay,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

func statusFor(delay time.Duration) job.Status {
	if delay > 0 {
		return job.StatusDelayed
	}
	return job.StatusWaiting
}

// claimSQL atomically claims the oldest ready job in a queue. The inner
// SELECT ... FOR UPDATE SKIP LOCKED guarantees two concurrent callers never
// receive the same row. Paused queues hand out no claims.
const claimSQL = `
UPDATE jobs SET
    status     = 'active',
    attempts   = attempts + 1,
    locked_by  = $2,
    locked_at  = now(),
    updated_at = now()
WHERE id = (
    SELECT j.id FROM jobs j
    WHERE j.queue = $1
      AND j.status IN ('waiting', 'delayed')
      AND j.next_run_at <= now()
      AND NOT EXISTS (
          SELECT 1 FROM queue_state qs WHERE qs.queue = j.queue AND qs.paused
      )
    ORDER BY j.next_run_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, queue, payload, attempts, max_attempts, next_run_at, created_at`

// ClaimJob atomically claims one ready job from the named queue for workerID,
// incrementing its attempt count. Returns (nil, nil) when no job is ready.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string) (*job.Job, error) {
	var j job.Job
	err := s.pool.QueryRow(ctx, claimSQL, queue, workerID).Scan(
		&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	j.Status = job.StatusActive
	return &j, nil
}

// CompleteJob marks a job as succeeded, storing the handler result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status      = 'completed',
		    result      = $2,
		    locked_by   = NULL,
		    locked_at   = NULL,
		    finished_at = now(),
		    updated_at  = now()
		WHERE id = $1 AND status = 'active'`,
		id, result,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

// RetryJob re-enqueues an active job with a backoff delay. The attempt count
// already advanced at claim time.
func (s *Store) RetryJob(ctx context.Context, id string, delay time.Duration, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status      = 'delayed',
		    next_run_at = now() + $2,
		    last_error  = $3,
		    locked_by   = NULL,
		    locked_at   = NULL,
		    updated_at  = now()
		WHERE id = $1 AND status = 'active'`,
		id, delay, lastError,
	)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

// FailJob marks a job terminally failed. The row is retained per the queue's
// failed-job retention policy for audit.
func (s *Store) FailJob(ctx context.Context, id string, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status      = 'failed',
		    last_error  = $2,
		    locked_by   = NULL,
		    locked_at   = NULL,
		    finished_at = now(),
		    updated_at  = now()
		WHERE id = $1 AND status = 'active'`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	var lastError, result sql.Null[string]
	var finishedAt sql.Null[time.Time]
	err := s.pool.QueryRow(ctx, `
		SELECT id, queue, payload, status, attempts, max_attempts,
		       next_run_at, last_error, result::text, created_at, finished_at
		FROM jobs WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.Queue, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.NextRunAt, &lastError, &result, &j.CreatedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j.LastError = lastError.V
	if result.Valid {
		j.Result = json.RawMessage(result.V)
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.V
	}
	return &j, nil
}

// ListFailedJobs returns terminally failed jobs for a queue, newest first,
// optionally bounded to a finish-time range.
func (s *Store) ListFailedJobs(ctx context.Context, queue string, start, end time.Time, limit int) ([]job.Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select("id", "queue", "payload", "attempts", "max_attempts", "last_error", "created_at", "finished_at").
		From("jobs").
		Where(sq.Eq{"queue": queue, "status": "failed"}).
		OrderBy("finished_at DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit validated by caller
	if !start.IsZero() {
		sb = sb.Where(sq.GtOrEq{"finished_at": start})
	}
	if !end.IsZero() {
		sb = sb.Where(sq.LtOrEq{"finished_at": end})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var j job.Job
		var lastError sql.Null[string]
		var finishedAt sql.Null[time.Time]
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts,
			&lastError, &j.CreatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("list failed jobs: scan: %w", err)
		}
		j.Status = job.StatusFailed
		j.LastError = lastError.V
		if finishedAt.Valid {
			j.FinishedAt = &finishedAt.V
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RetryFailedJob re-enqueues a terminally failed job (operator action).
// The attempt count restarts so the job gets a full retry schedule.
func (s *Store) RetryFailedJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status      = 'waiting',
		    attempts    = 0,
		    next_run_at = now(),
		    finished_at = NULL,
		    updated_at  = now()
		WHERE id = $1 AND status = 'failed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("retry failed job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry failed job %s: not failed or %w", id, job.ErrNotFound)
	}
	return nil
}

// QueueStats is the operator-facing snapshot of one queue.
type QueueStats struct {
	Waiting   int
	Active    int
	Delayed   int
	Completed int
	Failed    int
	Paused    bool
	// ProcessingRate is jobs completed per minute over the last 5 minutes.
	ProcessingRate float64
}

// EstimatedWaitMinutes estimates how long a newly enqueued job waits before
// a worker picks it up, from backlog depth and recent throughput.
func (st QueueStats) EstimatedWaitMinutes() float64 {
	backlog := float64(st.Waiting + st.Delayed)
	if backlog == 0 {
		return 0
	}
	if st.ProcessingRate <= 0 {
		return backlog // assume one job per minute when there is no signal
	}
	return backlog / st.ProcessingRate
}

// GetQueueStats returns per-status counts, pause state, and throughput for a
// queue.
func (s *Store) GetQueueStats(ctx context.Context, queue string) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
		    count(*) FILTER (WHERE status = 'waiting'),
		    count(*) FILTER (WHERE status = 'active'),
		    count(*) FILTER (WHERE status = 'delayed'),
		    count(*) FILTER (WHERE status = 'completed'),
		    count(*) FILTER (WHERE status = 'failed'),
		    count(*) FILTER (WHERE status = 'completed'
		        AND finished_at > now() - interval '5 minutes') / 5.0
		FROM jobs WHERE queue = $1`,
		queue,
	).Scan(&st.Waiting, &st.Active, &st.Delayed, &st.Completed, &st.Failed, &st.ProcessingRate)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats %s: %w", queue, err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT paused FROM queue_state WHERE queue = $1`, queue,
	).Scan(&st.Paused)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return QueueStats{}, fmt.Errorf("queue state %s: %w", queue, err)
	}
	return st, nil
}

// PauseQueue stops the queue from handing out claims. In-flight jobs run to
// completion.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	return s.setPaused(ctx, queue, true)
}

// ResumeQueue re-enables claims for the queue.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	return s.setPaused(ctx, queue, false)
}

func (s *Store) setPaused(ctx context.Context, queue string, paused bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_state (queue, paused) VALUES ($1, $2)
		ON CONFLICT (queue) DO UPDATE SET paused = $2, updated_at = now()`,
		queue, paused,
	)
	if err != nil {
		return fmt.Errorf("set queue %s paused=%v: %w", queue, paused, err)
	}
	return nil
}

// RecoverStaleJobs resets jobs stuck in 'active' longer than staleAfter back
// to 'waiting' so a healthy worker can reclaim them (the previous claimant
// crashed or lost its database connection). Returns the number recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
		    status     = 'waiting',
		    locked_by  = NULL,
		    locked_at  = NULL,
		    updated_at = now()
		WHERE status = 'active' AND locked_at < now() - $1`,
		staleAfter,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpiredJobs deletes terminal jobs past their retention window:
// completed jobs older than completedBefore, failed jobs older than
// failedBefore. Returns the number purged.
func (s *Store) PurgeExpiredJobs(ctx context.Context, queue string, completedBefore, failedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE queue = $1 AND (
		    (status = 'completed' AND finished_at < $2) OR
		    (status = 'failed'    AND finished_at < $3)
		)`,
		queue, completedBefore, failedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("purge jobs %s: %w", queue, err)
	}
	return int(tag.RowsAffected()), nil
}
