package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/metrics"
)

// Options configures a Pool. Zero values fall back to the defaults below.
type Options struct {
	// PollInterval is how long an idle worker goroutine sleeps between
	// claim attempts.
	PollInterval time.Duration

	// StaleThreshold is the claim age at which an active job is considered
	// abandoned by a crashed worker.
	StaleThreshold time.Duration

	// RetentionInterval is how often expired terminal jobs are purged.
	RetentionInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	defaultPollInterval      = time.Second
	staleCheckInterval       = time.Minute
	defaultStaleThreshold    = 5 * time.Minute
	defaultRetentionInterval = time.Hour
)

type registration struct {
	cfg     job.QueueConfig
	handler Handler
	limiter *rate.Limiter
}

// Pool manages the worker goroutines for a set of queues. One process may run
// a Pool next to the HTTP server or standalone; claims are serialized by the
// database, so any number of pools can share the same queues.
type Pool struct {
	store     Store
	escalator Escalator
	workerID  string
	opts      Options

	mu     sync.Mutex
	queues map[string]*registration
}

// New creates a Pool backed by s. A random workerID distinguishes this
// process in the locked_by column.
func New(s Store, esc Escalator, opts Options) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaultStaleThreshold
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = defaultRetentionInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if esc == nil {
		esc = NopEscalator{}
	}
	return &Pool{
		store:     s,
		escalator: esc,
		workerID:  uuid.New().String(),
		opts:      opts,
		queues:    make(map[string]*registration),
	}
}

// Register associates h with the queue described by cfg. Must be called
// before Start.
func (p *Pool) Register(cfg job.QueueConfig, h Handler) {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[cfg.Name] = &registration{cfg: cfg, handler: h, limiter: limiter}
}

// Start launches cfg.Concurrency goroutines per registered queue plus the
// maintenance goroutines, then blocks until ctx is cancelled. On cancellation
// no new jobs are claimed, in-flight handlers run to completion (bounded by
// their job timeout), and Start returns once every goroutine has exited.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	regs := make([]*registration, 0, len(p.queues))
	for _, r := range p.queues {
		regs = append(regs, r)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range regs {
		n := r.cfg.Concurrency
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(r *registration) {
				defer wg.Done()
				p.runWorker(ctx, r)
			}(r)
		}
		p.opts.Logger.Info("queue workers started",
			"queue", r.cfg.Name, "concurrency", n, "worker_id", p.workerID)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runStaleRecovery(ctx)
	}()
	go func() {
		defer wg.Done()
		p.runRetention(ctx, regs)
	}()

	wg.Wait()
	p.opts.Logger.Info("worker pool stopped", "worker_id", p.workerID)
}

// runWorker claims jobs from one queue until ctx is cancelled. After a job
// finishes it claims again immediately to drain backlog; it only sleeps when
// the queue is empty.
func (p *Pool) runWorker(ctx context.Context, r *registration) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Reserve rather than Wait: only an actual job start may spend a
		// token. An idle queue polling on empty claims must not drain the
		// burst and throttle the next real job behind it.
		var reservation *rate.Reservation
		if r.limiter != nil {
			reservation = r.limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					reservation.Cancel()
					return
				case <-timer.C:
				}
			}
		}

		j, err := p.store.ClaimJob(ctx, r.cfg.Name, p.workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.opts.Logger.Error("claim job", "queue", r.cfg.Name, "error", err)
		}
		if j != nil {
			p.runJob(ctx, r, j)
			continue
		}
		if reservation != nil {
			reservation.Cancel()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob executes one claimed job and records its outcome. The parent ctx is
// detached so a shutdown does not abort a handler mid-flight; the job timeout
// applies to the handler only. Outcome writes run on jobCtx, which carries no
// deadline: a handler killed by its timeout must still have its retry or
// terminal failure recorded, or the job would sit active until stale
// recovery and re-execute past its attempt budget.
func (p *Pool) runJob(ctx context.Context, r *registration, j *job.Job) {
	log := p.opts.Logger.With(
		"queue", r.cfg.Name, "job_id", j.ID, "attempt", j.Attempts)

	jobCtx := context.WithoutCancel(ctx)
	handlerCtx := jobCtx
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(jobCtx, r.cfg.JobTimeout)
		defer cancel()
	}

	if m := p.opts.Metrics; m != nil {
		m.JobsActive.WithLabelValues(r.cfg.Name).Inc()
		defer m.JobsActive.WithLabelValues(r.cfg.Name).Dec()
	}

	start := time.Now()
	result, err := r.handler(handlerCtx, j)
	elapsed := time.Since(start)
	if m := p.opts.Metrics; m != nil {
		m.JobDuration.WithLabelValues(r.cfg.Name).Observe(elapsed.Seconds())
	}

	// A handler killed by its deadline is retryable like any other timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		err = job.Transient(err)
	}

	switch {
	case err == nil:
		if cErr := p.store.CompleteJob(jobCtx, j.ID, result); cErr != nil {
			log.Error("complete job", "error", cErr)
			return
		}
		if m := p.opts.Metrics; m != nil {
			m.JobsCompleted.WithLabelValues(r.cfg.Name).Inc()
		}
		log.Info("job completed", "duration", elapsed)

	case job.IsTransient(err) && j.Attempts < j.MaxAttempts:
		delay := r.cfg.RetryDelay(j.Attempts)
		if rErr := p.store.RetryJob(jobCtx, j.ID, delay, err.Error()); rErr != nil {
			log.Error("retry job", "error", rErr)
			return
		}
		if m := p.opts.Metrics; m != nil {
			m.JobsRetried.WithLabelValues(r.cfg.Name).Inc()
		}
		log.Warn("job attempt failed, retrying",
			"error", err, "retry_in", delay)

	default:
		if fErr := p.store.FailJob(jobCtx, j.ID, err.Error()); fErr != nil {
			log.Error("fail job", "error", fErr)
			return
		}
		if m := p.opts.Metrics; m != nil {
			m.JobsFailed.WithLabelValues(r.cfg.Name).Inc()
		}
		log.Error("job failed terminally", "error", err)
		// Operators only hear about jobs the system gave up on; handlers
		// record permanent rejections themselves.
		if job.IsTransient(err) {
			p.escalator.Escalate(jobCtx, j, err)
		}
	}
}

// runStaleRecovery periodically releases jobs whose claims have gone stale,
// typically after a worker crash. The lost attempt stays counted.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStaleJobs(ctx, p.opts.StaleThreshold)
			if err != nil {
				p.opts.Logger.Error("stale job recovery", "error", err)
				continue
			}
			if n > 0 {
				p.opts.Logger.Warn("reclaimed stale jobs", "count", n)
			}
		}
	}
}

// runRetention periodically deletes terminal jobs past their queue's
// retention window.
func (p *Pool) runRetention(ctx context.Context, regs []*registration) {
	ticker := time.NewTicker(p.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range regs {
				now := time.Now()
				n, err := p.store.PurgeExpiredJobs(ctx, r.cfg.Name,
					now.Add(-r.cfg.CompletedRetention),
					now.Add(-r.cfg.FailedRetention))
				if err != nil {
					p.opts.Logger.Error("retention purge",
						"queue", r.cfg.Name, "error", err)
					continue
				}
				if n > 0 {
					p.opts.Logger.Info("purged expired jobs",
						"queue", r.cfg.Name, "count", n)
				}
			}
		}
	}
}
