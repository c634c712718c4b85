package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/metrics"
)

// fakeStore is an in-memory Store. Retried jobs become claimable again
// immediately so tests can drive the full retry schedule without waiting.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	delays []time.Duration
}

func newFakeStore(jobs ...*job.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*job.Job)}
	for _, j := range jobs {
		j.Status = job.StatusWaiting
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) ClaimJob(_ context.Context, queue, _ string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Queue == queue && j.Status == job.StatusWaiting {
			j.Status = job.StatusActive
			j.Attempts++
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusActive {
		return job.ErrNotFound
	}
	j.Status = job.StatusCompleted
	j.Result = result
	return nil
}

func (s *fakeStore) RetryJob(_ context.Context, id string, delay time.Duration, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusActive {
		return job.ErrNotFound
	}
	j.Status = job.StatusWaiting
	j.LastError = lastError
	s.delays = append(s.delays, delay)
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusActive {
		return job.ErrNotFound
	}
	j.Status = job.StatusFailed
	j.LastError = lastError
	return nil
}

func (s *fakeStore) RecoverStaleJobs(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (s *fakeStore) PurgeExpiredJobs(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, nil
}

func (s *fakeStore) add(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.Status = job.StatusWaiting
	s.jobs[j.ID] = j
}

func (s *fakeStore) get(id string) job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// ctxCheckStore rejects any write made on an already-done context, as the
// pgx-backed store does.
type ctxCheckStore struct {
	*fakeStore
}

func (s *ctxCheckStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.CompleteJob(ctx, id, result)
}

func (s *ctxCheckStore) RetryJob(ctx context.Context, id string, delay time.Duration, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.RetryJob(ctx, id, delay, lastError)
}

func (s *ctxCheckStore) FailJob(ctx context.Context, id string, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.FailJob(ctx, id, lastError)
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeEscalator) Escalate(_ context.Context, j *job.Job, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, j.ID)
}

func (e *fakeEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testQueue(maxAttempts int) job.QueueConfig {
	return job.QueueConfig{
		Name:        job.QueuePayouts,
		Concurrency: 1,
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		JobTimeout:  time.Second,
	}
}

// runUntil starts the pool and blocks until cond holds or the test times out.
func runUntil(t *testing.T, p *Pool, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestPool_CompletesJob(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 3})
	esc := &fakeEscalator{}
	p := New(fs, esc, Options{
		PollInterval: time.Millisecond,
		Metrics:      metrics.New(prometheus.NewRegistry()),
	})
	p.Register(testQueue(3), func(_ context.Context, j *job.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"reference_id":"ref-1"}`), nil
	})

	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusCompleted })

	got := fs.get("j1")
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if string(got.Result) != `{"reference_id":"ref-1"}` {
		t.Errorf("result = %s", got.Result)
	}
	if esc.count() != 0 {
		t.Errorf("escalations = %d, want 0", esc.count())
	}
}

func TestPool_TransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 5})
	esc := &fakeEscalator{}
	p := New(fs, esc, Options{PollInterval: time.Millisecond})

	var mu sync.Mutex
	calls := 0
	p.Register(testQueue(5), func(_ context.Context, j *job.Job) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, job.Transient(errors.New("gateway timeout"))
		}
		return nil, nil
	})

	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusCompleted })

	got := fs.get("j1")
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if esc.count() != 0 {
		t.Errorf("escalations = %d, want 0", esc.count())
	}
	// Backoff doubles from the base and is recorded per retry.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", fs.delays, want)
	}
	for i := range want {
		if fs.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, fs.delays[i], want[i])
		}
	}
}

func TestPool_ExhaustedRetriesFailAndEscalateOnce(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 5})
	esc := &fakeEscalator{}
	p := New(fs, esc, Options{PollInterval: time.Millisecond})

	var mu sync.Mutex
	calls := 0
	p.Register(testQueue(5), func(_ context.Context, j *job.Job) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, job.Transient(errors.New("gateway down"))
	})

	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusFailed })

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 5 {
		t.Errorf("handler calls = %d, want exactly max attempts", gotCalls)
	}
	got := fs.get("j1")
	if got.LastError == "" {
		t.Error("last_error not recorded")
	}
	if esc.count() != 1 {
		t.Errorf("escalations = %d, want 1", esc.count())
	}
}

func TestPool_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 5})
	esc := &fakeEscalator{}
	p := New(fs, esc, Options{PollInterval: time.Millisecond})

	var mu sync.Mutex
	calls := 0
	p.Register(testQueue(5), func(_ context.Context, j *job.Job) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, errors.New("beneficiary account invalid")
	})

	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusFailed })

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 1 {
		t.Errorf("handler calls = %d, want 1 (no retries for permanent errors)", gotCalls)
	}
	if esc.count() != 0 {
		t.Errorf("escalations = %d, want 0 for permanent failures", esc.count())
	}
}

func TestPool_HandlerTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 2})
	esc := &fakeEscalator{}
	p := New(fs, esc, Options{PollInterval: time.Millisecond})

	cfg := testQueue(2)
	cfg.JobTimeout = 10 * time.Millisecond
	p.Register(cfg, func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusFailed })

	got := fs.get("j1")
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (timeout retried once)", got.Attempts)
	}
	if esc.count() != 1 {
		t.Errorf("escalations = %d, want 1 (exhausted transient timeouts escalate)", esc.count())
	}
}

func TestPool_TimeoutOutcomeRecordedOnLiveContext(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(&job.Job{ID: "j1", Queue: job.QueuePayouts, MaxAttempts: 2})
	esc := &fakeEscalator{}
	p := New(&ctxCheckStore{fakeStore: fs}, esc, Options{PollInterval: time.Millisecond})

	cfg := testQueue(2)
	cfg.JobTimeout = 10 * time.Millisecond
	p.Register(cfg, func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	// The handler context is expired by the time the outcome is written; the
	// write must still land so the job does not sit active forever.
	runUntil(t, p, func() bool { return fs.get("j1").Status == job.StatusFailed })

	got := fs.get("j1")
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if esc.count() != 1 {
		t.Errorf("escalations = %d, want 1", esc.count())
	}
}

func TestPool_IdlePollingKeepsRateTokens(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	p := New(fs, NopEscalator{}, Options{PollInterval: time.Millisecond})

	// One token per ten seconds with burst 1. If empty polls spent tokens,
	// the late job would wait out a full refill and miss the test deadline.
	cfg := testQueue(1)
	cfg.RatePerSecond = 0.1
	cfg.Burst = 1
	p.Register(cfg, func(context.Context, *job.Job) (json.RawMessage, error) {
		return nil, nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		fs.add(&job.Job{ID: "late", Queue: job.QueuePayouts, MaxAttempts: 1})
	}()

	runUntil(t, p, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		j, ok := fs.jobs["late"]
		return ok && j.Status == job.StatusCompleted
	})
}

func TestPool_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	jobs := make([]*job.Job, 8)
	for i := range jobs {
		jobs[i] = &job.Job{ID: string(rune('a' + i)), Queue: job.QueuePayouts, MaxAttempts: 1}
	}
	fs := newFakeStore(jobs...)
	p := New(fs, NopEscalator{}, Options{PollInterval: time.Millisecond})

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	cfg := testQueue(1)
	cfg.Concurrency = 2
	p.Register(cfg, func(_ context.Context, j *job.Job) (json.RawMessage, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})

	runUntil(t, p, func() bool {
		for _, j := range jobs {
			if fs.get(j.ID).Status != job.StatusCompleted {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 2 {
		t.Errorf("max in-flight = %d, want <= 2", maxInFlight)
	}
	if maxInFlight < 2 {
		t.Logf("max in-flight = %d; concurrency never saturated", maxInFlight)
	}
}
