// Package breaker implements a process-wide circuit breaker guarding calls
// to a flaky external dependency.
//
// State machine: closed -> (threshold consecutive failures) -> open ->
// (cooldown elapsed) -> half-open, one probe allowed -> closed on success,
// back to open with an extended cooldown on failure.
//
// While open, calls fail fast with [ErrOpen] without reaching the dependency.
// Short-circuited calls are never counted as dependency failures.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's current disposition toward the dependency.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned when a call is short-circuited. Callers must treat it
// as a transient failure of their own operation, not of the dependency.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes a Breaker. Zero values fall back to defaults.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// Cooldown is the open period before a half-open probe is allowed.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown growth applied on failed probes.
	MaxCooldown time.Duration
	// OnStateChange, when set, is invoked synchronously on transitions.
	// It must be fast and must not call back into the breaker.
	OnStateChange func(from, to State)
}

// Breaker is safe for concurrent use. All gateway-call sites share one
// instance per dependency so every caller observes the same state.
type Breaker struct {
	name string

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	probing  bool

	threshold     int
	baseCooldown  time.Duration
	maxCooldown   time.Duration
	onStateChange func(from, to State)

	now func() time.Time // injected in tests
}

// New creates a closed Breaker named after the dependency it guards.
func New(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	return &Breaker{
		name:          name,
		state:         Closed,
		cooldown:      cfg.Cooldown,
		threshold:     cfg.Threshold,
		baseCooldown:  cfg.Cooldown,
		maxCooldown:   cfg.MaxCooldown,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. When open, fn is not invoked and ErrOpen is
// returned immediately. In half-open state a single probe call is admitted;
// concurrent callers are rejected with ErrOpen until the probe resolves.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether the call may proceed, transitioning open -> half_open
// when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(Open, HalfOpen)
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// record applies a call outcome. Only calls that actually reached the
// dependency are recorded; short-circuited calls never get here.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case HalfOpen:
		b.probing = false
		if success {
			b.transition(HalfOpen, Closed)
			b.state = Closed
			b.failures = 0
			b.cooldown = b.baseCooldown
			return
		}
		// Failed probe: reopen with an extended cooldown.
		b.cooldown = min(b.cooldown*2, b.maxCooldown)
		b.transition(HalfOpen, Open)
		b.state = Open
		b.openedAt = b.now()
	case Open:
		// Possible when a closed-state call resolves after the breaker
		// tripped. The outcome is stale; ignore it.
	}
}

// trip moves closed -> open. Caller holds the mutex.
func (b *Breaker) trip() {
	b.transition(Closed, Open)
	b.state = Open
	b.openedAt = b.now()
	b.cooldown = b.baseCooldown
}

// transition fires the state-change callback without holding assumptions
// about what it does; callbacks must not call back into the breaker.
func (b *Breaker) transition(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
