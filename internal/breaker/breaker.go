// Package breaker implements per-backend circuit breakers. Each breaker is a
// three-state machine (closed, open, half_open) whose transitions are pure
// functions of recorded outcomes and time; no network I/O happens here. The
// bank is the sole authority on whether the forwarder may attempt a backend.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit state of one backend.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the circuit is rejecting traffic.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker state machine.
type Config struct {
	// FailureRatio opens the circuit when exceeded within the interval.
	FailureRatio float64
	// MinSamples is the minimum number of outcomes in the interval before
	// the ratio is evaluated.
	MinSamples int
	// Interval is the rolling window over which outcomes are counted.
	Interval time.Duration
	// CoolDown is how long the circuit stays open before permitting probes.
	CoolDown time.Duration
	// HalfOpenProbes is the number of probe requests admitted while
	// half-open; all must succeed to close the circuit.
	HalfOpenProbes int
	// OnStateChange, when set, is invoked on every transition. It runs with
	// the breaker lock held and must not call back into the breaker.
	OnStateChange func(backend string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.6
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
	return c
}

// Breaker protects a single backend.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	name string

	state       State
	windowStart time.Time
	failures    int
	successes   int

	probes         int
	probeSuccesses int

	lastFailure time.Time
	retryAt     time.Time

	now func() time.Time // test hook
}

// New creates a closed breaker for the named backend.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		name:  name,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a request may be attempted. In the half-open state it
// also claims one of the probe slots, so callers must follow every successful
// Allow with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.rotateWindow()
		return nil
	case StateOpen:
		if !b.now().Before(b.retryAt) {
			b.transitionTo(StateHalfOpen)
			b.probes = 1
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return nil
		}
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a successful outcome for an admitted request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.rotateWindow()
		b.successes++
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transitionTo(StateClosed)
		}
	}
	// Late results for an already-open circuit are ignored.
}

// RecordFailure records a failed outcome: a 5xx response, a timeout, a
// connection failure, or a failed health probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.rotateWindow()
		b.failures++
		total := b.failures + b.successes
		if total >= b.cfg.MinSamples {
			ratio := float64(b.failures) / float64(total)
			if ratio > b.cfg.FailureRatio {
				b.transitionTo(StateOpen)
			}
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateOpen:
		// Cool-down keeps running from the transition, not the last failure.
	}
}

// RecordCanceled releases an admitted request that produced no backend
// outcome, such as a client disconnect mid-forward. In the half-open state
// this frees the probe slot claimed by Allow.
func (b *Breaker) RecordCanceled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// rotateWindow resets the closed-state counters once the interval elapses.
// Caller holds the lock.
func (b *Breaker) rotateWindow() {
	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Interval {
		b.windowStart = now
		b.failures = 0
		b.successes = 0
	}
}

// transitionTo moves the machine to a new state. Caller holds the lock.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	b.state = to

	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probes = 0
		b.probeSuccesses = 0
		b.windowStart = b.now()
	case StateOpen:
		b.retryAt = b.now().Add(b.cfg.CoolDown)
		b.probes = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probes = 0
		b.probeSuccesses = 0
	}

	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker for introspection.
type Snapshot struct {
	Backend     string    `json:"backend"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
}

// Snapshot returns the breaker's current counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Backend:     b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		RetryAt:     b.retryAt,
	}
}
