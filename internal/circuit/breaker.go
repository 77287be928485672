// Package circuit provides named three-state circuit breakers.
//
// A [Breaker] protects one upstream dependency: closed forwards calls, open
// rejects them until a reset timeout elapses, half-open admits exactly one
// probe whose outcome decides the next state. A [Registry] keys breakers by
// (scope, name) so models and agents are tracked independently.
//
// All types are safe for concurrent use.
package circuit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker rejects a call
// and no fallback is registered.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state: calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Exactly one call is admitted; success closes the breaker, failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name, matching the reporting surface.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Scope distinguishes what a breaker guards.
type Scope string

const (
	ScopeModel Scope = "model"
	ScopeAgent Scope = "agent"
)

// Config holds tuning knobs shared by all breakers in a [Registry].
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MonitoringPeriod bounds the rolling window used for the success-rate
	// metric. The window never influences state transitions. Default: 60s.
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// Fallback runs in place of a rejected call when registered on a breaker.
type Fallback func() error

type observation struct {
	at      time.Time
	success bool
}

// Breaker implements the three-state circuit breaker pattern for one
// (scope, name) pair.
type Breaker struct {
	scope            Scope
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	monitoringPeriod time.Duration

	mu               sync.Mutex
	state            State
	consecutiveFails int
	nextHalfOpenAt   time.Time
	probeInFlight    bool
	window           []observation
	fallback         Fallback

	// onChange, when set, observes state transitions. Called with the
	// breaker lock held; it must not call back into the breaker.
	onChange func(scope Scope, name string, from, to State)

	nowFunc func() time.Time
}

// New creates a closed breaker for the given scope and name. Zero-value
// config fields are replaced with defaults.
func New(scope Scope, name string, config Config) *Breaker {
	config = config.withDefaults()
	return &Breaker{
		scope:            scope,
		name:             name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		monitoringPeriod: config.MonitoringPeriod,
		state:            StateClosed,
		nowFunc:          time.Now,
	}
}

// SetFallback registers fn to run when the breaker rejects a call. Execute
// then returns fn's result instead of [ErrOpen].
func (b *Breaker) SetFallback(fn Fallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = fn
}

// Execute forwards fn when admission is allowed and records the outcome.
// Rejected calls return [ErrOpen] (or the registered fallback's result)
// without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	admitted, isProbe := b.admit()
	if !admitted {
		b.mu.Lock()
		fb := b.fallback
		b.mu.Unlock()
		if fb != nil {
			return fb()
		}
		return ErrOpen
	}

	err := fn()
	b.observe(err == nil, isProbe)
	return err
}

// admit decides whether a call may proceed. The second result marks the
// caller as the half-open probe.
func (b *Breaker) admit() (admitted, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.nowFunc().Before(b.nextHalfOpenAt) {
			return false, false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true, true

	case StateHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	}

	return true, false
}

// observe records a forwarded call's outcome and drives state transitions.
func (b *Breaker) observe(success, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.window = append(b.window, observation{at: now, success: success})
	b.pruneWindow(now)

	if isProbe {
		b.probeInFlight = false
		if success {
			b.consecutiveFails = 0
			b.transition(StateClosed)
		} else {
			b.nextHalfOpenAt = now.Add(b.resetTimeout)
			b.transition(StateOpen)
		}
		return
	}

	// A call admitted while closed may complete after a transition; its
	// outcome then only feeds the reporting window.
	if b.state != StateClosed {
		return
	}

	if success {
		b.consecutiveFails = 0
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.nextHalfOpenAt = now.Add(b.resetTimeout)
		b.transition(StateOpen)
	}
}

// transition moves to the new state, logging and notifying. Must be called
// with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"scope", string(b.scope),
			"name", b.name,
			"consecutive_failures", b.consecutiveFails,
			"next_half_open_at", b.nextHalfOpenAt)
	case StateHalfOpen:
		slog.Info("circuit breaker transitioning to half-open",
			"scope", string(b.scope),
			"name", b.name)
	case StateClosed:
		slog.Info("circuit breaker closed",
			"scope", string(b.scope),
			"name", b.name)
	}

	if b.onChange != nil {
		b.onChange(b.scope, b.name, from, to)
	}
}

// pruneWindow drops observations older than the monitoring period. Must be
// called with the lock held.
func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.monitoringPeriod)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// State returns the breaker's current state without forcing a transition;
// an elapsed reset timeout still reports open until the next admission.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SuccessRate reports the fraction of successful calls in the monitoring
// window. An empty window reports 1.0.
func (b *Breaker) SuccessRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneWindow(b.nowFunc())
	if len(b.window) == 0 {
		return 1.0
	}

	successes := 0
	for _, o := range b.window {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(b.window))
}

// Reset manually forces the breaker back to closed, clearing all counters
// and the reporting window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.probeInFlight = false
	b.nextHalfOpenAt = time.Time{}
	b.window = nil
	b.transition(StateClosed)
	slog.Info("circuit breaker manually reset",
		"scope", string(b.scope),
		"name", b.name)
}

// Snapshot describes one breaker for the reporting contract.
type Snapshot struct {
	Scope               Scope     `json:"scope"`
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	SuccessRate         float64   `json:"successRate"`
	WindowSize          int       `json:"windowSize"`
	NextHalfOpenAt      time.Time `json:"nextHalfOpenAt,omitzero"`
}

// Snapshot captures the breaker's current reporting state.
func (b *Breaker) Snapshot() Snapshot {
	rate := b.SuccessRate()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Scope:               b.scope,
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFails,
		SuccessRate:         rate,
		WindowSize:          len(b.window),
		NextHalfOpenAt:      b.nextHalfOpenAt,
	}
}
