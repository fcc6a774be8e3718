// Package circuitbreaker implements the per-upstream CLOSED/OPEN/HALF_OPEN
// state machine. One Breaker instance guards one named upstream; a
// Registry owns one Breaker per upstream name.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit's current posture.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue maps a State onto the 0/1/2 convention the
// internal/telemetry CircuitState gauge reports.
func (s State) GaugeValue() float64 {
	return float64(s)
}

var (
	// ErrOpen is returned when a call is rejected because the circuit is OPEN.
	ErrOpen = errors.New("upstream_unavailable: circuit open")
	// ErrHalfOpenSaturated is returned when HALF_OPEN has already admitted
	// its probe quota.
	ErrHalfOpenSaturated = errors.New("upstream_unavailable: half-open probe quota exhausted")
)

// Config tunes one Breaker's thresholds.
type Config struct {
	FailureThreshold int           // default 5
	RecoveryTimeout  time.Duration // default 30s
	HalfOpenMaxCalls int           // default 1
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Breaker is a single named circuit's state machine.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failures        int
	halfOpenInFlight int
	lastFailure     time.Time

	onTransition func(name string, from, to State)
}

// NewBreaker builds a Breaker for a single upstream name.
func NewBreaker(name string, cfg Config, logger *slog.Logger, onTransition func(name string, from, to State)) *Breaker {
	return &Breaker{
		name:         name,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		state:        Closed,
		onTransition: onTransition,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed right now, transitioning
// OPEN -> HALF_OPEN if the recovery timeout has elapsed. Call this before
// attempting an upstream request.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			b.halfOpenInFlight = 1
			return nil
		}
		return ErrOpen
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrHalfOpenSaturated
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.transition(Closed)
	case Closed:
		b.failures = 0
	}
}

// RecordFailure reports a connect-error or timeout outcome. Spec.md §4.2:
// other non-2xx responses are application errors and must not call this.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.halfOpenInFlight = 0

	if b.logger != nil {
		b.logger.Info("circuit breaker transition", "upstream", b.name, "from", from.String(), "to", to.String())
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// Registry owns one Breaker per upstream name, created lazily.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	onTransition func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry applying cfg to every breaker it creates.
// onTransition, if non-nil, fires on every state change of every breaker
// the registry owns — wired to the CircuitState prometheus gauge.
func NewRegistry(cfg Config, logger *slog.Logger, onTransition func(name string, from, to State)) *Registry {
	return &Registry{
		cfg:          cfg,
		logger:       logger,
		onTransition: onTransition,
		breakers:     make(map[string]*Breaker),
	}
}

// Get returns the Breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.logger, r.onTransition)
	r.breakers[name] = b
	return b
}
