// Package resilience stops callers from hammering a peer that keeps failing.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// After a run of consecutive failures it opens and rejects calls with
// [ErrCircuitOpen] for a cooldown; the first call after the cooldown is a
// probe whose outcome closes or re-opens the breaker. The breaker never
// retries on its own.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a single probe call through.
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

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 15 * time.Second
)

// Option configures a [Breaker].
type Option func(*Breaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) { b.maxFailures = n }
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// WithIgnore marks errors that pass through without counting as failures.
// Cancellation by the caller is always ignored.
func WithIgnore(fn func(error) bool) Option {
	return func(b *Breaker) { b.ignore = fn }
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	clock       clock.Clock
	log         *slog.Logger
	ignore      func(error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker. name labels log records. Zero or
// negative settings are replaced with the defaults.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{name: name}
	for _, o := range opts {
		o(b)
	}
	if b.maxFailures <= 0 {
		b.maxFailures = DefaultMaxFailures
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Execute runs fn unless the breaker is open. A rejected call returns an
// error wrapping [ErrCircuitOpen] that names the remaining cooldown.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if wait := b.cooldown - b.clock.Since(b.openedAt); wait > 0 {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s, retry in %s", ErrCircuitOpen, b.name, wait.Round(time.Second))
		}
		b.state = StateHalfOpen
		b.log.Info("resilience: probing", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s, probe in flight", ErrCircuitOpen, b.name)
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	probe := b.state == StateHalfOpen
	b.probing = false
	switch {
	case err == nil:
		if b.state != StateClosed {
			b.log.Info("resilience: closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
	case b.ignored(err):
		// An abandoned probe proves nothing; the next call probes again.
	default:
		b.failures++
		if probe || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.clock.Now()
			b.log.Warn("resilience: opened",
				"name", b.name,
				"consecutive_failures", b.failures,
				"cooldown", b.cooldown,
			)
		}
	}
	return err
}

func (b *Breaker) ignored(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return b.ignore != nil && b.ignore(err)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.log.Info("resilience: reset", "name", b.name)
}
