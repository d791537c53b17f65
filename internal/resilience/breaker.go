// Package resilience guards the HTTP synthesis providers with circuit
// breakers and ordered failover.
//
// A [Breaker] stops calling a backend after repeated failures and tries it
// again once a cool-down has passed. A [Chain] holds a primary backend and
// its fallbacks, each behind its own breaker. [LLM], [STT] and [TTS] adapt a
// chain to the provider interfaces so the voice pipeline needs no changes.
//
// Caller cancellation never counts as a backend failure.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls until the cool-down has elapsed.
	Open
	// HalfOpen lets a limited number of trial calls through.
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

// Defaults applied by [NewBreaker] to zero config fields.
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
	DefaultTrials      = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines, usually "<kind>/<provider>".
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting trial calls.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close.
	Trials int
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	trials      int
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		trials:      cfg.Trials,
		now:         time.Now,
	}
}

// State reports the current state. An open breaker whose cool-down has
// elapsed still reports Open until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn unless the breaker is open. The outcome of fn feeds the
// failure accounting; context cancellation errors are passed through
// without being counted.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(trial, err)
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.inFlight = 0
		b.successes = 0
		slog.Info("circuit half-open", "name", b.name)
	}
	if b.state == HalfOpen {
		if b.inFlight >= b.trials {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.inFlight--
	}
	if err != nil && isCancel(err) {
		return
	}

	switch {
	case err == nil && b.state == HalfOpen:
		b.successes++
		if b.successes >= b.trials {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit closed", "name", b.name)
		}
	case err == nil:
		b.failures = 0
	case b.state == HalfOpen:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
