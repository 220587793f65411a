// Package resilience provides provider failover for voicescribe.
//
// A [Breaker] is a three-state circuit breaker (closed → open → half-open)
// guarding one provider. A [Failover] orders several providers of the same
// kind, each behind its own breaker, and routes every call to the first one
// that is healthy. [Recognizer], [Transcriber] and [LLM] adapt Failover to
// the provider interfaces.
//
// All types are safe for concurrent use.
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
	// Open rejects calls until the cooldown has elapsed.
	Open
	// HalfOpen lets a single trial call through.
	HalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a trial is allowed.
	// Default: 30s.
	Cooldown time.Duration

	// Now replaces the wall clock.
	Now func() time.Time

	Logger *slog.Logger
}

// Breaker guards one provider. Caller cancellation is not counted as a
// provider failure.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker labelled name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
		log:         cfg.Logger,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [HalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker rejects the call with [ErrOpen].
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
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.log.Info("resilience: probing provider", "provider", b.name)
		fallthrough
	case HalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if trial {
			b.state = Open
		}
		return
	}

	if err == nil {
		if b.state != Closed {
			b.log.Info("resilience: provider recovered", "provider", b.name)
		}
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	if trial || b.failures >= b.maxFailures {
		if b.state != Open {
			b.log.Warn("resilience: provider circuit opened", "provider", b.name, "failures", b.failures, "err", err)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}
