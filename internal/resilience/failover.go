package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned when no member of a [Failover] produced a result.
var ErrExhausted = errors.New("resilience: all providers failed")

type member[T any] struct {
	value   T
	breaker *Breaker
}

// Failover holds providers of one kind in preference order.
type Failover[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewFailover returns a Failover with primary as its preferred member.
func NewFailover[T any](name string, primary T, cfg BreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a member tried after all existing ones. Add must not be called
// concurrently with [Do].
func (f *Failover[T]) Add(name string, v T) {
	f.members = append(f.members, member[T]{value: v, breaker: NewBreaker(name, f.cfg)})
}

// Primary returns the preferred member.
func (f *Failover[T]) Primary() T { return f.members[0].value }

// Len returns the number of members.
func (f *Failover[T]) Len() int { return len(f.members) }

// States returns each member's breaker state, keyed by name.
func (f *Failover[T]) States() map[string]State {
	out := make(map[string]State, len(f.members))
	for _, m := range f.members {
		out[m.breaker.Name()] = m.breaker.State()
	}
	return out
}

// Do calls fn on each member in order until one succeeds. Members with an
// open breaker are skipped. It stops early when ctx is done.
func Do[T, R any](ctx context.Context, f *Failover[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var errs []error
	for _, m := range f.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.breaker.Name(), err))
		if !errors.Is(err, ErrOpen) {
			m.breaker.log.Warn("resilience: provider failed, trying next", "provider", m.breaker.Name(), "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
