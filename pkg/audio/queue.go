package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy selects what a [Queue] does when it is full.
type Policy int

const (
	// PolicyBlock makes Push wait until the consumer frees a slot or the
	// context is cancelled.
	PolicyBlock Policy = iota

	// PolicyDropOldest discards the oldest queued item to make room. Push
	// never blocks.
	PolicyDropOldest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration name to a [Policy]. Unknown names report
// ok=false.
func ParsePolicy(name string) (Policy, bool) {
	switch name {
	case "", "block":
		return PolicyBlock, true
	case "drop-oldest":
		return PolicyDropOldest, true
	}
	return PolicyBlock, false
}

// Queue is a bounded FIFO between two pipeline stages.
//
// A Queue has exactly one producer: Push and Close must not be called
// concurrently with each other. Any number of goroutines may read from C.
type Queue[T any] struct {
	ch      chan T
	policy  Policy
	dropped atomic.Int64

	mu     sync.Mutex // serializes drop-oldest eviction with Close
	closed bool
}

// NewQueue returns a Queue holding at most size items. size < 1 is treated
// as 1.
func NewQueue[T any](size int, policy Policy) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{ch: make(chan T, size), policy: policy}
}

// C returns the receive side of the queue. It is closed by [Queue.Close].
func (q *Queue[T]) C() <-chan T { return q.ch }

// Push enqueues v according to the queue policy. It reports false when v was
// not enqueued (queue closed or ctx cancelled while blocking).
func (q *Queue[T]) Push(ctx context.Context, v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.policy == PolicyDropOldest {
		defer q.mu.Unlock()
		for {
			select {
			case q.ch <- v:
				return true
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}
	q.mu.Unlock()

	select {
	case q.ch <- v:
		return true
	case <-ctx.Done():
		q.dropped.Add(1)
		return false
	}
}

// Dropped returns how many items were discarded by the policy.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close closes the receive channel. Items already queued remain readable.
// Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
