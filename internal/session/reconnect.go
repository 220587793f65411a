package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	DefaultMaxRetries = 3
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 10 * time.Second
)

// Reconnector owns the recognizer connection of one live session and
// re-establishes it with exponential backoff when the remote drops it.
//
// Callers open the initial connection via [Reconnector.Connect], then call
// [Reconnector.Run] to hand every connection to the OnSession callback in
// turn. [Reconnector.Stop] ends the current connection gracefully and
// prevents further attempts.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider   stt.Provider
	stream     stt.StreamConfig
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onSession  func(context.Context, stt.SessionHandle)
	metrics    *observe.Metrics
	log        *slog.Logger

	mu       sync.Mutex
	handle   stt.SessionHandle
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Provider opens recognizer connections.
	Provider stt.Provider

	// Stream describes the audio sent on every connection.
	Stream stt.StreamConfig

	// MaxRetries is the number of reconnection attempts after a drop. Zero
	// disables reconnection: the first drop ends the session.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 10s if zero.
	MaxBackoff time.Duration

	// OnSession consumes one connection. It must read the handle's events
	// until the channel is closed. Required.
	OnSession func(context.Context, stt.SessionHandle)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Reconnector{
		provider:   cfg.Provider,
		stream:     cfg.Stream,
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    backoff,
		maxBackoff: max(maxBackoff, backoff),
		onSession:  cfg.OnSession,
		metrics:    cfg.Metrics,
		log:        l,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Connect opens the initial recognizer connection. A failure here is not
// retried.
func (r *Reconnector) Connect(ctx context.Context) error {
	h, err := r.provider.StartStream(ctx, r.stream)
	if err != nil {
		return fmt.Errorf("session: recognizer connect: %w", err)
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
	return nil
}

// Run passes the current connection to OnSession and, whenever that returns
// without Stop having been called, reconnects and repeats. It returns when
// stopped, when ctx is cancelled, or when the retries are exhausted. Connect
// must have succeeded first.
func (r *Reconnector) Run(ctx context.Context) {
	defer close(r.done)
	for {
		h := r.Handle()
		if h == nil {
			return
		}
		r.onSession(ctx, h)
		_ = h.Close()
		if r.stopped() || ctx.Err() != nil {
			return
		}
		r.log.Warn("session: recognizer connection lost", "max_retries", r.maxRetries)
		if !r.reconnect(ctx) {
			r.mu.Lock()
			r.handle = nil
			r.mu.Unlock()
			return
		}
	}
}

// SendAudio forwards chunk to the current connection. While a connection
// is being re-established the chunk is discarded and [stt.ErrSessionClosed]
// is returned.
func (r *Reconnector) SendAudio(chunk []byte) error {
	h := r.Handle()
	if h == nil {
		return stt.ErrSessionClosed
	}
	return h.SendAudio(chunk)
}

// Stop halts reconnection and gracefully closes the current connection.
// Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if h := r.Handle(); h != nil {
		_ = h.Close()
	}
}

// Done is closed when Run has returned.
func (r *Reconnector) Done() <-chan struct{} { return r.done }

// Handle returns the current connection. May return nil during
// reconnection or after the retries are exhausted.
func (r *Reconnector) Handle() stt.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// reconnect tries to reconnect with exponential backoff.
func (r *Reconnector) reconnect(ctx context.Context) bool {
	r.mu.Lock()
	r.handle = nil
	r.mu.Unlock()

	currentBackoff := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.stop:
			return false
		case <-time.After(currentBackoff):
		}

		r.log.Info("session: attempting recognizer reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		h, err := r.provider.StartStream(ctx, r.stream)
		r.metrics.RecordReconnect(ctx, err)
		if err == nil {
			r.mu.Lock()
			r.handle = h
			r.mu.Unlock()
			if r.stopped() {
				// Stop raced with the dial; it could not see this handle.
				_ = h.Close()
			}
			r.log.Info("session: recognizer reconnection successful", "attempt", attempt)
			return true
		}

		r.log.Warn("session: recognizer reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	if r.maxRetries > 0 {
		r.log.Error("session: recognizer reconnection failed after max retries", "max_retries", r.maxRetries)
	}
	return false
}
