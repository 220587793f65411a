package transcript

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// Option configures an [Assembler].
type Option func(*Assembler)

// WithMetrics counts written lines on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// WithLogger sets the logger for write failures and ignored events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// Assembler writes the events of one recognizer connection to a [Log].
//
// Use one Assembler per connection; the end marker is written at most once.
// Handle is not safe for concurrent use.
type Assembler struct {
	out     *Log
	metrics *observe.Metrics
	log     *slog.Logger

	sessionID string
	ended     bool
}

// NewAssembler returns an Assembler appending to out.
func NewAssembler(out *Log, opts ...Option) *Assembler {
	a := &Assembler{out: out, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SessionID returns the identifier from the connection's begin event.
func (a *Assembler) SessionID() string { return a.sessionID }

// Ended reports whether the end marker has been written.
func (a *Assembler) Ended() bool { return a.ended }

// Handle applies one event. It reports whether the event produced a line.
// Drafts, empty turns, unknown messages and repeated end events are ignored.
// A write error means the line was abandoned; later events still apply.
func (a *Assembler) Handle(ctx context.Context, ev stt.Event) (bool, error) {
	switch ev.Kind {
	case stt.EventSessionBegin:
		a.sessionID = ev.SessionID
		a.log.Info("transcript: recognizer session started", "session_id", ev.SessionID, "path", a.out.Path())
		return a.write(ctx, "begin", StartMarker)
	case stt.EventTurn:
		if !ev.Formatted {
			return false, nil
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return false, nil
		}
		return a.write(ctx, "turn", text)
	case stt.EventSessionEnd:
		return a.end(ctx, ev.Err)
	default:
		a.log.Debug("transcript: ignoring unknown recognizer message", "raw", string(ev.Raw))
		return false, nil
	}
}

// Consume handles events until the channel is closed, then writes the end
// marker if the connection did not report its own end. When ctx is cancelled
// first, the end marker is written, the rest of the stream is discarded, and
// ctx.Err() is returned.
func (a *Assembler) Consume(ctx context.Context, events <-chan stt.Event) error {
	for {
		select {
		case <-ctx.Done():
			_, _ = a.end(context.WithoutCancel(ctx), nil)
			go audio.Drain(events)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				_, _ = a.end(ctx, nil)
				return nil
			}
			if _, err := a.Handle(ctx, ev); err != nil {
				a.log.Error("transcript: write failed", "path", a.out.Path(), "session_id", a.sessionID, "err", err)
			}
		}
	}
}

func (a *Assembler) end(ctx context.Context, cause error) (bool, error) {
	if a.ended {
		return false, nil
	}
	a.ended = true
	if cause != nil {
		a.log.Warn("transcript: recognizer connection lost", "session_id", a.sessionID, "err", cause)
	}
	return a.write(ctx, "end", EndMarker)
}

func (a *Assembler) write(ctx context.Context, kind, text string) (bool, error) {
	if err := a.out.Append(text); err != nil {
		return false, err
	}
	a.metrics.RecordTranscriptLine(ctx, kind)
	return true, nil
}
