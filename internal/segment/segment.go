// Package segment slices a speaker's PCM stream into fixed-duration windows
// for the batch path.
//
// A [Segmenter] owns an append-only byte buffer. Its [Segmenter.Run] loop
// wakes on every append, cuts exactly one segment's worth of bytes from the
// head whenever enough is buffered and hands it to a [Handler]. Closing the
// segmenter flushes whatever remains as one final short segment.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
)

// ErrClosed is returned by [Segmenter.Write] after [Segmenter.Close].
var ErrClosed = errors.New("segment: segmenter closed")

// DefaultTargetDuration is the default segment length.
const DefaultTargetDuration = 20 * time.Second

// Segment is one window of PCM handed to the [Handler].
type Segment struct {
	SpeakerID string
	// Index increases by one per emitted segment, starting at 0.
	Index int
	// Time is the wall-clock time the segment was cut.
	Time time.Time
	PCM  []byte
	// Final marks the terminal flush, which may be shorter than a full
	// segment.
	Final bool
}

// Name returns the artifact file name "<speaker>-<unixMillis>-chunk<index>.<ext>".
func (s Segment) Name(ext string) string {
	return fmt.Sprintf("%s-%d-chunk%d.%s", s.SpeakerID, s.Time.UnixMilli(), s.Index, ext)
}

// Handler receives segments synchronously, in index order. A returned error
// abandons that segment only.
type Handler func(ctx context.Context, seg Segment) error

// Size returns the number of bytes in a segment of duration d.
func Size(d time.Duration, f audio.Format) int {
	size := int(d.Milliseconds()) * f.BytesPerSecond() / 1000
	frame := 2 * max(f.Channels, 1)
	return size - size%frame
}

// Config configures a [Segmenter].
type Config struct {
	SpeakerID      string
	TargetDuration time.Duration
	Format         audio.Format
}

// Option is a functional option for [New].
type Option func(*Segmenter)

// WithClock overrides the wall clock used to timestamp segments.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// WithMetrics records segment outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.log = l }
}

// Segmenter buffers PCM and emits fixed-size segments.
//
// Write and Close may be called from any goroutine; Run must be called once.
type Segmenter struct {
	speaker string
	size    int
	handler Handler
	now     func() time.Time
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool

	next int // owned by Run
}

// New creates a Segmenter that calls h for every segment.
func New(cfg Config, h Handler, opts ...Option) *Segmenter {
	d := cfg.TargetDuration
	if d <= 0 {
		d = DefaultTargetDuration
	}
	f := cfg.Format
	if f.SampleRate == 0 {
		f = audio.CaptureFormat
	}
	s := &Segmenter{
		speaker: cfg.SpeakerID,
		size:    max(Size(d, f), 2),
		handler: h,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SegmentSize returns the byte length of every non-final segment.
func (s *Segmenter) SegmentSize() int { return s.size }

// Write appends pcm to the buffer. It satisfies the capture sink contract.
func (s *Segmenter) Write(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, pcm...)
	s.cond.Signal()
	return nil
}

// Buffered returns the number of bytes not yet emitted.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close stops accepting data. Run emits the remaining full segments, then
// the rest as a final short segment, and returns. Safe to call more than once.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Run drives the segmentation loop until Close has been called and the
// buffer is flushed, or until ctx is cancelled, in which case buffered bytes
// are left unflushed and ctx.Err() is returned.
func (s *Segmenter) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	for {
		s.mu.Lock()
		for len(s.buf) < s.size && !s.closed && ctx.Err() == nil {
			s.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		if len(s.buf) >= s.size {
			chunk := make([]byte, s.size)
			copy(chunk, s.buf)
			s.buf = append(s.buf[:0], s.buf[s.size:]...)
			s.mu.Unlock()
			s.emit(ctx, chunk, false)
			continue
		}
		rest := s.buf
		s.buf = nil
		s.mu.Unlock()
		if len(rest) > 0 {
			s.emit(ctx, rest, true)
		}
		return nil
	}
}

func (s *Segmenter) emit(ctx context.Context, pcm []byte, final bool) {
	seg := Segment{
		SpeakerID: s.speaker,
		Index:     s.next,
		Time:      s.now(),
		PCM:       pcm,
		Final:     final,
	}
	s.next++
	err := s.handler(ctx, seg)
	s.metrics.RecordSegment(ctx, err)
	if err != nil {
		s.log.Error("segment: handler failed, segment abandoned",
			"speaker_id", s.speaker, "index", seg.Index, "bytes", len(pcm), "err", err)
	}
}
