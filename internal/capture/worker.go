package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/audio/opus"
)

// Sink receives decoded 48 kHz mono s16le PCM, in stream order.
type Sink interface {
	Write(ctx context.Context, pcm []byte) error
}

// Decoder decodes one validated payload into PCM.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
	Resets() int
}

// Config configures a [Worker].
type Config struct {
	Validator ValidatorConfig

	// QueueSize bounds the decoded PCM queue in front of the sink. Zero
	// means 64 frames (~1.3 s).
	QueueSize int

	// QueuePolicy decides what happens when the sink falls behind.
	QueuePolicy audio.Policy

	// DecoderResetAfter is passed to [opus.WithResetAfter].
	DecoderResetAfter int
}

// Option is a functional option for [NewWorker].
type Option func(*Worker)

// WithDecoder replaces the Opus decoder. Intended for tests.
func WithDecoder(d Decoder) Option {
	return func(w *Worker) { w.decoder = d }
}

// WithMetrics records classification and decode metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the logger used for decode and sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// Worker runs the validate → decode → sink chain for one speaker stream.
type Worker struct {
	validator *Validator
	decoder   Decoder
	queue     *audio.Queue[[]byte]
	sink      Sink
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewWorker builds a Worker delivering to sink.
func NewWorker(cfg Config, sink Sink, opts ...Option) (*Worker, error) {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	w := &Worker{
		validator: NewValidator(cfg.Validator),
		queue:     audio.NewQueue[[]byte](size, cfg.QueuePolicy),
		sink:      sink,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.decoder == nil {
		dec, err := opus.NewDecoder(opus.WithResetAfter(cfg.DecoderResetAfter), opus.WithLogger(w.log))
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		w.decoder = dec
	}
	return w, nil
}

// Counters returns the validator's classification totals.
func (w *Worker) Counters() Counters { return w.validator.Counters() }

// Dropped returns how many decoded frames the queue discarded.
func (w *Worker) Dropped() int64 { return w.queue.Dropped() }

// Run consumes frames until the channel is closed or ctx is cancelled. When
// frames closes, every decoded frame already queued is written to the sink
// before Run returns. Decode and sink failures are logged and the frame is
// dropped; they never stop the stream.
func (w *Worker) Run(ctx context.Context, frames <-chan []byte) {
	var wg sync.WaitGroup
	wg.Go(func() { w.drain(ctx) })
	defer wg.Wait()
	defer w.queue.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			w.handle(ctx, frame)
		}
	}
}

func (w *Worker) handle(ctx context.Context, frame []byte) {
	payload, class := w.validator.Classify(frame)
	w.metrics.RecordFrame(ctx, class.String())
	if class != Valid {
		return
	}

	resets := w.decoder.Resets()
	pcm, err := w.decoder.Decode(payload)
	if n := w.decoder.Resets() - resets; n > 0 {
		w.metrics.RecordDecoderReset(ctx)
	}
	if err != nil {
		w.metrics.RecordDecodeError(ctx)
		w.log.Warn("capture: dropping undecodable frame", "bytes", len(payload), "err", err)
		return
	}

	dropped := w.queue.Dropped()
	w.queue.Push(ctx, pcm)
	w.metrics.RecordQueueDropped(ctx, "decoder", w.queue.Dropped()-dropped)
}

// drain writes queued frames to the sink. Only the first failure of a run of
// consecutive failures is logged.
func (w *Worker) drain(ctx context.Context) {
	failing := 0
	for pcm := range w.queue.C() {
		if ctx.Err() != nil {
			continue
		}
		err := w.sink.Write(ctx, pcm)
		switch {
		case err != nil && failing == 0:
			w.log.Error("capture: sink write failed", "bytes", len(pcm), "err", err)
			failing++
		case err != nil:
			failing++
		case failing > 0:
			w.log.Info("capture: sink recovered", "failed_writes", failing)
			failing = 0
		}
	}
	if failing > 1 {
		w.log.Warn("capture: sink writes failed until stream end", "failed_writes", failing)
	}
}
