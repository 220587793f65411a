// Package app wires all voicescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the transcoding engine,
// the capture stage for the configured mode, the offline drainer and the
// summarizer around a session registry; Run drains any recordings backlog and
// blocks; Shutdown tears everything down in order.
//
// For testing, inject doubles via [Providers] and functional options
// (WithWorkerOptions, WithEngine, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/capture"
	"github.com/MrWong99/voicescribe/internal/config"
	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/internal/offline"
	"github.com/MrWong99/voicescribe/internal/session"
	"github.com/MrWong99/voicescribe/internal/summary"
	"github.com/MrWong99/voicescribe/internal/transcode"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/llm"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Platform    audio.Platform
	Recognizer  stt.Provider
	Transcriber stt.Transcriber
	LLM         llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
	workerOps []capture.Option

	engine     transcode.Engine
	registry   *session.Registry
	drainer    *offline.Drainer
	summarizer *summary.Summarizer

	// summaries tracks in-flight summary writes.
	summaries sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithEngine injects a transcoding engine instead of creating one from config.
func WithEngine(e transcode.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithWorkerOptions appends options to every capture worker.
func WithWorkerOptions(opts ...capture.Option) Option {
	return func(a *App) { a.workerOps = append(a.workerOps, opts...) }
}

// WithClock replaces the wall clock used for session and artifact names.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithCloser registers fn to run during Shutdown, after the registry has
// drained.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if providers == nil || providers.Platform == nil {
		return nil, errors.New("app: a voice platform is required")
	}

	mode, err := session.ParseMode(cfg.Capture.Mode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Transcoding engine ────────────────────────────────────────────
	if a.engine == nil {
		a.engine = a.buildEngine()
	}

	// ── 2. Summarizer ────────────────────────────────────────────────────
	if cfg.Summary.Enabled {
		if providers.LLM == nil {
			return nil, errors.New("app: summary is enabled but no llm is configured")
		}
		a.summarizer = summary.New(providers.LLM,
			summary.WithMaxTokens(cfg.Summary.MaxTokens),
			summary.WithLogger(a.log.With("component", "summary")),
		)
	}

	// ── 3. Offline drainer ───────────────────────────────────────────────
	if mode == session.ModeBatch && cfg.Offline.Enabled {
		if err := a.initDrainer(); err != nil {
			return nil, fmt.Errorf("app: init offline: %w", err)
		}
	}

	// ── 4. Capture stage ─────────────────────────────────────────────────
	stage, err := a.buildCapture(mode)
	if err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 5. Session registry ──────────────────────────────────────────────
	pipeline, err := a.pipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	regCfg := session.Config{
		Mode:          mode,
		Platform:      providers.Platform,
		Capture:       stage,
		Pipeline:      pipeline,
		WorkerOptions: a.workerOps,
		Metrics:       a.metrics,
		Logger:        a.log.With("component", "session"),
		Now:           a.now,
	}
	if a.drainer != nil {
		regCfg.Drainer = a.drainer
	}
	if a.summarizer != nil && mode == session.ModeLive {
		regCfg.OnSessionClosed = func(vs *session.VoiceSession) {
			a.summarizeAsync(context.WithoutCancel(ctx), vs.TranscriptPath)
		}
	}
	a.registry, err = session.NewRegistry(regCfg)
	if err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	a.log.Info("app: initialised",
		"mode", mode,
		"engine", a.engine.Name(),
		"offline", a.drainer != nil,
		"summary", a.summarizer != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// buildEngine creates the configured transcoding engine with metric hooks.
func (a *App) buildEngine() transcode.Engine {
	hooks := transcode.Hooks{
		OnStart: func(inv transcode.Invocation) {
			a.metrics.TranscodeStarted(context.Background(), inv.Engine)
			a.log.Debug("app: transcode started", "engine", inv.Engine, "path", inv.Path, "codec", inv.Target.Codec)
		},
		OnEnd: func(inv transcode.Invocation, d time.Duration) {
			a.metrics.RecordTranscode(context.Background(), inv.Engine, d, nil)
		},
		OnError: func(inv transcode.Invocation, err error) {
			a.metrics.RecordTranscode(context.Background(), inv.Engine, 0, err)
			a.log.Warn("app: transcode failed", "engine", inv.Engine, "path", inv.Path, "err", err)
		},
	}
	if a.cfg.Transcode.Engine == "native" {
		return transcode.NewNative(transcode.WithNativeHooks(hooks))
	}
	opts := []transcode.FFmpegOption{transcode.WithHooks(hooks)}
	if a.cfg.Transcode.Binary != "" {
		opts = append(opts, transcode.WithBinary(a.cfg.Transcode.Binary))
	}
	return transcode.NewFFmpeg(opts...)
}

// pipelineConfig maps the capture section onto the worker configuration.
func (a *App) pipelineConfig() (capture.Config, error) {
	c := a.cfg.Capture
	policy, ok := audio.ParsePolicy(c.QueuePolicy)
	if !ok {
		return capture.Config{}, fmt.Errorf("unknown queue policy %q", c.QueuePolicy)
	}
	pc := capture.Config{
		Validator:   capture.ValidatorConfig{WarmupSkip: c.WarmupSkip, MinBytes: c.MinBytes},
		QueueSize:   c.QueueSize,
		QueuePolicy: policy,
	}
	if c.DecoderResetAfter != nil {
		pc.DecoderResetAfter = *c.DecoderResetAfter
	}
	return pc, nil
}

// buildCapture creates the stage factory for mode.
func (a *App) buildCapture(mode session.Mode) (session.Capture, error) {
	switch mode {
	case session.ModeLive:
		if a.providers.Recognizer == nil {
			return nil, errors.New("live mode requires a recognizer")
		}
		rc := a.cfg.Recognizer
		policy := session.ReconnectPolicy{
			MaxRetries: session.DefaultMaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
		}
		if rc.MaxRetries != nil {
			policy.MaxRetries = *rc.MaxRetries
		}
		return &session.LiveCapture{
			Provider:  a.providers.Recognizer,
			Engine:    a.engine,
			Target:    transcode.Target{SampleRate: rc.SampleRate, Channels: 1, Codec: transcode.CodecPCM},
			Dir:       a.cfg.Transcripts.Dir,
			Reconnect: policy,
			Metrics:   a.metrics,
			Logger:    a.log.With("component", "live"),
		}, nil
	default:
		target, err := a.artifactTarget()
		if err != nil {
			return nil, err
		}
		return &session.BatchCapture{
			Engine:          a.engine,
			Target:          target,
			Dir:             a.cfg.Segment.Dir,
			SegmentDuration: a.cfg.Segment.Duration,
			Metrics:         a.metrics,
			Logger:          a.log.With("component", "batch"),
			Now:             a.now,
		}, nil
	}
}

func (a *App) artifactTarget() (transcode.Target, error) {
	tc := a.cfg.Transcode
	codec, err := transcode.ParseCodec(tc.Codec)
	if err != nil {
		return transcode.Target{}, err
	}
	return transcode.Target{SampleRate: tc.SampleRate, Channels: tc.Channels, Codec: codec, Bitrate: tc.Bitrate}, nil
}

// initDrainer sets up the offline pass over the recordings area.
func (a *App) initDrainer() error {
	if a.providers.Transcriber == nil {
		return errors.New("offline is enabled but no transcriber is configured")
	}
	cfg := offline.Config{
		RecordingsDir:  a.cfg.Segment.Dir,
		TranscriptsDir: a.cfg.Transcripts.Dir,
		Transcriber:    a.providers.Transcriber,
		Concurrency:    a.cfg.Offline.Concurrency,
		Metrics:        a.metrics,
		Logger:         a.log.With("component", "offline"),
	}
	if a.summarizer != nil {
		cfg.OnTranscript = a.summarize
	}
	d, err := offline.New(cfg)
	if err != nil {
		return err
	}
	a.drainer = d
	return nil
}

// summarize writes the summary of the transcript at path, logging failures.
func (a *App) summarize(ctx context.Context, path string) {
	out, err := a.summarizer.Write(ctx, path)
	if err != nil {
		a.log.Error("app: summary failed", "transcript", path, "err", err)
		return
	}
	if out != "" {
		a.log.Info("app: summary written", "transcript", path, "summary", out)
	}
}

func (a *App) summarizeAsync(ctx context.Context, path string) {
	if path == "" {
		return
	}
	a.summaries.Go(func() { a.summarize(ctx, path) })
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry returns the session registry driven by voice presence.
func (a *App) Registry() *session.Registry { return a.registry }

// Engine returns the transcoding engine.
func (a *App) Engine() transcode.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run transcribes any recordings left over from a previous run, then blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.drainer != nil {
		pending, err := a.drainer.Pending()
		if err != nil {
			a.log.Warn("app: listing recordings backlog failed", "err", err)
		}
		if len(pending) > 0 {
			a.log.Info("app: transcribing recordings backlog", "speakers", len(pending))
			if err := a.drainer.Drain(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("app: backlog drain failed", "err", err)
			}
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown empties every guild, waits for pending summaries and runs the
// registered closers. If ctx expires first, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))

		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		done := make(chan struct{})
		go func() {
			a.summaries.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.log.Warn("app: shutdown deadline exceeded waiting for summaries")
			errs = append(errs, ctx.Err())
			return
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}
