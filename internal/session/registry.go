package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/capture"
	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ErrNoConnection is returned when an operation needs a guild connection
// that does not exist.
var ErrNoConnection = errors.New("session: no voice connection for guild")

// Drainer runs the offline pass over the recordings area.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Config configures a [Registry].
type Config struct {
	Mode     Mode
	Platform audio.Platform
	Capture  Capture

	// Drainer, if set, runs after a batch-mode guild teardown has flushed
	// every session.
	Drainer Drainer

	// Pipeline configures each session's validate → decode worker.
	Pipeline capture.Config

	// WorkerOptions are appended to the options of every worker.
	WorkerOptions []capture.Option

	// OnSessionClosed, if set, is called on the session's goroutine once it
	// reaches Closed.
	OnSessionClosed func(*VoiceSession)

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Now replaces the wall clock. Defaults to time.Now.
	Now func() time.Time
}

type guild struct {
	channelID string
	conn      audio.Connection
	sessions  map[string]*VoiceSession
	closed    bool
}

// Registry owns voice connections and capture sessions. It is safe for
// concurrent use; mutations for one guild connection or one (guild, speaker)
// pair are serialized.
type Registry struct {
	cfg Config
	log *slog.Logger

	locks keyedMutex

	mu     sync.Mutex
	guilds map[string]*guild
	// active holds every non-closed session by speakerKey. Entries outlive
	// their guild so a draining session blocks a new one after a rejoin.
	active map[string]*VoiceSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry. Platform and Capture are required.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Platform == nil {
		return nil, errors.New("session: platform is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("session: capture is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		log:    l,
		guilds: make(map[string]*guild),
		active: make(map[string]*VoiceSession),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Mode returns the configured processing mode.
func (r *Registry) Mode() Mode { return r.cfg.Mode }

func guildKey(guildID string) string { return "guild/" + guildID }

func speakerKey(guildID, speakerID string) string { return "speaker/" + guildID + "/" + speakerID }

// EnsureConnection joins channelID in guildID unless the guild already has a
// connection. Speaking-start events on the new connection open sessions.
func (r *Registry) EnsureConnection(ctx context.Context, guildID, channelID string) error {
	unlock := r.locks.Lock(guildKey(guildID))
	defer unlock()

	r.mu.Lock()
	_, exists := r.guilds[guildID]
	r.mu.Unlock()
	if exists {
		return nil
	}

	conn, err := r.cfg.Platform.Connect(ctx, guildID, channelID)
	if err != nil {
		r.log.Error("session: voice connection failed", "guild_id", guildID, "channel_id", channelID, "err", err)
		return fmt.Errorf("session: connect guild %s: %w", guildID, err)
	}

	r.mu.Lock()
	r.guilds[guildID] = &guild{
		channelID: channelID,
		conn:      conn,
		sessions:  make(map[string]*VoiceSession),
	}
	r.mu.Unlock()

	sctx := context.WithoutCancel(ctx)
	conn.OnSpeaking(func(ev audio.SpeakingEvent) {
		if ev.Speaking {
			r.OnSpeakerStart(sctx, guildID, ev.UserID)
		}
	})
	r.cfg.Metrics.ConnectionOpened(ctx)
	r.log.Info("session: voice connection established", "guild_id", guildID, "channel_id", channelID, "mode", r.cfg.Mode)
	return nil
}

// Connected reports whether guildID has a voice connection.
func (r *Registry) Connected(guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.guilds[guildID]
	return ok
}

// Session returns the non-closed session for the speaker, if any.
func (r *Registry) Session(guildID, speakerID string) (*VoiceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.active[speakerKey(guildID, speakerID)]
	if !ok || vs.State() == Closed {
		return nil, false
	}
	return vs, true
}

// Sessions returns the guild's non-closed sessions ordered by start time.
func (r *Registry) Sessions(guildID string) []*VoiceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return nil
	}
	out := make([]*VoiceSession, 0, len(g.sessions))
	for _, vs := range g.sessions {
		if vs.State() != Closed {
			out = append(out, vs)
		}
	}
	slices.SortFunc(out, func(a, b *VoiceSession) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// OnSpeakerStart opens a session for the speaker. It returns (session, true)
// when a session was created and (existing, false) when the speaker already
// has a capturing or draining session. It returns (nil, false) when the guild
// has no connection or when the capture stage could not be opened.
//
// ctx values (trace context) are carried into the session; its cancellation is
// not, the session lives until it is drained or the registry shuts down.
func (r *Registry) OnSpeakerStart(ctx context.Context, guildID, speakerID string) (*VoiceSession, bool) {
	unlock := r.locks.Lock(speakerKey(guildID, speakerID))
	defer unlock()

	key := speakerKey(guildID, speakerID)
	r.mu.Lock()
	g, ok := r.guilds[guildID]
	existing := r.active[key]
	r.mu.Unlock()
	if existing != nil && existing.State() != Closed {
		return existing, false
	}
	if !ok {
		return nil, false
	}

	log := r.log.With("guild_id", guildID, "speaker_id", speakerID)
	vs := newVoiceSession(guildID, speakerID, r.cfg.Now())
	log = log.With("session_id", vs.ID)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(r.ctx, cancel)
	sctx, span := observe.StartSpan(sctx, "session.capture",
		observe.AttrGuildID.String(guildID),
		observe.AttrSpeakerID.String(speakerID),
		observe.AttrSessionID.String(vs.ID),
	)
	log = observe.Logger(sctx, log)
	vs.cancel = func() {
		stopAfter()
		cancel()
	}
	abandon := func(err error) {
		vs.cancel()
		observe.EndSpan(span, err)
	}

	stage, err := r.cfg.Capture.Open(sctx, vs)
	if err != nil {
		abandon(err)
		log.Error("session: opening capture stage failed", "err", err)
		return nil, false
	}
	opts := append([]capture.Option{
		capture.WithMetrics(r.cfg.Metrics),
		capture.WithLogger(log),
	}, r.cfg.WorkerOptions...)
	worker, err := capture.NewWorker(r.cfg.Pipeline, stage, opts...)
	if err != nil {
		_ = stage.Finish(sctx)
		abandon(err)
		log.Error("session: creating capture worker failed", "err", err)
		return nil, false
	}

	frames, unsubscribe := g.conn.Subscribe(speakerID)

	r.mu.Lock()
	if g.closed {
		r.mu.Unlock()
		unsubscribe()
		_ = stage.Finish(sctx)
		abandon(ErrNoConnection)
		return nil, false
	}
	vs.mu.Lock()
	vs.worker = worker
	vs.stage = stage
	vs.unsubscribe = unsubscribe
	vs.state = Capturing
	vs.mu.Unlock()
	g.sessions[speakerID] = vs
	r.active[key] = vs
	r.mu.Unlock()

	r.cfg.Metrics.SessionOpened(sctx)
	log.Info("session: capture started", "mode", r.cfg.Mode, "transcript", vs.TranscriptPath, "recordings", vs.RecordingDir)

	r.wg.Go(func() {
		r.run(sctx, vs, worker, frames, log)
		c := worker.Counters()
		span.SetAttributes(
			attribute.Int64("voicescribe.frames.valid", c.Valid),
			attribute.Int64("voicescribe.frames.invalid", c.Invalid),
			attribute.Int64("voicescribe.frames.skipped", c.Skipped),
		)
		observe.EndSpan(span, nil)
	})
	return vs, true
}

// run drives one session to Closed.
func (r *Registry) run(ctx context.Context, vs *VoiceSession, w *capture.Worker, frames <-chan []byte, log *slog.Logger) {
	vs.mu.Lock()
	failed := vs.stage.Failed()
	vs.mu.Unlock()
	ran := make(chan struct{})
	go func() {
		select {
		case <-failed:
			if vs.drain() {
				log.Warn("session: capture stage failed, draining")
			}
		case <-ran:
		}
	}()
	w.Run(ctx, frames)
	close(ran)

	vs.mu.Lock()
	if vs.state == Capturing {
		// The transport ended the subscription on its own.
		vs.state = Draining
	}
	stage := vs.stage
	vs.mu.Unlock()

	if err := stage.Finish(ctx); err != nil {
		log.Error("session: finishing capture stage failed", "err", err)
	}
	select {
	case <-stage.Done():
	case <-ctx.Done():
	}
	vs.cancel()

	vs.setState(Closed)
	r.mu.Lock()
	if g, ok := r.guilds[vs.GuildID]; ok && g.sessions[vs.SpeakerID] == vs {
		delete(g.sessions, vs.SpeakerID)
	}
	if key := speakerKey(vs.GuildID, vs.SpeakerID); r.active[key] == vs {
		delete(r.active, key)
	}
	r.mu.Unlock()
	close(vs.done)

	c := w.Counters()
	log.Info("session: capture closed",
		"skipped", c.Skipped,
		"invalid", c.Invalid,
		"valid", c.Valid,
		"dropped", w.Dropped(),
		"duration", time.Since(vs.StartedAt).Round(time.Millisecond),
	)
	r.cfg.Metrics.SessionClosed(context.WithoutCancel(ctx))
	if r.cfg.OnSessionClosed != nil {
		r.cfg.OnSessionClosed(vs)
	}
}

// OnSpeakerEnd moves the speaker's capturing session to Draining. The
// session finishes its pending work and closes on its own goroutine.
func (r *Registry) OnSpeakerEnd(guildID, speakerID string) {
	unlock := r.locks.Lock(speakerKey(guildID, speakerID))
	defer unlock()

	r.mu.Lock()
	vs := r.active[speakerKey(guildID, speakerID)]
	r.mu.Unlock()
	if vs != nil && vs.drain() {
		r.log.Info("session: speaker left, draining", "guild_id", guildID, "speaker_id", speakerID, "session_id", vs.ID)
	}
}

// OnChannelEmptied tears down the guild: every session moves to Draining
// and the voice connection is closed. In live mode it returns immediately.
// In batch mode it waits for every session to persist its final segment,
// then runs the Drainer, and returns once all sessions are Closed.
func (r *Registry) OnChannelEmptied(ctx context.Context, guildID string) error {
	unlock := r.locks.Lock(guildKey(guildID))
	defer unlock()

	r.mu.Lock()
	g, ok := r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		return ErrNoConnection
	}
	delete(r.guilds, guildID)
	g.closed = true
	sessions := make([]*VoiceSession, 0, len(g.sessions))
	for _, vs := range g.sessions {
		sessions = append(sessions, vs)
	}
	r.mu.Unlock()

	for _, vs := range sessions {
		vs.drain()
	}
	var errs []error
	if err := g.conn.Disconnect(); err != nil {
		r.log.Error("session: voice disconnect failed", "guild_id", guildID, "err", err)
		errs = append(errs, fmt.Errorf("session: disconnect guild %s: %w", guildID, err))
	}
	r.cfg.Metrics.ConnectionClosed(ctx)
	r.log.Info("session: channel emptied", "guild_id", guildID, "sessions", len(sessions))

	if r.cfg.Mode != ModeBatch {
		return errors.Join(errs...)
	}

	if err := waitClosed(ctx, sessions); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if r.cfg.Drainer != nil {
		if err := r.cfg.Drainer.Drain(ctx); err != nil {
			r.log.Error("session: offline drain failed", "guild_id", guildID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// waitClosed blocks until every session is Closed or ctx is cancelled.
func waitClosed(ctx context.Context, sessions []*VoiceSession) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, vs := range sessions {
		g.Go(func() error {
			select {
			case <-vs.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session: waiting for %s: %w", vs.SpeakerID, gctx.Err())
			}
		})
	}
	return g.Wait()
}

// Shutdown empties every guild, waits for all sessions to close and releases
// the registry. After ctx expires remaining sessions are cancelled without
// flushing.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.guilds))
	for id := range r.guilds {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.OnChannelEmptied(ctx, id); err != nil && !errors.Is(err, ErrNoConnection) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("session: shutdown: %w", ctx.Err()))
	}
	r.cancel()
	<-done
	return errors.Join(errs...)
}
