package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicescribe/internal/observe"
	"github.com/MrWong99/voicescribe/internal/segment"
	"github.com/MrWong99/voicescribe/internal/transcode"
	"github.com/MrWong99/voicescribe/internal/transcript"
	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// ReconnectPolicy bounds recognizer reconnection for live sessions.
type ReconnectPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// LiveCapture streams each session to a recognizer and writes its transcript
// to <Dir>/<speaker>-<startUnixMillis>.log.
type LiveCapture struct {
	Provider stt.Provider

	// Engine converts capture PCM into Target before it is sent.
	Engine transcode.Engine
	Target transcode.Target

	Dir       string
	Reconnect ReconnectPolicy

	// ReadSize is the chunk size read from the engine output. Zero means
	// 20 ms of Target audio.
	ReadSize int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

var _ Capture = (*LiveCapture)(nil)

// Open dials the recognizer and starts the resample pump. A dial failure is
// returned and nothing is left running.
func (c *LiveCapture) Open(ctx context.Context, vs *VoiceSession) (Stage, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("guild_id", vs.GuildID, "speaker_id", vs.SpeakerID, "session_id", vs.ID)

	path := filepath.Join(c.Dir, fmt.Sprintf("%s-%d.log", vs.SpeakerID, vs.StartedAt.UnixMilli()))
	vs.TranscriptPath = path
	out := transcript.NewLog(path)

	rc := NewReconnector(ReconnectorConfig{
		Provider:   c.Provider,
		Stream:     stt.StreamConfig{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels},
		MaxRetries: c.Reconnect.MaxRetries,
		Backoff:    c.Reconnect.Backoff,
		MaxBackoff: c.Reconnect.MaxBackoff,
		OnSession: func(ctx context.Context, h stt.SessionHandle) {
			a := transcript.NewAssembler(out, transcript.WithMetrics(c.Metrics), transcript.WithLogger(log))
			_ = a.Consume(ctx, h.Events())
		},
		Metrics: c.Metrics,
		Logger:  log,
	})
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	resampled, err := c.Engine.Stream(ctx, audio.CaptureFormat, c.Target, pr)
	if err != nil {
		rc.Stop()
		_ = pr.Close()
		return nil, fmt.Errorf("session: start resampler: %w", err)
	}
	stopPipe := context.AfterFunc(ctx, func() { pr.CloseWithError(ctx.Err()) })

	readSize := c.ReadSize
	if readSize <= 0 {
		readSize = c.Target.Format().BytesPerSecond() / 50
	}
	s := &liveStage{
		pr:        pr,
		pw:        pw,
		resampled: resampled,
		rc:        rc,
		log:       log,
		pumped:    make(chan struct{}),
		failed:    make(chan struct{}),
		done:      make(chan struct{}),
		stopPipe:  stopPipe,
	}
	go rc.Run(ctx)
	go s.pump(max(readSize, 2))
	return s, nil
}

// errResamplerStopped is the input error once the resampler output has ended.
var errResamplerStopped = errors.New("session: resampler stopped")

type liveStage struct {
	pr        *io.PipeReader
	pw        *io.PipeWriter
	resampled io.ReadCloser
	rc        *Reconnector
	log       *slog.Logger
	stopPipe  func() bool

	pumped   chan struct{}
	failed   chan struct{}
	done     chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (s *liveStage) Write(_ context.Context, pcm []byte) error {
	if _, err := s.pw.Write(pcm); err != nil {
		return fmt.Errorf("session: resampler input: %w", err)
	}
	return nil
}

// pump forwards resampled audio to the current recognizer connection. When
// the resampler output ends the input pipe is closed so writers never block
// on a reader that is gone. An early end marks the stage failed.
func (s *liveStage) pump(size int) {
	defer close(s.pumped)
	buf := make([]byte, size)
	for {
		n, err := s.resampled.Read(buf)
		if n > 0 {
			if serr := s.rc.SendAudio(buf[:n]); serr != nil && !errors.Is(serr, stt.ErrSessionClosed) {
				s.log.Warn("session: recognizer send failed", "err", serr)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			err = errResamplerStopped
		}
		s.pr.CloseWithError(err)
		if s.finished.Load() {
			return
		}
		if !errors.Is(err, context.Canceled) {
			s.log.Error("session: resampler failed, ending session", "err", err)
		}
		close(s.failed)
		return
	}
}

// Finish closes the resampler input and tears the recognizer down in the
// background.
func (s *liveStage) Finish(context.Context) error {
	s.once.Do(func() {
		s.finished.Store(true)
		_ = s.pw.Close()
		go func() {
			defer close(s.done)
			<-s.pumped
			s.rc.Stop()
			<-s.rc.Done()
			_ = s.resampled.Close()
			s.stopPipe()
		}()
	})
	return nil
}

func (s *liveStage) Done() <-chan struct{} { return s.done }

func (s *liveStage) Failed() <-chan struct{} { return s.failed }

// BatchCapture cuts each session into fixed-length recordings under Dir,
// named <speaker>-<unixMillis>-chunk<index>.<ext>.
type BatchCapture struct {
	Engine          transcode.Engine
	Target          transcode.Target
	Dir             string
	SegmentDuration time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Now replaces the wall clock used for artifact names.
	Now func() time.Time

	dirOnce sync.Once
	dirErr  error
}

var _ Capture = (*BatchCapture)(nil)

// Open creates the recordings directory on first use and starts the
// segmenter.
func (c *BatchCapture) Open(ctx context.Context, vs *VoiceSession) (Stage, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("guild_id", vs.GuildID, "speaker_id", vs.SpeakerID, "session_id", vs.ID)

	if err := c.ensureDir(log); err != nil {
		return nil, err
	}
	vs.RecordingDir = c.Dir

	opts := []segment.Option{segment.WithMetrics(c.Metrics), segment.WithLogger(log)}
	if c.Now != nil {
		opts = append(opts, segment.WithClock(c.Now))
	}
	seg := segment.New(segment.Config{
		SpeakerID:      vs.SpeakerID,
		TargetDuration: c.SegmentDuration,
		Format:         audio.CaptureFormat,
	}, c.persist, opts...)

	s := &batchStage{seg: seg, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := seg.Run(ctx); err != nil {
			log.Warn("session: segmenter stopped before flushing", "buffered", seg.Buffered(), "err", err)
		}
	}()
	return s, nil
}

func (c *BatchCapture) ensureDir(log *slog.Logger) error {
	c.dirOnce.Do(func() {
		if _, err := os.Stat(c.Dir); err == nil {
			return
		}
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			c.dirErr = fmt.Errorf("session: create recordings directory: %w", err)
			return
		}
		log.Info("session: created recordings directory", "path", c.Dir)
	})
	return c.dirErr
}

// persist transcodes one segment into the recordings area.
func (c *BatchCapture) persist(ctx context.Context, seg segment.Segment) (err error) {
	name := seg.Name(c.Target.Codec.Ext())
	ctx, span := observe.StartSpan(ctx, "segment.transcode",
		observe.AttrSpeakerID.String(seg.SpeakerID),
		observe.AttrChunk.Int(seg.Index),
		observe.AttrBytes.Int(len(seg.PCM)),
		observe.AttrFile.String(name),
	)
	defer func() { observe.EndSpan(span, err) }()

	if err := c.Engine.File(ctx, audio.CaptureFormat, c.Target, seg.PCM, filepath.Join(c.Dir, name)); err != nil {
		return fmt.Errorf("session: persist %s: %w", name, err)
	}
	observe.Logger(ctx, c.Logger).Debug("session: segment persisted",
		"speaker_id", seg.SpeakerID, "chunk", seg.Index, "file", name, "final", seg.Final)
	return nil
}

type batchStage struct {
	seg  *segment.Segmenter
	done chan struct{}
}

func (s *batchStage) Write(ctx context.Context, pcm []byte) error {
	return s.seg.Write(ctx, pcm)
}

// Finish closes the segmenter and waits for the final segment.
func (s *batchStage) Finish(ctx context.Context) error {
	s.seg.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *batchStage) Done() <-chan struct{} { return s.done }

func (s *batchStage) Failed() <-chan struct{} { return nil }
