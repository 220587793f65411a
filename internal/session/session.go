// Package session owns the per-guild voice connections and the per-speaker
// capture sessions built on them.
//
// A [Registry] keeps at most one voice connection per guild and at most one
// non-closed [VoiceSession] per (guild, speaker). Each session runs its own
// validate → decode → stage pipeline; the stage is produced by a [Capture]
// and either streams to a live recognizer ([LiveCapture]) or cuts the audio
// into fixed-length recordings ([BatchCapture]).
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/internal/capture"
	"github.com/google/uuid"
)

// Mode selects how sessions process audio.
type Mode int

const (
	// ModeLive streams audio to a recognizer and writes transcripts as they
	// arrive.
	ModeLive Mode = iota
	// ModeBatch records fixed-length segments for the offline pass.
	ModeBatch
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration name to a [Mode].
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "live":
		return ModeLive, nil
	case "batch":
		return ModeBatch, nil
	}
	return ModeLive, fmt.Errorf("session: unknown mode %q", name)
}

// State is the lifecycle position of a [VoiceSession].
type State int

const (
	Idle State = iota
	Capturing
	Draining
	Closed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stage is the final consumer of a session's decoded PCM.
type Stage interface {
	capture.Sink

	// Finish stops accepting audio. Batch stages block until the final
	// segment is persisted; live stages return once teardown has started.
	Finish(ctx context.Context) error

	// Done is closed once every piece of work of the stage has completed.
	Done() <-chan struct{}

	// Failed is closed when the stage can no longer accept audio. The
	// session is then drained as if the speaker had left. A nil channel
	// never fires.
	Failed() <-chan struct{}
}

// Capture opens the stage for a new session. Open may fill in the session's
// TranscriptPath or RecordingDir. ctx lives as long as the session.
type Capture interface {
	Open(ctx context.Context, vs *VoiceSession) (Stage, error)
}

// VoiceSession is the capture of one speaker in one guild.
type VoiceSession struct {
	ID        string
	GuildID   string
	SpeakerID string
	StartedAt time.Time

	// TranscriptPath is set in live mode, RecordingDir in batch mode.
	TranscriptPath string
	RecordingDir   string

	mu     sync.Mutex
	state  State
	worker *capture.Worker

	stage       Stage
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

func newVoiceSession(guildID, speakerID string, now time.Time) *VoiceSession {
	return &VoiceSession{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		SpeakerID: speakerID,
		StartedAt: now,
		state:     Idle,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *VoiceSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counters returns the frame classification totals so far.
func (s *VoiceSession) Counters() capture.Counters {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return capture.Counters{}
	}
	return w.Counters()
}

// Done is closed when the session reaches [Closed].
func (s *VoiceSession) Done() <-chan struct{} { return s.done }

// drain moves a capturing session to Draining and releases its frame
// source. It reports whether the transition happened.
func (s *VoiceSession) drain() bool {
	s.mu.Lock()
	if s.state != Capturing {
		s.mu.Unlock()
		return false
	}
	s.state = Draining
	unsub := s.unsubscribe
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return true
}

func (s *VoiceSession) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}
