// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Event values and inspect which
// audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Event{Kind: stt.EventSessionBegin, SessionID: "abc"})
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order by StartStream. When exhausted, a new
	// default Session is created for every further call.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	// Errs, when non-empty, takes precedence and is consumed one per call;
	// a nil entry means that call succeeds.
	StartStreamErr error
	Errs           []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	started []*Session
}

// StartStream records the call and returns the next session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s = p.Sessions[0]
		p.Sessions = p.Sessions[1:]
	} else {
		s = NewSession(64)
	}
	p.started = append(p.started, s)
	return s, nil
}

// Started returns the sessions handed out so far.
func (p *Provider) Started() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.started...)
}

// Calls returns the number of StartStream calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan stt.Event
	ended  bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// EndOnClose makes Close deliver a clean EventSessionEnd, mimicking a
	// remote that acknowledges termination.
	EndOnClose bool

	// Audio holds a copy of every chunk passed to SendAudio, in order.
	Audio [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose event channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{events: make(chan stt.Event, buffer)}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Emit delivers ev to the consumer. It is a no-op after End.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// End delivers EventSessionEnd carrying err and closes the event channel.
// Safe to call more than once.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.events <- stt.Event{Kind: stt.EventSessionEnd, Err: err}
	close(s.events)
}

// Close records the call and, if EndOnClose is set, ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	end := s.EndOnClose
	s.mu.Unlock()
	if end {
		s.End(nil)
	}
	return nil
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Chunks returns a copy of the audio received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Audio...)
}

var _ stt.SessionHandle = (*Session)(nil)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results maps file paths to transcripts. Missing paths yield Default.
	Results map[string]string
	Default string

	// Errs maps file paths to errors.
	Errs map[string]error

	// Paths records every transcribed path in call order.
	Paths []string
}

// TranscribeFile records the call and returns the configured result.
func (t *Transcriber) TranscribeFile(_ context.Context, path string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Paths = append(t.Paths, path)
	if err, ok := t.Errs[path]; ok {
		return "", err
	}
	if text, ok := t.Results[path]; ok {
		return text, nil
	}
	return t.Default, nil
}

// Calls returns a copy of the recorded paths.
func (t *Transcriber) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Paths...)
}

var _ stt.Transcriber = (*Transcriber)(nil)
