package assemblyai

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicescribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

type sessionConfig struct {
	chunkBytes  int
	termination string
	closeWait   time.Duration
	log         *slog.Logger
}

// session is a live AssemblyAI streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn *websocket.Conn
	cfg  sessionConfig

	events chan stt.Event
	audio  chan []byte

	done    chan struct{} // closed by Close
	gone    chan struct{} // closed when the read loop exits
	written chan struct{} // closed when the write loop exits

	once sync.Once
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(ctx context.Context, conn *websocket.Conn, cfg sessionConfig) *session {
	s := &session{
		conn:    conn,
		cfg:     cfg,
		events:  make(chan stt.Event, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
		gone:    make(chan struct{}),
		written: make(chan struct{}),
	}
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s
}

// SendAudio queues a PCM chunk. The caller may reuse chunk after it returns.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.gone:
		return stt.ErrSessionClosed
	default:
	}
	buf := append([]byte(nil), chunk...)
	select {
	case s.audio <- buf:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.gone:
		return stt.ErrSessionClosed
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close flushes buffered audio, sends the termination message and waits for
// the remote to end the session before closing the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.written
		timer := time.NewTimer(s.cfg.closeWait)
		defer timer.Stop()
		select {
		case <-s.gone:
		case <-timer.C:
			s.cfg.log.Warn("assemblyai: remote did not end session in time", "wait", s.cfg.closeWait)
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop coalesces outbound audio into messages of at least chunkBytes.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.written)
	var pending []byte
	flush := func() bool {
		if err := s.conn.Write(ctx, websocket.MessageBinary, pending); err != nil {
			s.cfg.log.Warn("assemblyai: audio write failed", "bytes", len(pending), "err", err)
			return false
		}
		pending = pending[:0]
		return true
	}
	for {
		select {
		case chunk := <-s.audio:
			pending = append(pending, chunk...)
			if len(pending) >= s.cfg.chunkBytes && !flush() {
				return
			}
		case <-s.gone:
			return
		case <-s.done:
		drain:
			for {
				select {
				case chunk := <-s.audio:
					pending = append(pending, chunk...)
				default:
					break drain
				}
			}
			if len(pending) > 0 {
				// Pad the tail with silence up to the minimum message size.
				if n := s.cfg.chunkBytes - len(pending); n > 0 {
					pending = append(pending, make([]byte, n)...)
				}
				if !flush() {
					return
				}
			}
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(s.cfg.termination)); err != nil {
				s.cfg.log.Warn("assemblyai: termination write failed", "err", err)
			}
			return
		}
	}
}

// readLoop decodes inbound messages into events. It emits exactly one
// EventSessionEnd and then closes the event channel.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.gone)
	defer close(s.events)

	ended := false
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if !ended {
				s.events <- stt.Event{Kind: stt.EventSessionEnd, Err: readError(err)}
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := parseMessage(data)
		if err != nil {
			s.cfg.log.Debug("assemblyai: skipping malformed message", "err", err)
			continue
		}
		switch ev.Kind {
		case stt.EventSessionEnd:
			if ended {
				continue
			}
			ended = true
		case stt.EventUnknown:
			s.cfg.log.Debug("assemblyai: unhandled message", "raw", string(ev.Raw))
		}
		s.events <- ev
	}
}

// readError maps a terminal read error to the error carried on SessionEnd.
// A normal close is not an error.
func readError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
