// Package stt defines the interfaces for speech-to-text backends.
//
// Two shapes are supported. A streaming [Provider] holds a persistent
// connection to a recognizer: the caller pushes raw PCM through a
// [SessionHandle] and reads a closed set of [Event] values back. A
// [Transcriber] turns one recorded audio file into text and serves the
// offline batch pass.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format of a new streaming session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. Zero selects the provider
	// default (16000 for the bundled recognizers).
	SampleRate int

	// Channels is the number of audio channels. Zero means mono.
	Channels int

	// Language is an optional BCP-47 language hint.
	Language string
}

// SessionHandle represents one open recognizer connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio forwards a chunk of raw s16le PCM, in order. It returns
	// [ErrSessionClosed] once the session has ended.
	SendAudio(chunk []byte) error

	// Events returns the inbound event stream. Exactly one EventSessionEnd is
	// delivered per connection, after which the channel is closed.
	Events() <-chan Event

	// Close sends the provider's termination message and closes the
	// connection. Events continue to drain until the remote side closes.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider opens streaming recognition sessions.
type Provider interface {
	// StartStream connects to the recognizer. The returned SessionHandle is
	// ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Transcriber converts a recorded audio file into text.
type Transcriber interface {
	// TranscribeFile returns the transcript of the audio at path. An
	// empty string with a nil error means no speech was recognised.
	TranscribeFile(ctx context.Context, path string) (string, error)
}
