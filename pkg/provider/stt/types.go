package stt

import "encoding/json"

// EventKind tags an [Event].
type EventKind int

const (
	// EventUnknown carries a message of an unrecognised type in Raw.
	EventUnknown EventKind = iota
	// EventSessionBegin reports the session identifier assigned by the remote.
	EventSessionBegin
	// EventTurn carries one revision of a recognised span of speech.
	EventTurn
	// EventSessionEnd reports that the connection has ended, for any reason.
	EventSessionEnd
)

// String returns the kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventSessionBegin:
		return "session_begin"
	case EventTurn:
		return "turn"
	case EventSessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}

// Event is one inbound recognizer message, decoded once at the transport
// boundary.
type Event struct {
	Kind EventKind

	// SessionID is set for EventSessionBegin.
	SessionID string

	// Text, Formatted and EndOfTurn are set for EventTurn. Only formatted
	// turns are stable; unformatted ones are drafts superseded later.
	Text      string
	Formatted bool
	EndOfTurn bool

	// Err is set on EventSessionEnd when the connection failed rather than
	// closing cleanly.
	Err error

	// Raw is the undecoded message for EventUnknown.
	Raw json.RawMessage
}
