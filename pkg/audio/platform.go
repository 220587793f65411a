// Package audio defines the interfaces and types for voice platform
// connectivity and PCM stream handling within voicescribe.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] is an active voice session on that channel, giving callers
//     per-speaker subscriptions to raw transport frames and speaking events.
//
// Implementations live in platform adapter packages (e.g., audio/discord).
// The interfaces are narrow to keep the session registry decoupled from any
// SDK.
package audio

import (
	"context"
)

// SpeakingEvent is emitted by a [Connection] when a speaker starts or stops
// transmitting audio.
type SpeakingEvent struct {
	// UserID is the platform-specific identifier of the speaker.
	UserID string

	// Speaking is true when the speaker started talking.
	Speaking bool
}

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Subscribe returns a live sequence of opaque transport frames for the
	// given speaker, in arrival order. The channel is closed after the returned
	// unsubscribe function is called or when the connection ends. Calling
	// Subscribe again for the same speaker replaces the previous subscription
	// (whose channel is closed).
	Subscribe(userID string) (<-chan []byte, func())

	// OnSpeaking registers cb for speaking events. Only one callback may be
	// registered at a time; subsequent calls replace the previous one. The
	// callback runs on its own goroutine.
	OnSpeaking(cb func(SpeakingEvent))

	// Disconnect tears down the connection and closes every subscription.
	// It is safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID and returns an active [Connection].
	// ctx governs the connection attempt only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
