// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It exposes each
// speaker's raw Opus payloads as an [audio.Connection] subscription; decoding
// happens downstream in the capture pipeline.
//
// The platform requires an active *discordgo.Session owned by the bot layer.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

const defaultQueueSize = 256

// Option is a functional option for [Platform].
type Option func(*Platform)

// WithQueueSize sets the capacity of each per-speaker receive queue. When a
// queue is full the oldest frame is dropped; the receive loop never blocks.
func WithQueueSize(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithDropHook registers fn to be called whenever a frame is evicted from a
// speaker's receive queue.
func WithDropHook(fn func(guildID, userID string)) Option {
	return func(p *Platform) { p.onDrop = fn }
}

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session   *discordgo.Session
	queueSize int
	onDrop    func(guildID, userID string)
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session, opts ...Option) *Platform {
	p := &Platform{session: session, queueSize: defaultQueueSize}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID in guildID and
// returns an active [audio.Connection]. The supplied ctx governs the
// connection-setup phase only.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	// mute=true: the bot never transmits. deaf=false: we receive audio.
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, guildID, p.queueSize, p.onDrop), nil
}
