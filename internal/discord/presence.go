package discord

import (
	"context"
	"log/slog"
	"sync"
)

// Controller is the session layer driven by voice presence. It is satisfied by
// *session.Registry.
type Controller interface {
	EnsureConnection(ctx context.Context, guildID, channelID string) error
	OnSpeakerEnd(guildID, speakerID string)
	OnChannelEmptied(ctx context.Context, guildID string) error
}

// VoiceState is one member's voice presence in a guild. An empty ChannelID
// means the member is not in any voice channel.
type VoiceState struct {
	GuildID   string
	ChannelID string
	UserID    string
	Bot       bool
	Mute      bool
	Deaf      bool
}

// Presence follows member voice states and joins or leaves voice channels on
// behalf of the [Controller]:
//
//   - The bot joins the channel of the first human who enters voice while it
//     is not connected in that guild.
//   - A member leaving the bot's channel ends their capture.
//   - When the last human leaves, the channel is emptied.
//
// Presence is safe for concurrent use. Updates for one guild are handled one
// at a time.
type Presence struct {
	ctrl   Controller
	log    *slog.Logger
	guilds map[string]bool

	mu      sync.Mutex
	self    string
	members map[string]map[string]VoiceState // guild → user → state
	joined  map[string]string                // guild → channel
	locks   map[string]*sync.Mutex
}

// PresenceOption is a functional option for [NewPresence].
type PresenceOption func(*Presence)

// WithGuilds restricts Presence to the given guild IDs.
func WithGuilds(ids ...string) PresenceOption {
	return func(p *Presence) {
		if len(ids) == 0 {
			return
		}
		p.guilds = make(map[string]bool, len(ids))
		for _, id := range ids {
			p.guilds[id] = true
		}
	}
}

// WithPresenceLogger sets the logger.
func WithPresenceLogger(l *slog.Logger) PresenceOption {
	return func(p *Presence) { p.log = l }
}

// NewPresence returns a Presence driving ctrl.
func NewPresence(ctrl Controller, opts ...PresenceOption) *Presence {
	p := &Presence{
		ctrl:    ctrl,
		log:     slog.Default(),
		members: make(map[string]map[string]VoiceState),
		joined:  make(map[string]string),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetSelf records the bot's own user ID; its voice states are ignored.
func (p *Presence) SetSelf(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = userID
}

// Joined returns the channel the bot is connected to in guildID, or "".
func (p *Presence) Joined(guildID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined[guildID]
}

func (p *Presence) guildLock(guildID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[guildID] = l
	}
	return l
}

// Update applies one voice state change.
func (p *Presence) Update(ctx context.Context, st VoiceState) {
	if p.guilds != nil && !p.guilds[st.GuildID] {
		return
	}
	gl := p.guildLock(st.GuildID)
	gl.Lock()
	defer gl.Unlock()

	p.mu.Lock()
	if st.UserID == p.self {
		p.mu.Unlock()
		return
	}
	members := p.members[st.GuildID]
	if members == nil {
		members = make(map[string]VoiceState)
		p.members[st.GuildID] = members
	}
	prev, known := members[st.UserID]
	if st.ChannelID == "" {
		delete(members, st.UserID)
	} else {
		members[st.UserID] = st
	}
	joined := p.joined[st.GuildID]
	p.mu.Unlock()

	log := p.log.With("guild_id", st.GuildID, "user_id", st.UserID)

	if known && prev.ChannelID == st.ChannelID {
		if prev.Mute != st.Mute || prev.Deaf != st.Deaf {
			log.Info("discord: voice state changed", "channel_id", st.ChannelID, "mute", st.Mute, "deaf", st.Deaf)
		}
		return
	}

	if known && joined != "" && prev.ChannelID == joined {
		log.Info("discord: member left voice channel", "channel_id", joined)
		p.ctrl.OnSpeakerEnd(st.GuildID, st.UserID)
		if p.humans(st.GuildID, joined) == 0 {
			p.leave(ctx, st.GuildID, log)
			joined = ""
		}
	}

	if st.ChannelID == "" || st.Bot {
		return
	}
	if joined != "" {
		if st.ChannelID != joined {
			log.Debug("discord: member joined another channel, staying", "channel_id", st.ChannelID, "joined", joined)
		}
		return
	}
	if err := p.ctrl.EnsureConnection(ctx, st.GuildID, st.ChannelID); err != nil {
		log.Error("discord: joining voice channel failed", "channel_id", st.ChannelID, "err", err)
		return
	}
	p.mu.Lock()
	p.joined[st.GuildID] = st.ChannelID
	p.mu.Unlock()
	log.Info("discord: joined voice channel", "channel_id", st.ChannelID)
}

func (p *Presence) leave(ctx context.Context, guildID string, log *slog.Logger) {
	p.mu.Lock()
	channelID := p.joined[guildID]
	delete(p.joined, guildID)
	p.mu.Unlock()

	log.Info("discord: last human left, leaving voice channel", "channel_id", channelID)
	if err := p.ctrl.OnChannelEmptied(ctx, guildID); err != nil {
		log.Error("discord: channel teardown failed", "channel_id", channelID, "err", err)
	}
}

// humans counts the non-bot members in channelID.
func (p *Presence) humans(guildID, channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, st := range p.members[guildID] {
		if st.ChannelID == channelID && !st.Bot {
			n++
		}
	}
	return n
}
