// Package discord provides the Discord bot layer for voicescribe. It owns
// the discordgo.Session lifecycle, follows member voice presence to join and
// leave channels, and serves the /transcribe slash command.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicescribe/pkg/audio"
	discordaudio "github.com/MrWong99/voicescribe/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildIDs restricts presence handling and command registration. Empty
	// means every guild, with commands registered globally.
	GuildIDs []string

	// QueueSize bounds each speaker's frame queue.
	QueueSize int

	// OnDrop is called when a speaker's frame queue overflows.
	OnDrop func(guildID, userID string)

	Logger *slog.Logger
}

// Bot owns the Discord gateway connection.
type Bot struct {
	mu        sync.Mutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	guildIDs  []string
	log       *slog.Logger
	commands  map[string][]*discordgo.ApplicationCommand // guild → registered
	connected atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot. The gateway is not opened until [Bot.Open].
func New(cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	var opts []discordaudio.Option
	if cfg.QueueSize > 0 {
		opts = append(opts, discordaudio.WithQueueSize(cfg.QueueSize))
	}
	if cfg.OnDrop != nil {
		opts = append(opts, discordaudio.WithDropHook(cfg.OnDrop))
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Bot{
		session:  session,
		platform: discordaudio.New(session, opts...),
		router:   NewCommandRouter(),
		guildIDs: cfg.GuildIDs,
		log:      l,
		commands: make(map[string][]*discordgo.ApplicationCommand),
	}, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform { return b.platform }

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter { return b.router }

// Connected reports whether the gateway session is up.
func (b *Bot) Connected() bool { return b.connected.Load() }

// Open registers the gateway handlers feeding presence and connects. ctx is
// carried into the presence callbacks.
func (b *Bot) Open(ctx context.Context, presence *Presence) error {
	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		presence.SetSelf(r.User.ID)
		b.connected.Store(true)
		b.log.Info("discord: gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	b.session.AddHandler(func(*discordgo.Session, *discordgo.Resumed) { b.connected.Store(true) })
	b.session.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		b.connected.Store(false)
		b.log.Warn("discord: gateway disconnected")
	})
	b.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		bots := make(map[string]bool, len(g.Members))
		for _, m := range g.Members {
			if m.User != nil {
				bots[m.User.ID] = m.User.Bot
			}
		}
		for _, vs := range g.VoiceStates {
			st := toVoiceState(s, vs)
			st.Bot = st.Bot || bots[vs.UserID]
			presence.Update(ctx, st)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		presence.Update(ctx, toVoiceState(s, v.VoiceState))
	})
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	return nil
}

// toVoiceState converts a gateway voice state, resolving the bot flag from
// the state cache when the member is not embedded.
func toVoiceState(s *discordgo.Session, vs *discordgo.VoiceState) VoiceState {
	st := VoiceState{
		GuildID:   vs.GuildID,
		ChannelID: vs.ChannelID,
		UserID:    vs.UserID,
		Mute:      vs.Mute || vs.SelfMute,
		Deaf:      vs.Deaf || vs.SelfDeaf,
	}
	switch {
	case vs.Member != nil && vs.Member.User != nil:
		st.Bot = vs.Member.User.Bot
	case s != nil && s.State != nil:
		if m, err := s.State.Member(vs.GuildID, vs.UserID); err == nil && m.User != nil {
			st.Bot = m.User.Bot
		}
	}
	return st
}

// Run registers slash commands and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		appID := b.session.State.User.ID
		targets := b.guildIDs
		if len(targets) == 0 {
			targets = []string{""}
		}
		for _, guildID := range targets {
			registered, err := b.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
			if err != nil {
				return fmt.Errorf("discord: register commands: %w", err)
			}
			b.mu.Lock()
			b.commands[guildID] = registered
			b.mu.Unlock()
		}
		b.log.Info("discord: commands registered", "count", len(cmds), "targets", len(targets))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session.State != nil && b.session.State.User != nil {
			appID := b.session.State.User.ID
			for guildID, cmds := range b.commands {
				for _, cmd := range cmds {
					if err := b.session.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
						b.log.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
					}
				}
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.connected.Store(false)
		b.log.Info("discord: bot closed")
	})
	return closeErr
}
