package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicescribe/internal/session"
)

// SessionLister lists a guild's active capture sessions. It is satisfied by
// *session.Registry.
type SessionLister interface {
	Mode() session.Mode
	Sessions(guildID string) []*session.VoiceSession
}

var statusCommand = &discordgo.ApplicationCommand{
	Name:        "transcribe",
	Description: "Voice transcription",
	Options: []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "status",
		Description: "Show who is being captured in this server",
	}},
}

// RegisterStatus adds the /transcribe status command to r.
func RegisterStatus(r *CommandRouter, sessions SessionLister, presence *Presence) {
	r.RegisterCommand("transcribe/status", statusCommand, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		RespondEmbed(s, i, statusEmbed(sessions, presence.Joined(i.GuildID), i.GuildID, time.Now()))
	})
}

func statusEmbed(sessions SessionLister, channelID, guildID string, now time.Time) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Transcription status",
		Footer: &discordgo.MessageEmbedFooter{
			Text: "mode: " + sessions.Mode().String(),
		},
	}
	if channelID == "" {
		embed.Description = "Not connected to a voice channel."
		return embed
	}

	active := sessions.Sessions(guildID)
	embed.Description = fmt.Sprintf("Listening in <#%s>.", channelID)
	if len(active) == 0 {
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "Speakers", Value: "nobody has spoken yet"}}
		return embed
	}
	var b strings.Builder
	for _, vs := range active {
		fmt.Fprintf(&b, "<@%s> %s for %s\n", vs.SpeakerID, vs.State(), now.Sub(vs.StartedAt).Round(time.Second))
	}
	embed.Fields = []*discordgo.MessageEmbedField{{Name: "Speakers", Value: b.String()}}
	return embed
}
