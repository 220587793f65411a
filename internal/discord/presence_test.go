package discord

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

type fakeController struct {
	mu         sync.Mutex
	connectErr error
	calls      []string
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeController) EnsureConnection(_ context.Context, guildID, channelID string) error {
	f.record("join " + guildID + "/" + channelID)
	return f.connectErr
}

func (f *fakeController) OnSpeakerEnd(guildID, speakerID string) {
	f.record("end " + guildID + "/" + speakerID)
}

func (f *fakeController) OnChannelEmptied(_ context.Context, guildID string) error {
	f.record("empty " + guildID)
	return nil
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func join(user, channel string) VoiceState {
	return VoiceState{GuildID: "g1", ChannelID: channel, UserID: user}
}

func TestPresence_JoinAndLeave(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl)
	ctx := context.Background()

	p.Update(ctx, join("alice", "c1"))
	p.Update(ctx, join("bob", "c1"))
	if p.Joined("g1") != "c1" {
		t.Fatalf("Joined = %q, want c1", p.Joined("g1"))
	}
	p.Update(ctx, join("alice", ""))
	p.Update(ctx, join("bob", ""))

	want := []string{"join g1/c1", "end g1/alice", "end g1/bob", "empty g1"}
	if got := ctrl.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if p.Joined("g1") != "" {
		t.Errorf("Joined after empty = %q, want empty", p.Joined("g1"))
	}
}

func TestPresence_BotsDoNotKeepChannelAlive(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl)
	ctx := context.Background()

	music := VoiceState{GuildID: "g1", ChannelID: "c1", UserID: "musicbot", Bot: true}
	p.Update(ctx, music)
	if len(ctrl.Calls()) != 0 {
		t.Fatalf("a bot joining must not trigger a join, got %v", ctrl.Calls())
	}
	p.Update(ctx, join("alice", "c1"))
	p.Update(ctx, join("alice", ""))

	want := []string{"join g1/c1", "end g1/alice", "empty g1"}
	if got := ctrl.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestPresence_IgnoresSelf(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl)
	p.SetSelf("me")

	p.Update(context.Background(), join("me", "c1"))
	if len(ctrl.Calls()) != 0 {
		t.Errorf("own voice state must be ignored, got %v", ctrl.Calls())
	}
}

func TestPresence_MoveOutOfChannel(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl)
	ctx := context.Background()

	p.Update(ctx, join("alice", "c1"))
	p.Update(ctx, join("bob", "c2"))
	p.Update(ctx, join("alice", "c2"))

	want := []string{"join g1/c1", "end g1/alice", "empty g1", "join g1/c2"}
	if got := ctrl.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if p.Joined("g1") != "c2" {
		t.Errorf("Joined = %q, want c2", p.Joined("g1"))
	}
}

func TestPresence_MuteChangeOnlyLogs(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl)
	ctx := context.Background()

	p.Update(ctx, join("alice", "c1"))
	muted := join("alice", "c1")
	muted.Mute = true
	p.Update(ctx, muted)

	if got := ctrl.Calls(); len(got) != 1 {
		t.Errorf("calls = %v, want only the join", got)
	}
}

func TestPresence_JoinFailureRetriesOnNextMember(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{connectErr: errors.New("missing permissions")}
	p := NewPresence(ctrl)
	ctx := context.Background()

	p.Update(ctx, join("alice", "c1"))
	if p.Joined("g1") != "" {
		t.Fatal("failed join must not be recorded")
	}
	ctrl.mu.Lock()
	ctrl.connectErr = nil
	ctrl.mu.Unlock()
	p.Update(ctx, join("bob", "c1"))
	if p.Joined("g1") != "c1" {
		t.Errorf("Joined = %q, want c1", p.Joined("g1"))
	}
}

func TestPresence_GuildFilter(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	p := NewPresence(ctrl, WithGuilds("g2"))

	p.Update(context.Background(), join("alice", "c1"))
	if len(ctrl.Calls()) != 0 {
		t.Errorf("filtered guild must be ignored, got %v", ctrl.Calls())
	}
}
