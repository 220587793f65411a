package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming packets are demuxed by SSRC; the
// SSRC to user mapping is learnt from voice speaking updates.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	queueSize int
	onDrop    func(guildID, userID string)

	mu       sync.Mutex
	subs     map[string]*audio.Queue[[]byte] // keyed by user ID
	ssrcUser map[uint32]string

	speakingCb func(audio.SpeakingEvent)
	speakingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, guildID string, queueSize int, onDrop func(string, string)) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		queueSize:    queueSize,
		onDrop:       onDrop,
		subs:         make(map[string]*audio.Queue[[]byte]),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: func() error { return vc.Disconnect() },
	}
	vc.AddHandler(c.handleSpeakingUpdate)
	go c.recvLoop()
	return c
}

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string) (<-chan []byte, func()) {
	q := audio.NewQueue[[]byte](c.queueSize, audio.PolicyDropOldest)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		q.Close()
		return q.C(), func() {}
	default:
	}
	if old, ok := c.subs[userID]; ok {
		old.Close()
	}
	c.subs[userID] = q
	c.mu.Unlock()

	return q.C(), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.subs[userID]; ok && cur == q {
			delete(c.subs, userID)
			q.Close()
		}
	}
}

// OnSpeaking implements [audio.Connection].
func (c *Connection) OnSpeaking(cb func(audio.SpeakingEvent)) {
	c.speakingMu.Lock()
	defer c.speakingMu.Unlock()
	c.speakingCb = cb
}

// Disconnect cleanly tears down the voice connection and closes every
// subscription. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		for id, q := range c.subs {
			q.Close()
			delete(c.subs, id)
		}
		c.mu.Unlock()

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection and forwards
// each payload to the subscriber of the packet's speaker. Packets from
// unmapped SSRCs or unsubscribed speakers are discarded.
func (c *Connection) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			c.deliver(pkt.SSRC, pkt.Opus)
		}
	}
}

func (c *Connection) deliver(ssrc uint32, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userID, ok := c.ssrcUser[ssrc]
	if !ok {
		return
	}
	q, ok := c.subs[userID]
	if !ok {
		return
	}
	before := q.Dropped()
	q.Push(context.Background(), payload)
	if q.Dropped() != before && c.onDrop != nil {
		c.onDrop(c.guildID, userID)
	}
}

// handleSpeakingUpdate records the SSRC of a speaker and forwards the event.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	if vs.SSRC != 0 {
		c.mu.Lock()
		c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
		c.mu.Unlock()
	}
	slog.Debug("discord: speaking update", "guild_id", c.guildID, "user_id", vs.UserID, "ssrc", vs.SSRC, "speaking", vs.Speaking)
	c.emitSpeaking(audio.SpeakingEvent{UserID: vs.UserID, Speaking: vs.Speaking})
}

// emitSpeaking safely invokes the registered speaking callback.
func (c *Connection) emitSpeaking(ev audio.SpeakingEvent) {
	c.speakingMu.Lock()
	cb := c.speakingCb
	c.speakingMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
