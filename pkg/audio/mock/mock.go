// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{ConnectResult: conn}
//	got, _ := platform.Connect(ctx, "guild-1", "channel-42")
//	frames, stop := got.Subscribe("user-1")
//	conn.Feed("user-1", frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicescribe/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection]. Frames are
// delivered to subscribers with [Connection.Feed]; speaking events with
// [Connection.EmitSpeaking].
type Connection struct {
	mu sync.Mutex

	// BufferSize is the capacity of each subscription channel. Zero means 64.
	BufferSize int

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// SubscribeCalls records the userID of every Subscribe call in order.
	SubscribeCalls []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	subs     map[string]chan []byte
	speaking func(audio.SpeakingEvent)
	closed   bool
}

// NewConnection returns a ready-to-use Connection.
func NewConnection() *Connection {
	return &Connection{subs: make(map[string]chan []byte)}
}

// Subscribe implements [audio.Connection].
func (c *Connection) Subscribe(userID string) (<-chan []byte, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls = append(c.SubscribeCalls, userID)
	if c.subs == nil {
		c.subs = make(map[string]chan []byte)
	}
	size := c.BufferSize
	if size <= 0 {
		size = 64
	}
	ch := make(chan []byte, size)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	if old, ok := c.subs[userID]; ok {
		close(old)
	}
	c.subs[userID] = ch
	return ch, func() { c.unsubscribe(userID, ch) }
}

func (c *Connection) unsubscribe(userID string, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[userID]; ok && cur == ch {
		delete(c.subs, userID)
		close(ch)
	}
}

// Subscribed reports whether userID currently has an open subscription.
func (c *Connection) Subscribed(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[userID]
	return ok
}

// Feed delivers frame to the subscriber for userID. It reports false when
// there is no subscriber. Feed blocks while the subscriber's buffer is full.
func (c *Connection) Feed(userID string, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[userID]
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// OnSpeaking implements [audio.Connection].
func (c *Connection) OnSpeaking(cb func(audio.SpeakingEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = cb
}

// EmitSpeaking synchronously invokes the registered speaking callback, if any.
func (c *Connection) EmitSpeaking(ev audio.SpeakingEvent) {
	c.mu.Lock()
	cb := c.speaking
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Disconnect implements [audio.Connection]. Every open subscription is closed.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.closed {
		c.closed = true
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
	}
	return c.DisconnectError
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
