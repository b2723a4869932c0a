// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "guild-1", "channel-42")
//	conn.PullN(5) // drive the playing source as a sink would
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jukebridge/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountOnParticipantChange records how many times OnParticipantChange was called.
	CallCountOnParticipantChange int

	source   audio.Source
	callback func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection returns a ready-to-use mock connection.
func NewConnection() *Connection {
	return &Connection{done: make(chan struct{})}
}

// Play implements [audio.Connection].
func (c *Connection) Play(src audio.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountPlay++
	c.source = src
}

// Source returns the most recent source passed to Play.
func (c *Connection) Source() audio.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// PullN pulls n frames from the current source as a sink would. Returns nil
// when nothing is playing.
func (c *Connection) PullN(n int) []audio.AudioFrame {
	src := c.Source()
	if src == nil {
		return nil
	}
	out := make([]audio.AudioFrame, 0, n)
	for range n {
		out = append(out, src.Pull())
	}
	return out
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.callback = cb
}

// EmitEvent invokes the registered participant callback synchronously.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Drop simulates the platform removing the bot from the channel.
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	err := c.DisconnectError
	c.mu.Unlock()
	c.Drop()
	return err
}

// Disconnects returns CallCountDisconnect under the lock.
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

	// ConnectResult is the [audio.Connection] returned by Connect. When nil a
	// fresh [Connection] is created per call.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// Connections records every connection handed out.
	Connections []*Connection
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	c := NewConnection()
	p.Connections = append(p.Connections, c)
	return c, nil
}

// Last returns the most recently created connection, or nil.
func (p *Platform) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Connections) == 0 {
		return nil
	}
	return p.Connections[len(p.Connections)-1]
}
