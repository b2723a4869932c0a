// Package audio defines the voice-call side of the bridge: the PCM frame type
// flowing through a session and the interfaces a voice platform implements to
// play it.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] plays frames pulled from a [Source] at real-time cadence
//     and reports participant changes and driver disconnects.
//
// Platform adapters live in sub-packages (e.g. audio/discord). The sink is
// pull based: a Connection asks its Source for exactly one frame every
// [FrameDuration] and the Source must answer immediately.
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
type Event struct {
	Type     EventType
	UserID   string
	Username string
}

// Source produces output frames on demand.
//
// Pull must never block. When no audio is ready it returns [Silence].
type Source interface {
	Pull() AudioFrame
}

// SourceFunc adapts a plain function to [Source].
type SourceFunc func() AudioFrame

// Pull calls f.
func (f SourceFunc) Pull() AudioFrame { return f() }

// Connection represents an active presence in a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Play starts (or replaces) the source the connection pulls from. A nil
	// source stops playback without leaving the channel.
	Play(src Source)

	// OnParticipantChange registers cb for participant join/leave events.
	// Subsequent calls replace the previous registration. cb runs on an
	// internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Done is closed when the connection ends, either through Disconnect or
	// because the platform dropped the bot from the channel.
	Done() <-chan struct{}

	// Disconnect leaves the channel. Safe to call more than once; later
	// calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID. ctx bounds the join only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
