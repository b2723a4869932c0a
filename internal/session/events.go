package session

import (
	"time"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// Event is a session lifecycle notification. The set of implementations is
// closed: [TrackChanged], [PlaybackStateChanged] and [SessionEnded].
// Consumers switch on the concrete type.
type Event interface {
	// Guild returns the guild the event belongs to.
	Guild() string
	event()
}

// TrackChanged is published when the upstream player moves to a new track.
// It is published before the first frame of that track reaches the sink.
type TrackChanged struct {
	GuildID   string
	SessionID string
	Track     connect.TrackMetadata
	At        time.Time
}

// PlaybackStateChanged is published on every connect state change and on
// every play/pause/seek update from the upstream player. Listeners must
// tolerate repeats of the same state.
type PlaybackStateChanged struct {
	GuildID   string
	SessionID string
	Status    connect.Status
	Playing   bool
	Position  time.Duration
	At        time.Time
}

// SessionEnded is published exactly once per session, after teardown.
type SessionEnded struct {
	GuildID       string
	SessionID     string
	TextChannelID string
	OwnerID       string
	Reason        EndReason
	Err           error
	Duration      time.Duration
	At            time.Time

	// Audio is the final pipeline counters of the session.
	Audio pipeline.Stats
}

func (e TrackChanged) Guild() string         { return e.GuildID }
func (e PlaybackStateChanged) Guild() string { return e.GuildID }
func (e SessionEnded) Guild() string         { return e.GuildID }

func (TrackChanged) event()         {}
func (PlaybackStateChanged) event() {}
func (SessionEnded) event()         {}

// EndReason says why a session ended.
type EndReason int

const (
	ReasonUserDisconnect EndReason = iota
	ReasonAuthFailed
	ReasonIdle
	ReasonInternalError
	ReasonNetworkExhausted
	ReasonShutdown
	ReasonVoiceDisconnected
)

// String returns the snake_case reason, as used in logs and metric labels.
func (r EndReason) String() string {
	switch r {
	case ReasonUserDisconnect:
		return "user_disconnect"
	case ReasonAuthFailed:
		return "auth_failed"
	case ReasonIdle:
		return "idle"
	case ReasonInternalError:
		return "internal_error"
	case ReasonNetworkExhausted:
		return "network_exhausted"
	case ReasonShutdown:
		return "shutdown"
	case ReasonVoiceDisconnected:
		return "voice_disconnected"
	default:
		return "unknown"
	}
}

// reasonForStatus maps a failed connect status to an end reason.
func reasonForStatus(st connect.Status) EndReason {
	switch st.Reason {
	case connect.ReasonAuth:
		return ReasonAuthFailed
	case connect.ReasonNetwork:
		return ReasonNetworkExhausted
	default:
		return ReasonInternalError
	}
}
