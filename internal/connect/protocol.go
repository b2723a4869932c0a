package connect

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Control message types. Text frames carry one JSON [Message]; binary frames
// carry one [AudioPacket].
const (
	MsgAuth        = "auth"         // client → AP
	MsgAuthOK      = "auth_ok"      // AP → client
	MsgAuthFailed  = "auth_failed"  // AP → client
	MsgStreamStart = "stream_start" // client → AP
	MsgCommand     = "command"      // client → AP
	MsgTrack       = "track"        // AP → client
	MsgPlayback    = "playback"     // AP → client
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgError       = "error" // AP → client, fatal for the connection
)

// Remote-control actions carried by [MsgCommand].
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionNext   = "next"
)

// Message is a JSON control frame.
type Message struct {
	Type string `json:"type"`

	// auth
	Token      string `json:"token,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	// auth_ok / auth_failed / error
	Username string `json:"username,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`

	// command
	Action string `json:"action,omitempty"`

	// track / playback
	Track    *WireTrack    `json:"track,omitempty"`
	Playback *WirePlayback `json:"playback,omitempty"`
}

// WireTrack is the JSON form of [TrackMetadata].
type WireTrack struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Artists    []string `json:"artists"`
	Album      string   `json:"album,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	CoverURL   string   `json:"cover_url,omitempty"`
	URL        string   `json:"url,omitempty"`
	Episode    bool     `json:"episode,omitempty"`
	Show       string   `json:"show,omitempty"`
}

// WirePlayback is the JSON form of [PlaybackState].
type WirePlayback struct {
	Playing    bool  `json:"playing"`
	PositionMS int64 `json:"position_ms"`
}

// TrackMetadata describes the track now playing. Values are immutable
// snapshots; a track change replaces the whole value.
type TrackMetadata struct {
	ID       string
	Title    string
	Artists  []string
	Album    string
	Duration time.Duration
	CoverURL string
	URL      string
	Episode  bool
	Show     string
}

// PlaybackState is the remote player's play/pause state and position.
type PlaybackState struct {
	Playing  bool
	Position time.Duration
}

// Metadata converts the wire form, removing duplicate artist names while
// keeping their order.
func (w *WireTrack) Metadata() TrackMetadata {
	seen := make(map[string]struct{}, len(w.Artists))
	artists := make([]string, 0, len(w.Artists))
	for _, a := range w.Artists {
		if _, dup := seen[a]; dup || a == "" {
			continue
		}
		seen[a] = struct{}{}
		artists = append(artists, a)
	}
	return TrackMetadata{
		ID:       w.ID,
		Title:    w.Title,
		Artists:  artists,
		Album:    w.Album,
		Duration: time.Duration(w.DurationMS) * time.Millisecond,
		CoverURL: w.CoverURL,
		URL:      w.URL,
		Episode:  w.Episode,
		Show:     w.Show,
	}
}

// State converts the wire form.
func (w *WirePlayback) State() PlaybackState {
	return PlaybackState{Playing: w.Playing, Position: time.Duration(w.PositionMS) * time.Millisecond}
}

// Codec identifies the encoding of an [AudioPacket] payload.
type Codec uint8

const (
	CodecPCM16 Codec = iota // little-endian int16 interleaved
	CodecOpus
)

func (c Codec) String() string {
	switch c {
	case CodecPCM16:
		return "pcm16"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

const (
	audioVersion    = 1
	audioHeaderSize = 8
)

// AudioPacket is a binary audio frame:
//
//	byte 0     version (1)
//	byte 1     codec
//	byte 2     channels
//	byte 3     reserved
//	bytes 4-7  sample rate, big endian
//	bytes 8-   payload
type AudioPacket struct {
	Codec      Codec
	Channels   int
	SampleRate int
	Payload    []byte
}

// MarshalBinary encodes p.
func (p AudioPacket) MarshalBinary() ([]byte, error) {
	b := make([]byte, audioHeaderSize+len(p.Payload))
	b[0] = audioVersion
	b[1] = byte(p.Codec)
	b[2] = byte(p.Channels)
	binary.BigEndian.PutUint32(b[4:8], uint32(p.SampleRate))
	copy(b[audioHeaderSize:], p.Payload)
	return b, nil
}

// UnmarshalBinary decodes b into p. The payload aliases b.
func (p *AudioPacket) UnmarshalBinary(b []byte) error {
	if len(b) < audioHeaderSize {
		return fmt.Errorf("%w: audio packet of %d bytes", ErrProtocol, len(b))
	}
	if b[0] != audioVersion {
		return fmt.Errorf("%w: audio packet version %d", ErrProtocol, b[0])
	}
	p.Codec = Codec(b[1])
	p.Channels = int(b[2])
	p.SampleRate = int(binary.BigEndian.Uint32(b[4:8]))
	p.Payload = b[audioHeaderSize:]
	return nil
}

// Inbound is one frame read from an access point: exactly one field is set.
type Inbound struct {
	Message *Message
	Audio   *AudioPacket
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: message without type", ErrProtocol)
	}
	return &m, nil
}
