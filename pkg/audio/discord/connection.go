package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// silenceTail is how many silent frames are still sent after audio stops,
// so the receiving clients' decoders fade out instead of clicking.
const silenceTail = 5

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. A single send loop ticks every 20 ms, pulls
// one frame from the playing [audio.Source], encodes it to Opus and queues
// it on OpusSend.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	botID   string

	srcMu  sync.Mutex
	source audio.Source

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC and speaking default to the voice connection's methods
	// and are overridden in tests.
	disconnectVC func() error
	speaking     func(bool) error

	tick time.Duration
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the send loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		speaking:     vc.Speaking,
		tick:         audio.FrameDuration,
	}
	if session.State != nil && session.State.User != nil {
		c.botID = session.State.User.ID
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)

	go c.sendLoop()
	return c
}

// Play implements [audio.Connection].
func (c *Connection) Play(src audio.Source) {
	c.srcMu.Lock()
	c.source = src
	c.srcMu.Unlock()
}

func (c *Connection) currentSource() audio.Source {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	return c.source
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect leaves the voice channel and stops the send loop. It is safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// dropped tears down local state after Discord removed the bot from the
// channel. The voice connection is already gone, so it is not closed again.
func (c *Connection) dropped() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
	})
}

// sendLoop pulls a frame every tick, encodes it and forwards it to Discord.
// Silent frames are forwarded only for a short tail after real audio, after
// which the bot stops "speaking" until audio returns.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "guild_id", c.guildID, "error", err)
		return
	}

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	speaking := false
	silentRun := silenceTail

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-ticker.C:
		}

		src := c.currentSource()
		if src == nil {
			continue
		}
		frame := src.Pull()

		if frame.Silent {
			if silentRun >= silenceTail {
				if speaking {
					c.setSpeaking(false)
					speaking = false
				}
				continue
			}
			silentRun++
		} else {
			silentRun = 0
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
		}

		if len(frame.Data) != audio.FrameBytes {
			slog.Warn("discord: dropping frame of unexpected size", "guild_id", c.guildID, "bytes", len(frame.Data))
			continue
		}

		packet, eErr := enc.encode(frame.Data)
		if eErr != nil {
			slog.Warn("discord: opus encode error", "guild_id", c.guildID, "error", eErr)
			continue
		}

		select {
		case c.vc.OpusSend <- packet:
		case <-c.done:
			return
		default:
			// Discord's sender is behind; keep cadence rather than block.
		}
	}
}

// handleVoiceStateUpdate turns Discord voice state changes for our channel
// into participant events and detects the bot being removed from the call.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID

	if c.botID != "" && vsu.UserID == c.botID {
		if vsu.ChannelID == "" {
			slog.Info("discord: bot removed from voice channel", "guild_id", c.guildID)
			c.dropped()
		}
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID
	joined := vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID)

	switch {
	case left:
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case joined:
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

func (c *Connection) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "guild_id", c.guildID, "speaking", b, "error", err)
	}
}

// emitEvent invokes the registered participant change callback on its own
// goroutine.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
