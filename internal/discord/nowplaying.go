package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/jukebridge/internal/session"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// Messenger is the subset of [discordgo.Session] used to post and edit
// channel messages.
type Messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Messenger = (*discordgo.Session)(nil)

// PlaybackSource looks up what a guild's session is playing.
type PlaybackSource interface {
	Playback(guildID string) (session.Info, session.Playback, error)
	Stats(guildID string) (pipeline.Stats, error)
}

// NowPlaying keeps one now-playing message per session up to date in the
// session's text channel and posts a notice when the session ends.
type NowPlaying struct {
	msg    Messenger
	source PlaybackSource
	log    *slog.Logger

	mu     sync.Mutex
	guilds map[string]*posted
}

// posted tracks the message shown for one session.
type posted struct {
	sessionID string
	channelID string
	messageID string
	key       renderKey
}

// renderKey is the part of the playback that changes the message. Position
// is left out so progress ticks alone do not trigger edits.
type renderKey struct {
	trackID string
	playing bool
	state   string
}

// NewNowPlaying creates a NowPlaying. A nil logger uses slog.Default.
func NewNowPlaying(msg Messenger, source PlaybackSource, log *slog.Logger) *NowPlaying {
	if log == nil {
		log = slog.Default()
	}
	return &NowPlaying{
		msg:    msg,
		source: source,
		log:    log,
		guilds: make(map[string]*posted),
	}
}

// Run consumes events until the channel closes or ctx ends.
func (n *NowPlaying) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Handle(ev)
		}
	}
}

// Handle applies one event.
func (n *NowPlaying) Handle(ev session.Event) {
	switch e := ev.(type) {
	case session.TrackChanged:
		n.refresh(e.GuildID, e.SessionID)
	case session.PlaybackStateChanged:
		n.refresh(e.GuildID, e.SessionID)
	case session.SessionEnded:
		n.ended(e)
	}
}

func (n *NowPlaying) refresh(guildID, sessionID string) {
	info, pb, err := n.source.Playback(guildID)
	if err != nil || info.ID != sessionID || info.TextChannelID == "" {
		return
	}
	var stats *pipeline.Stats
	if st, err := n.source.Stats(guildID); err == nil {
		stats = &st
	}
	key := renderKey{trackID: pb.Track.ID, playing: pb.Playing, state: statusLine(pb)}

	n.mu.Lock()
	p := n.guilds[guildID]
	if p != nil && p.sessionID == sessionID && p.key == key {
		n.mu.Unlock()
		return
	}
	if p == nil || p.sessionID != sessionID {
		p = &posted{sessionID: sessionID, channelID: info.TextChannelID}
		n.guilds[guildID] = p
	}
	p.key = key
	messageID := p.messageID
	n.mu.Unlock()

	embed := NowPlayingEmbed(info, pb, stats)
	buttons := PlayerButtons(pb.Playing)

	if messageID != "" {
		edit := discordgo.NewMessageEdit(info.TextChannelID, messageID)
		edit.Embeds = &[]*discordgo.MessageEmbed{embed}
		edit.Components = &buttons
		if _, err := n.msg.ChannelMessageEditComplex(edit); err != nil {
			n.log.Warn("discord: failed to update now-playing message", "guild_id", guildID, "err", err)
		}
		return
	}

	m, err := n.msg.ChannelMessageSendComplex(info.TextChannelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: buttons,
	})
	if err != nil {
		n.log.Warn("discord: failed to post now-playing message", "guild_id", guildID, "err", err)
		n.mu.Lock()
		// Retry the post on the next event.
		if cur := n.guilds[guildID]; cur == p {
			p.key = renderKey{}
		}
		n.mu.Unlock()
		return
	}
	n.mu.Lock()
	p.messageID = m.ID
	n.mu.Unlock()
}

func (n *NowPlaying) ended(ev session.SessionEnded) {
	n.mu.Lock()
	p := n.guilds[ev.GuildID]
	if p != nil && p.sessionID == ev.SessionID {
		delete(n.guilds, ev.GuildID)
	} else {
		p = nil
	}
	n.mu.Unlock()

	if p != nil && p.messageID != "" {
		edit := discordgo.NewMessageEdit(p.channelID, p.messageID)
		edit.Embeds = &[]*discordgo.MessageEmbed{EndedEmbed(ev)}
		edit.Components = &[]discordgo.MessageComponent{}
		if _, err := n.msg.ChannelMessageEditComplex(edit); err != nil {
			n.log.Warn("discord: failed to close now-playing message", "guild_id", ev.GuildID, "err", err)
		}
	}

	notice := EndNotice(ev.Reason)
	if notice == "" || ev.Reason == session.ReasonShutdown || ev.TextChannelID == "" {
		return
	}
	if _, err := n.msg.ChannelMessageSend(ev.TextChannelID, notice); err != nil {
		n.log.Warn("discord: failed to post session notice", "guild_id", ev.GuildID, "reason", ev.Reason.String(), "err", err)
	}
}
