// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges the
// pull-based [audio.Source] of a session to Discord's Opus transport.
//
// The platform shares the bot's *discordgo.Session. Each call to
// [Platform.Connect] joins the voice channel deafened (the bridge never
// listens) and returns a [Connection] whose send loop runs at the 20 ms
// Opus cadence.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a Discord Platform on top of an open bot session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins channelID in guildID and returns an active [audio.Connection].
// ctx is checked before joining; discordgo bounds the join handshake itself.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, guildID), nil
}
