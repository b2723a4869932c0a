// Package discord provides the Discord bot layer for jukebridge. It owns
// the discordgo.Session lifecycle, routes slash command and button
// interactions to registered handlers, and keeps the now-playing messages
// current.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/jukebridge/pkg/audio"
	discordaudio "github.com/MrWong99/jukebridge/pkg/audio/discord"
)

// ErrNotReady is returned by [Bot.Ready] before the gateway handshake
// completes.
var ErrNotReady = errors.New("discord: gateway not ready")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildIDs restricts command registration to these guilds. Empty
	// registers the commands globally.
	GuildIDs []string

	// AdminRoleID may stop any session in addition to Manage Channels.
	AdminRoleID string
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	guildIDs  []string
	commands  map[string][]*discordgo.ApplicationCommand // guild → registered
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.AdminRoleID),
		guildIDs: cfg.GuildIDs,
		commands: make(map[string][]*discordgo.ApplicationCommand),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Session returns the underlying discordgo session. Used by subsystems
// that need direct Discord API access (e.g., now-playing messages).
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// VoiceState returns the cached voice state of userID in guildID.
func (b *Bot) VoiceState(guildID, userID string) (*discordgo.VoiceState, error) {
	return b.Session().State.VoiceState(guildID, userID)
}

// Ready reports whether the gateway session is up. It is used as a
// readiness check.
func (b *Bot) Ready() error {
	s := b.Session()
	if s == nil || !s.DataReady {
		return ErrNotReady
	}
	return nil
}

// targets returns the guilds to register commands in. "" is global.
func (b *Bot) targets() []string {
	if len(b.guildIDs) == 0 {
		return []string{""}
	}
	return b.guildIDs
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		for _, guildID := range b.targets() {
			registered, err := b.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
			if err != nil {
				return fmt.Errorf("discord: register commands in %q: %w", guildID, err)
			}
			b.mu.Lock()
			b.commands[guildID] = registered
			b.mu.Unlock()
			slog.Info("discord commands registered", "guild_id", guildID, "count", len(registered))
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord. Guild-scoped commands are unregistered;
// global ones are left in place since they take a while to propagate.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && b.session.State.User != nil {
			appID := b.session.State.User.ID
			for guildID, cmds := range b.commands {
				if guildID == "" {
					continue
				}
				for _, cmd := range cmds {
					if err := b.session.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
						slog.Warn("discord: failed to delete command", "name", cmd.Name, "guild_id", guildID, "err", err)
					}
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
