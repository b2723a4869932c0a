// Package commands implements Discord slash command handlers for jukebridge.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/discord"
	"github.com/MrWong99/jukebridge/internal/observe"
	"github.com/MrWong99/jukebridge/internal/session"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// defaultTimeout bounds a command's call into the session layer. Join waits
// for voice and the first handshake, so it gets longer.
const (
	defaultTimeout = 10 * time.Second
	joinTimeout    = 30 * time.Second
)

// Sessions is the session layer as seen by the commands. It is implemented by
// *session.Registry.
type Sessions interface {
	Join(ctx context.Context, guildID string, req session.JoinRequest) error
	Pause(ctx context.Context, guildID string) error
	Resume(ctx context.Context, guildID string) error
	Skip(ctx context.Context, guildID string) error
	Disconnect(ctx context.Context, guildID string) error
	Playback(guildID string) (session.Info, session.Playback, error)
	Stats(guildID string) (pipeline.Stats, error)
}

var _ Sessions = (*session.Registry)(nil)

// VoiceStates looks up where a user is connected. It is implemented by
// *discord.Bot.
type VoiceStates interface {
	VoiceState(guildID, userID string) (*discordgo.VoiceState, error)
}

// PlayerCommands holds the dependencies for the playback slash commands and
// the now-playing buttons.
type PlayerCommands struct {
	sessions   Sessions
	voice      VoiceStates
	perms      *discord.PermissionChecker
	metrics    *observe.Metrics
	deviceName string
	names      DeviceNamer
}

// PlayerOption configures PlayerCommands.
type PlayerOption func(*PlayerCommands)

// WithMetrics records command outcomes on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) PlayerOption {
	return func(pc *PlayerCommands) { pc.metrics = m }
}

// WithDeviceName sets the device name users are told to pick in their app
// when they have not chosen their own.
func WithDeviceName(name string) PlayerOption {
	return func(pc *PlayerCommands) { pc.deviceName = name }
}

// WithDeviceNames looks up the name each user picked with /rename.
func WithDeviceNames(n DeviceNamer) PlayerOption {
	return func(pc *PlayerCommands) { pc.names = n }
}

// NewPlayerCommands creates PlayerCommands.
func NewPlayerCommands(sessions Sessions, voice VoiceStates, perms *discord.PermissionChecker, opts ...PlayerOption) *PlayerCommands {
	pc := &PlayerCommands{
		sessions:   sessions,
		voice:      voice,
		perms:      perms,
		deviceName: "jukebridge",
	}
	for _, o := range opts {
		o(pc)
	}
	if pc.metrics == nil {
		pc.metrics = observe.DefaultMetrics()
	}
	return pc
}

// Register registers the player commands and buttons with the router.
func (pc *PlayerCommands) Register(router *discord.CommandRouter) {
	for _, def := range pc.Definitions() {
		router.RegisterCommand(def.Name, def, pc.handlerFor(def.Name))
	}
	router.RegisterComponentPrefix(discord.PlayerButtonPrefix, pc.handleButton)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (pc *PlayerCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: "join", Description: "Bring the bot into your voice channel and play from your account"},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "skip", Description: "Skip to the next track"},
		{Name: "disconnect", Description: "Stop playing and leave the voice channel"},
		{Name: "playing", Description: "Show what is playing"},
	}
}

func (pc *PlayerCommands) handlerFor(name string) discord.HandlerFunc {
	switch name {
	case "join":
		return pc.handleJoin
	case "pause":
		return pc.control("pause", pc.sessions.Pause, "Paused.")
	case "resume":
		return pc.control("resume", pc.sessions.Resume, "Resumed.")
	case "skip":
		return pc.control("skip", pc.sessions.Skip, "Skipped.")
	case "disconnect":
		return pc.handleDisconnect
	case "playing":
		return pc.handlePlaying
	}
	return nil
}

// run executes fn under a span and records the outcome.
func (pc *PlayerCommands) run(i *discordgo.InteractionCreate, command string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "discord.command."+command,
		trace.WithAttributes(
			attribute.String("guild_id", i.GuildID),
			attribute.String("user_id", discord.UserID(i)),
		),
	)

	err := fn(ctx)
	defer observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Info("discord: command failed", "command", command, "guild_id", i.GuildID, "err", err)
	}
	pc.metrics.RecordCommand(ctx, command, err)
	return err
}

// handleJoin handles /join.
func (pc *PlayerCommands) handleJoin(s discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(s, i, "This command only works in a server.")
		return
	}
	userID := discord.UserID(i)
	vs, err := pc.voice.VoiceState(i.GuildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to use `/join`.")
		return
	}

	// Connecting voice and the first handshake can take a few seconds.
	discord.DeferReply(s, i)

	err = pc.run(i, "join", joinTimeout, func(ctx context.Context) error {
		return pc.sessions.Join(ctx, i.GuildID, session.JoinRequest{
			ChannelID:     vs.ChannelID,
			TextChannelID: i.ChannelID,
			UserID:        userID,
		})
	})
	if err != nil {
		discord.FollowUpEphemeral(s, i, ErrorMessage(err))
		return
	}
	discord.FollowUp(s, i, fmt.Sprintf(
		"Joined <#%s>. Open your player app and pick **%s** as the device to start listening.",
		vs.ChannelID, escapeMarkdown(pc.deviceNameFor(userID)),
	))
}

func (pc *PlayerCommands) deviceNameFor(userID string) string {
	if pc.names == nil {
		return pc.deviceName
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	name, err := pc.names.DeviceName(ctx, userID)
	if err != nil || name == "" {
		return pc.deviceName
	}
	return name
}

// control returns a handler that applies a playback command.
func (pc *PlayerCommands) control(command string, fn func(ctx context.Context, guildID string) error, ok string) discord.HandlerFunc {
	return func(s discord.Responder, i *discordgo.InteractionCreate) {
		err := pc.run(i, command, defaultTimeout, func(ctx context.Context) error {
			return fn(ctx, i.GuildID)
		})
		if err != nil {
			discord.RespondEphemeral(s, i, ErrorMessage(err))
			return
		}
		discord.Respond(s, i, ok)
	}
}

// handleDisconnect handles /disconnect. Only the session owner or an admin
// may end a session.
func (pc *PlayerCommands) handleDisconnect(s discord.Responder, i *discordgo.InteractionCreate) {
	info, _, err := pc.sessions.Playback(i.GuildID)
	if err != nil {
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}
	if !pc.perms.CanControl(i, info.OwnerID) {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Only <@%s> or an admin can stop this session.", info.OwnerID))
		return
	}
	err = pc.run(i, "disconnect", defaultTimeout, func(ctx context.Context) error {
		return pc.sessions.Disconnect(ctx, i.GuildID)
	})
	if err != nil {
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}
	discord.Respond(s, i, "Disconnected. Thanks for listening!")
}

// handlePlaying handles /playing.
func (pc *PlayerCommands) handlePlaying(s discord.Responder, i *discordgo.InteractionCreate) {
	info, pb, err := pc.sessions.Playback(i.GuildID)
	if err != nil {
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}
	var stats *pipeline.Stats
	if st, err := pc.sessions.Stats(i.GuildID); err == nil {
		stats = &st
	}
	discord.RespondEmbed(s, i, discord.NowPlayingEmbed(info, pb, stats), discord.PlayerButtons(pb.Playing)...)
}

// handleButton handles the now-playing message buttons.
func (pc *PlayerCommands) handleButton(s discord.Responder, i *discordgo.InteractionCreate) {
	switch i.MessageComponentData().CustomID {
	case discord.ButtonPause:
		pc.control("pause", pc.sessions.Pause, "Paused.")(s, i)
	case discord.ButtonResume:
		pc.control("resume", pc.sessions.Resume, "Resumed.")(s, i)
	case discord.ButtonSkip:
		pc.control("skip", pc.sessions.Skip, "Skipped.")(s, i)
	case discord.ButtonStop:
		pc.handleDisconnect(s, i)
	default:
		discord.RespondEphemeral(s, i, "Unknown button.")
	}
}

// ErrorMessage turns a session error into a message for the user.
func ErrorMessage(err error) string {
	var authErr *connect.AuthError
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return "Nothing is playing in this server. Use `/join` to start."
	case errors.Is(err, credentials.ErrNotLinked):
		return "You have not linked an account yet. Use `/link` first."
	case errors.As(err, &authErr) && authErr.Kind == connect.AuthPremiumRequired:
		return "Your account cannot stream here. A premium account is required."
	case errors.Is(err, session.ErrAuthFailed):
		return "Your linked account was rejected. Use `/link` to link it again."
	case errors.Is(err, session.ErrShuttingDown):
		return "The bot is restarting. Try again in a moment."
	case errors.Is(err, session.ErrOwnerBusy):
		return "You already have a session running in another server. `/disconnect` it first."
	case errors.Is(err, session.ErrGuildBusy):
		return "I'm already playing in this server. Ask the current listener or an admin to `/disconnect`."
	case errors.Is(err, session.ErrBusy):
		return "The player is reconnecting. Try again in a moment."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
