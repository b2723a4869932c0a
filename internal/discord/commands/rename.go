package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/discord"
)

// DeviceNamer looks up the device name a user picked.
type DeviceNamer interface {
	DeviceName(ctx context.Context, userID string) (string, error)
}

// Renamer stores device names. It is implemented by the credential stores.
type Renamer interface {
	DeviceNamer
	SetDeviceName(ctx context.Context, userID, name string) error
}

var _ Renamer = (credentials.Profiles)(nil)

// ProfileCommands holds the dependencies for /rename.
type ProfileCommands struct {
	profiles Renamer
}

// NewProfileCommands creates ProfileCommands.
func NewProfileCommands(profiles Renamer) *ProfileCommands {
	return &ProfileCommands{profiles: profiles}
}

// Register registers /rename with the router.
func (pc *ProfileCommands) Register(router *discord.CommandRouter) {
	defs := pc.Definitions()
	router.RegisterCommand("rename", defs[0], pc.handleRename)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (pc *ProfileCommands) Definitions() []*discordgo.ApplicationCommand {
	minLength := 1
	return []*discordgo.ApplicationCommand{
		{
			Name:        "rename",
			Description: "Set the device name shown in your player app",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "The new device name",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   credentials.MaxDeviceNameLength,
				},
			},
		},
	}
}

// handleRename handles /rename. The name applies from the user's next /join.
func (pc *ProfileCommands) handleRename(s discord.Responder, i *discordgo.InteractionCreate) {
	userID := discord.UserID(i)
	var name string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "name" {
			name = opt.StringValue()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := pc.profiles.SetDeviceName(ctx, userID, name); err != nil {
		if errors.Is(err, credentials.ErrInvalidDeviceName) {
			discord.RespondEphemeral(s, i, fmt.Sprintf(
				"Device names must be 1 to %d characters long.", credentials.MaxDeviceNameLength))
			return
		}
		slog.Warn("discord: rename failed", "user_id", userID, "err", err)
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}

	name = strings.TrimSpace(name)
	discord.RespondEphemeral(s, i, fmt.Sprintf(
		"Your device is now called **%s**. It shows up under that name from your next `/join`.",
		escapeMarkdown(name),
	))
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "~", `\~`, "`", "\\`", "|", `\|`, ">", `\>`,
)

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }
