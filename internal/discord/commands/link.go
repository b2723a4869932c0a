package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/discord"
)

// Linker stores and removes account credentials. It is implemented by
// *credentials.TokenManager.
type Linker interface {
	Refresh(ctx context.Context, tok credentials.Token) (credentials.Token, error)
	Unlink(ctx context.Context, userID string) error
}

var _ Linker = (*credentials.TokenManager)(nil)

// LinkCommands holds the dependencies for /link and /unlink.
type LinkCommands struct {
	linker Linker
}

// NewLinkCommands creates LinkCommands.
func NewLinkCommands(linker Linker) *LinkCommands {
	return &LinkCommands{linker: linker}
}

// Register registers /link and /unlink with the router.
func (lc *LinkCommands) Register(router *discord.CommandRouter) {
	defs := lc.Definitions()
	router.RegisterCommand("link", defs[0], lc.handleLink)
	router.RegisterCommand("unlink", defs[1], lc.handleUnlink)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (lc *LinkCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "link",
			Description: "Link your music account so the bot can play from it",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "refresh_token",
					Description: "Refresh token from the account authorization page",
					Required:    true,
				},
			},
		},
		{Name: "unlink", Description: "Forget your linked music account"},
	}
}

// handleLink handles /link. The refresh token is exchanged right away so a
// bad token is reported now rather than on the next /join.
func (lc *LinkCommands) handleLink(s discord.Responder, i *discordgo.InteractionCreate) {
	userID := discord.UserID(i)
	var refresh string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "refresh_token" {
			refresh = opt.StringValue()
		}
	}
	if refresh == "" {
		discord.RespondEphemeral(s, i, "Please provide a refresh token.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	tok, err := lc.linker.Refresh(ctx, credentials.Token{UserID: userID, RefreshToken: refresh})
	if err != nil {
		var te *credentials.TokenError
		if errors.As(err, &te) {
			discord.RespondEphemeral(s, i, "That token was rejected. Generate a new one and try again.")
			return
		}
		slog.Warn("discord: link failed", "user_id", userID, "err", err)
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}

	msg := "Account linked. Use `/join` in a voice channel to start listening."
	if tok.Username != "" {
		msg = fmt.Sprintf("Linked as **%s**. Use `/join` in a voice channel to start listening.", tok.Username)
	}
	discord.RespondEphemeral(s, i, msg)
}

// handleUnlink handles /unlink.
func (lc *LinkCommands) handleUnlink(s discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	userID := discord.UserID(i)
	if err := lc.linker.Unlink(ctx, userID); err != nil && !errors.Is(err, credentials.ErrNotLinked) {
		slog.Warn("discord: unlink failed", "user_id", userID, "err", err)
		discord.RespondEphemeral(s, i, ErrorMessage(err))
		return
	}
	discord.RespondEphemeral(s, i, "Your account is no longer linked.")
}
