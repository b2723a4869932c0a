package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Responder is the part of [discordgo.Session] used to answer interactions.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// Reply is the content of an interaction answer.
type Reply struct {
	Content    string
	Embeds     []*discordgo.MessageEmbed
	Components []discordgo.MessageComponent

	// Ephemeral replies are only shown to the invoking user.
	Ephemeral bool
}

func (r Reply) flags() discordgo.MessageFlags {
	if r.Ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

// Send answers i with r. Failures are logged; there is nobody to return
// them to.
func Send(s Responder, i *discordgo.InteractionCreate, r Reply) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:    r.Content,
			Embeds:     r.Embeds,
			Components: r.Components,
			Flags:      r.flags(),
		},
	})
	if err != nil {
		slog.Warn("discord: reply failed", "interaction_id", i.ID, "err", err)
	}
}

// SendFollowUp posts r after [DeferReply].
func SendFollowUp(s Responder, i *discordgo.InteractionCreate, r Reply) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content:    r.Content,
		Embeds:     r.Embeds,
		Components: r.Components,
		Flags:      r.flags(),
	})
	if err != nil {
		slog.Warn("discord: follow-up failed", "interaction_id", i.ID, "err", err)
	}
}

// DeferReply acknowledges i so the handler gets up to 15 minutes to follow up
// instead of 3 seconds.
func DeferReply(s Responder, i *discordgo.InteractionCreate) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		slog.Warn("discord: defer failed", "interaction_id", i.ID, "err", err)
	}
}

func Respond(s Responder, i *discordgo.InteractionCreate, content string) {
	Send(s, i, Reply{Content: content})
}

func RespondEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	Send(s, i, Reply{Content: content, Ephemeral: true})
}

func RespondEmbed(s Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, components ...discordgo.MessageComponent) {
	Send(s, i, Reply{Embeds: []*discordgo.MessageEmbed{embed}, Components: components})
}

func FollowUp(s Responder, i *discordgo.InteractionCreate, content string) {
	SendFollowUp(s, i, Reply{Content: content})
}

func FollowUpEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	SendFollowUp(s, i, Reply{Content: content, Ephemeral: true})
}

// UserID returns the invoking user in guilds (Member) and DMs (User).
func UserID(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	}
	return ""
}
