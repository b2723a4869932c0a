// Package mock provides Discord test doubles that record what the bot sent.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// CallKind says how an interaction was answered.
type CallKind int

const (
	Replied CallKind = iota
	Deferred
	FollowedUp
)

// Call is one answer sent through [Responder].
type Call struct {
	Kind       CallKind
	Content    string
	Ephemeral  bool
	Embeds     []*discordgo.MessageEmbed
	Components []discordgo.MessageComponent
}

// Responder implements the interaction-answering part of a discordgo
// session. Err, when set, fails every call after recording it.
type Responder struct {
	Err error

	mu    sync.Mutex
	calls []Call
}

func (r *Responder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *Responder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	c := Call{Kind: Replied}
	if resp.Type == discordgo.InteractionResponseDeferredChannelMessageWithSource {
		c.Kind = Deferred
	}
	if d := resp.Data; d != nil {
		c.Content = d.Content
		c.Ephemeral = d.Flags&discordgo.MessageFlagsEphemeral != 0
		c.Embeds = d.Embeds
		c.Components = d.Components
	}
	return r.record(c)
}

func (r *Responder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, p *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	err := r.record(Call{
		Kind:       FollowedUp,
		Content:    p.Content,
		Ephemeral:  p.Flags&discordgo.MessageFlagsEphemeral != 0,
		Embeds:     p.Embeds,
		Components: p.Components,
	})
	if err != nil {
		return nil, err
	}
	return &discordgo.Message{ID: "followup", Content: p.Content}, nil
}

// Calls returns a copy of every recorded answer in order.
func (r *Responder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Last returns the most recent answer.
func (r *Responder) Last() (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return Call{}, false
	}
	return r.calls[len(r.calls)-1], true
}
