package discord

import (
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

type route struct {
	def     *discordgo.ApplicationCommand
	handler HandlerFunc
}

type prefixRoute struct {
	prefix  string
	handler HandlerFunc
}

// CommandRouter dispatches slash commands and message components.
//
// Commands are keyed "name" or "name/subcommand". Components match their
// custom_id exactly first, then the longest registered prefix. A panicking
// handler is recovered and answered with a generic failure.
type CommandRouter struct {
	mu       sync.RWMutex
	commands map[string]route
	exact    map[string]HandlerFunc
	prefixes []prefixRoute // longest first
}

// NewCommandRouter returns an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands: make(map[string]route),
		exact:    make(map[string]HandlerFunc),
	}
}

// RegisterCommand routes key to handler and publishes def when commands are
// synced with Discord.
func (r *CommandRouter) RegisterCommand(key string, def *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = route{def: def, handler: handler}
}

// RegisterHandler routes key to handler without a definition, for
// subcommands of an already registered command.
func (r *CommandRouter) RegisterHandler(key string, handler HandlerFunc) {
	r.RegisterCommand(key, nil, handler)
}

// RegisterComponent routes the component with customID to handler.
func (r *CommandRouter) RegisterComponent(customID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[customID] = handler
}

// RegisterComponentPrefix routes every component whose custom_id starts with
// prefix. Registering the same prefix again replaces its handler.
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prefixes = slices.DeleteFunc(r.prefixes, func(p prefixRoute) bool { return p.prefix == prefix })
	r.prefixes = append(r.prefixes, prefixRoute{prefix: prefix, handler: handler})
	slices.SortStableFunc(r.prefixes, func(a, b prefixRoute) int { return len(b.prefix) - len(a.prefix) })
}

// ApplicationCommands returns each published command definition once,
// sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*discordgo.ApplicationCommand)
	for _, rt := range r.commands {
		if rt.def != nil {
			byName[rt.def.Name] = rt.def
		}
	}
	out := make([]*discordgo.ApplicationCommand, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out
}

// Handle dispatches i. It is the discordgo InteractionCreate handler.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	var (
		h    HandlerFunc
		kind string
		key  string
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		kind, key = "command", commandKey(i.ApplicationCommandData())
		h = r.command(key)
	case discordgo.InteractionMessageComponent:
		kind, key = "component", i.MessageComponentData().CustomID
		h = r.component(key)
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	if h == nil {
		slog.Warn("discord: no route", "kind", kind, "key", key)
		RespondEphemeral(s, i, "Unknown "+kind+".")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("discord: handler panicked", "kind", kind, "key", key, "panic", p, "stack", string(debug.Stack()))
			RespondEphemeral(s, i, "Something went wrong. Please try again.")
		}
	}()
	h(s, i)
}

func commandKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}

func (r *CommandRouter) command(key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[key].handler
}

func (r *CommandRouter) component(customID string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.exact[customID]; ok {
		return h
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(customID, p.prefix) {
			return p.handler
		}
	}
	return nil
}
