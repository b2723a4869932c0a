package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned by Join once ShutdownAll has begun.
var ErrShuttingDown = errors.New("session: registry shutting down")

// JoinRequest is a request to start or take over a guild's session.
type JoinRequest struct {
	// ChannelID is the voice channel to play in.
	ChannelID string

	// TextChannelID is where session notices are posted.
	TextChannelID string

	// UserID is the Discord user whose linked account is played.
	UserID string
}

// Registry maps guilds to their [Controller]. A guild has at most one
// session and a user owns at most one. The registry lock covers map access
// only; it is never held across network I/O or audio work.
//
// Registry is safe for concurrent use.
type Registry struct {
	events *Broadcaster
	log    *slog.Logger

	mu      sync.Mutex
	base    Config
	byGuild map[string]*Controller
	byOwner map[string]string
	closed  bool
}

// NewRegistry creates a Registry. base is the template for every
// controller; its per-guild fields, Events and OnEnd are filled in by the
// registry.
func NewRegistry(base Config) *Registry {
	log := base.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		events:  NewBroadcaster(),
		log:     log,
		base:    base,
		byGuild: make(map[string]*Controller),
		byOwner: make(map[string]string),
	}
}

// Subscribe returns an event stream covering every guild.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.Subscribe(buffer)
}

// SetIdleTimeout changes the idle timeout used for sessions created from now
// on.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.mu.Lock()
	r.base.IdleTimeout = d
	r.mu.Unlock()
}

// Join starts a session in guildID for req.UserID. If the guild already has a
// session whose player was shut down after its owner left, req.UserID takes
// it over instead.
//
// Join fails with [ErrBusy] when the guild is already playing or the user
// owns a session elsewhere, and with [ErrAuthFailed] when the user's account
// is rejected.
func (r *Registry) Join(ctx context.Context, guildID string, req JoinRequest) error {
	creds := connect.Credentials{UserID: req.UserID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if g, ok := r.byOwner[req.UserID]; ok && g != guildID {
		if other := r.byGuild[g]; other != nil && other.Active() && other.Info().OwnerID == req.UserID {
			r.mu.Unlock()
			return ErrOwnerBusy
		}
	}
	if c, ok := r.byGuild[guildID]; ok {
		r.mu.Unlock()
		if !c.Vacant() {
			return ErrGuildBusy
		}
		if err := c.Reactivate(ctx, creds); err != nil {
			return err
		}
		r.mu.Lock()
		r.byOwner[req.UserID] = guildID
		r.mu.Unlock()
		return nil
	}

	cfg := r.base
	cfg.GuildID = guildID
	cfg.ChannelID = req.ChannelID
	cfg.TextChannelID = req.TextChannelID
	cfg.Events = r.events
	cfg.OnEnd = r.remove
	c := NewController(cfg)
	r.byGuild[guildID] = c
	r.byOwner[req.UserID] = guildID
	r.mu.Unlock()

	r.log.Info("session: created", "guild_id", guildID, "session_id", c.ID(), "owner_id", req.UserID)
	return c.Start(ctx, creds)
}

// remove drops c from the maps if it is still the guild's controller.
func (r *Registry) remove(c *Controller, ev SessionEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byGuild[ev.GuildID] != c {
		return
	}
	delete(r.byGuild, ev.GuildID)
	for user, g := range r.byOwner {
		if g == ev.GuildID {
			delete(r.byOwner, user)
		}
	}
}

// Get returns the guild's controller.
func (r *Registry) Get(guildID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byGuild[guildID]
	return c, ok
}

func (r *Registry) lookup(guildID string) (*Controller, error) {
	c, ok := r.Get(guildID)
	if !ok {
		return nil, ErrNoActiveSession
	}
	return c, nil
}

// Pause pauses the guild's player.
func (r *Registry) Pause(ctx context.Context, guildID string) error {
	c, err := r.lookup(guildID)
	if err != nil {
		return err
	}
	return c.Pause(ctx)
}

// Resume resumes the guild's player.
func (r *Registry) Resume(ctx context.Context, guildID string) error {
	c, err := r.lookup(guildID)
	if err != nil {
		return err
	}
	return c.Resume(ctx)
}

// Skip skips the guild's current track.
func (r *Registry) Skip(ctx context.Context, guildID string) error {
	c, err := r.lookup(guildID)
	if err != nil {
		return err
	}
	return c.Skip(ctx)
}

// Disconnect ends the guild's session. It returns [ErrNoActiveSession] when
// there is none; callers that only need the session gone can ignore that.
func (r *Registry) Disconnect(ctx context.Context, guildID string) error {
	c, err := r.lookup(guildID)
	if err != nil {
		return err
	}
	return c.Disconnect(ctx)
}

// Playback returns the guild's session identity and what it is playing.
func (r *Registry) Playback(guildID string) (Info, Playback, error) {
	c, err := r.lookup(guildID)
	if err != nil {
		return Info{}, Playback{}, err
	}
	return c.Info(), c.Playback(), nil
}

// Stats returns the guild's audio pipeline counters.
func (r *Registry) Stats(guildID string) (pipeline.Stats, error) {
	c, err := r.lookup(guildID)
	if err != nil {
		return pipeline.Stats{}, err
	}
	return c.PipelineStats(), nil
}

// Sessions lists the live sessions.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	cs := make([]*Controller, 0, len(r.byGuild))
	for _, c := range r.byGuild {
		cs = append(cs, c)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Info())
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byGuild)
}

// ShutdownAll ends every session with [ReasonShutdown] and refuses new ones.
// It returns when all sessions have torn down or ctx ends, whichever is
// first. The registry-wide event stream is closed once every session ended.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cs := make([]*Controller, 0, len(r.byGuild))
	for _, c := range r.byGuild {
		cs = append(cs, c)
	}
	r.mu.Unlock()

	r.log.Info("session: shutting down all sessions", "count", len(cs))

	var g errgroup.Group
	for _, c := range cs {
		g.Go(func() error {
			c.Shutdown()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		r.events.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}
