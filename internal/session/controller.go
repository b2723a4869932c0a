// Package session runs one guild's listening session: it owns the Connect
// client, the audio pipeline feeding the voice connection and the idle
// watchdog, routes commands into them and publishes lifecycle events.
//
// A [Controller] has a single teardown path. Explicit disconnects, auth
// failures, exhausted reconnects, idle timeouts, voice drops, shutdown and
// recovered panics all end up in the same place, which publishes exactly one
// [SessionEnded] and removes the controller from its [Registry].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
	"github.com/google/uuid"
)

// Controller defaults.
const (
	DefaultWatchdogInterval = time.Second
	DefaultStopGrace        = 2 * time.Second
)

// ConnectClient is the part of [connect.Client] the controller drives.
type ConnectClient interface {
	Connect(ctx context.Context, creds connect.Credentials) error
	StartStream(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Next(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Status() connect.Status
}

// Dialer creates a Connect client that reports to h.
type Dialer func(h connect.Handler) ConnectClient

// Config configures a [Controller].
type Config struct {
	GuildID       string
	ChannelID     string
	TextChannelID string

	Platform audio.Platform
	Dialer   Dialer
	Pipeline pipeline.Config

	// IdleTimeout defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// WatchdogInterval is how often the idle watchdog is checked.
	WatchdogInterval time.Duration

	// StopGrace bounds how long teardown waits for the Connect worker.
	StopGrace time.Duration

	// Events, if set, receives every event in addition to the controller's
	// own subscribers. It is never closed by the controller.
	Events *Broadcaster

	// OnEnd runs once, after teardown and before subscribers are closed.
	OnEnd func(*Controller, SessionEnded)

	Logger *slog.Logger
	Now    func() time.Time
}

// Info describes a session.
type Info struct {
	ID            string
	GuildID       string
	ChannelID     string
	TextChannelID string
	OwnerID       string
	CreatedAt     time.Time
}

// Playback is a snapshot of what a session is playing.
type Playback struct {
	Track    connect.TrackMetadata
	HasTrack bool
	Status   connect.Status
	Playing  bool
	Position time.Duration
	Active   bool
}

// Controller owns one guild's session. All methods are safe for concurrent
// use.
type Controller struct {
	cfg     Config
	id      string
	created time.Time
	log     *slog.Logger

	pipe   *pipeline.Pipeline
	dog    *Watchdog
	events *Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	started    bool
	ended      bool
	conn       audio.Connection
	client     ConnectClient
	gen        uint64
	owner      string
	track      connect.TrackMetadata
	hasTrack   bool
	status     connect.Status
	playback   connect.PlaybackState
	playbackAt time.Time

	// feedMu orders audio delivery against skips. While skipping is set,
	// audio is dropped until the next track announcement.
	feedMu   sync.Mutex
	skipping bool
}

// NewController creates a Controller. Nothing happens until Start.
func NewController(cfg Config) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	log := cfg.Logger.With("guild_id", cfg.GuildID, "session_id", id)
	pcfg := cfg.Pipeline
	if pcfg.Logger == nil {
		pcfg.Logger = log
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		id:      id,
		created: cfg.Now(),
		log:     log,
		pipe:    pipeline.New(pcfg),
		events:  NewBroadcaster(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  connect.Status{State: connect.StateDisconnected},
	}
	c.dog = NewWatchdog(cfg.IdleTimeout, func() { go c.end(ReasonIdle, nil) }, cfg.Now)
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// GuildID returns the guild the session plays in.
func (c *Controller) GuildID() string { return c.cfg.GuildID }

// Done is closed once teardown has finished.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe returns this session's event stream. See [Broadcaster.Subscribe].
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.Subscribe(buffer)
}

// Info returns the session's identity.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:            c.id,
		GuildID:       c.cfg.GuildID,
		ChannelID:     c.cfg.ChannelID,
		TextChannelID: c.cfg.TextChannelID,
		OwnerID:       c.owner,
		CreatedAt:     c.created,
	}
}

// Active reports whether the session has a running player.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ended && c.client != nil
}

// Vacant reports whether the session is still in its voice channel with no
// player, which is the case after the owner left.
func (c *Controller) Vacant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ended && c.conn != nil && c.client == nil
}

// Ended reports whether teardown has started.
func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Playback returns the current track and an estimate of the play position,
// extrapolated from the last upstream update while playing.
func (c *Controller) Playback() Playback {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.playback.Position
	if c.playback.Playing && !c.playbackAt.IsZero() {
		pos += c.cfg.Now().Sub(c.playbackAt)
	}
	if d := c.track.Duration; d > 0 && pos > d {
		pos = d
	}
	return Playback{
		Track:    c.track,
		HasTrack: c.hasTrack,
		Status:   c.status,
		Playing:  c.playback.Playing,
		Position: pos,
		Active:   !c.ended && c.client != nil,
	}
}

// PipelineStats returns the audio pipeline counters.
func (c *Controller) PipelineStats() pipeline.Stats { return c.pipe.Stats() }

// Start joins the voice channel, connects upstream for creds.UserID, who
// becomes the session owner, and starts streaming. A failure ends the
// session and is returned.
func (c *Controller) Start(ctx context.Context, creds connect.Credentials) (err error) {
	defer c.recoverInto(&err)

	c.mu.Lock()
	if c.started || c.ended {
		c.mu.Unlock()
		return ErrBusy
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.cfg.Platform.Connect(ctx, c.cfg.GuildID, c.cfg.ChannelID)
	if err != nil {
		c.end(ReasonVoiceDisconnected, err)
		return fmt.Errorf("session: join voice channel: %w", err)
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		_ = conn.Disconnect()
		return ErrNoActiveSession
	}
	c.conn = conn
	c.mu.Unlock()

	conn.OnParticipantChange(c.onParticipant)
	conn.Play(audio.SourceFunc(c.pull))
	go c.watchVoice(conn)
	go c.dog.Run(c.ctx, c.cfg.WatchdogInterval)

	c.log.Info("session: voice channel joined", "channel_id", c.cfg.ChannelID, "owner_id", creds.UserID)
	return c.activate(ctx, creds)
}

// Reactivate starts a new player for creds.UserID after the previous owner
// left. It fails with [ErrBusy] while a player is running.
func (c *Controller) Reactivate(ctx context.Context, creds connect.Credentials) (err error) {
	defer c.recoverInto(&err)

	c.mu.Lock()
	switch {
	case c.ended || c.conn == nil:
		c.mu.Unlock()
		return ErrNoActiveSession
	case c.client != nil:
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	c.log.Info("session: reactivating", "owner_id", creds.UserID)
	return c.activate(ctx, creds)
}

// activate creates a Connect client for creds and brings it to streaming.
func (c *Controller) activate(ctx context.Context, creds connect.Credentials) error {
	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return ErrNoActiveSession
	case c.client != nil:
		c.mu.Unlock()
		return ErrBusy
	}
	c.gen++
	gen := c.gen
	client := c.cfg.Dialer(c.handler(gen, c.pipe.Seq()))
	c.client = client
	c.owner = creds.UserID
	c.mu.Unlock()
	c.setSkipping(false)

	if err := client.Connect(ctx, creds); err != nil {
		return c.fail(ctx, gen, err)
	}
	if err := client.StartStream(ctx); err != nil {
		return c.fail(ctx, gen, err)
	}
	c.log.Info("session: streaming", "owner_id", creds.UserID)
	return nil
}

// fail ends the session after client gen could not be brought up. If that
// client was replaced meanwhile the session is left alone.
func (c *Controller) fail(ctx context.Context, gen uint64, err error) error {
	c.mu.Lock()
	replaced := !c.ended && c.gen != gen
	c.mu.Unlock()
	if replaced {
		return errors.Join(ErrNoActiveSession, err)
	}

	reason := ReasonNetworkExhausted
	switch {
	case connect.IsPermanent(err):
		reason = ReasonAuthFailed
	case ctx.Err() != nil:
		// The caller gave up on the join.
		reason = ReasonShutdown
	}
	c.end(reason, err)

	switch {
	case reason == ReasonAuthFailed:
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case errors.Is(err, connect.ErrStopped):
		return errors.Join(ErrNoActiveSession, err)
	default:
		return fmt.Errorf("session: connect: %w", err)
	}
}

// current reports whether gen is the live client generation.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ended && c.gen == gen
}

func (c *Controller) activeClient() (ConnectClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.client == nil {
		return nil, ErrNoActiveSession
	}
	return c.client, nil
}

// command runs a remote-control action. A player that is connecting or
// reconnecting reports [ErrBusy].
func (c *Controller) command(ctx context.Context, fn func(ConnectClient, context.Context) error) error {
	client, err := c.activeClient()
	if err != nil {
		return err
	}
	if err := fn(client, ctx); err != nil {
		if errors.Is(err, connect.ErrInvalidState) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		if errors.Is(err, connect.ErrStopped) {
			return ErrNoActiveSession
		}
		return fmt.Errorf("session: command: %w", err)
	}
	return nil
}

// Pause pauses the upstream player.
func (c *Controller) Pause(ctx context.Context) error {
	return c.command(ctx, ConnectClient.Pause)
}

// Resume resumes the upstream player.
func (c *Controller) Resume(ctx context.Context) error {
	return c.command(ctx, ConnectClient.Resume)
}

// Skip asks the upstream player for the next track and discards everything
// buffered for the current one. From the moment Skip is called until the
// next track is announced, incoming audio is dropped, so no frame of the
// skipped track is played once Skip returns. A player that is not streaming
// reports [ErrBusy] and keeps its buffer. If the upstream rejects the skip
// the buffer is kept too.
func (c *Controller) Skip(ctx context.Context) error {
	client, err := c.activeClient()
	if err != nil {
		return err
	}
	if st := client.Status(); st.State != connect.StateStreaming {
		return fmt.Errorf("%w: skip while %s", ErrBusy, st)
	}

	c.setSkipping(true)
	if err := c.command(ctx, ConnectClient.Next); err != nil {
		c.setSkipping(false)
		return err
	}

	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	// The next track may already have been announced while Next was in
	// flight; its audio stays.
	if c.skipping {
		c.pipe.Flush(c.pipe.Seq())
	}
	return nil
}

func (c *Controller) setSkipping(v bool) {
	c.feedMu.Lock()
	c.skipping = v
	c.feedMu.Unlock()
}

// Disconnect ends the session. It is idempotent and returns once teardown
// has finished.
func (c *Controller) Disconnect(context.Context) error {
	c.end(ReasonUserDisconnect, nil)
	return nil
}

// Shutdown ends the session because the process is stopping.
func (c *Controller) Shutdown() { c.end(ReasonShutdown, nil) }

// deactivate shuts the player down but keeps the voice connection, so
// another user can take over with Reactivate. The idle watchdog is armed.
func (c *Controller) deactivate() {
	c.mu.Lock()
	if c.ended || c.client == nil {
		c.mu.Unlock()
		return
	}
	client := c.client
	c.client = nil
	c.gen++
	c.status = connect.Status{State: connect.StateDisconnected}
	c.playback.Playing = false
	c.mu.Unlock()

	client.Stop()
	c.pipe.Flush(c.pipe.Seq())
	c.dog.Arm()
	c.log.Info("session: owner left, player stopped")
	c.publish(PlaybackStateChanged{
		GuildID:   c.cfg.GuildID,
		SessionID: c.id,
		Status:    connect.Status{State: connect.StateDisconnected},
		At:        c.cfg.Now(),
	})
}

// end is the single teardown path. The first caller tears down; later
// callers wait for it to finish.
func (c *Controller) end(reason EndReason, cause error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.ended = true
	client, conn := c.client, c.conn
	c.client = nil
	c.gen++
	owner := c.owner
	c.mu.Unlock()

	c.cancel()
	c.dog.Stop()

	if client != nil {
		client.Stop()
		timer := time.NewTimer(c.cfg.StopGrace)
		select {
		case <-client.Done():
		case <-timer.C:
			c.log.Warn("session: connect worker did not stop in time, abandoning it", "grace", c.cfg.StopGrace)
		}
		timer.Stop()
	}
	if conn != nil {
		conn.Play(nil)
		if err := conn.Disconnect(); err != nil {
			c.log.Warn("session: voice disconnect error", "err", err)
		}
	}
	c.pipe.Flush(c.pipe.Seq())

	now := c.cfg.Now()
	ev := SessionEnded{
		GuildID:       c.cfg.GuildID,
		SessionID:     c.id,
		TextChannelID: c.cfg.TextChannelID,
		OwnerID:       owner,
		Reason:        reason,
		Err:           cause,
		Duration:      now.Sub(c.created),
		At:            now,
		Audio:         c.pipe.Stats(),
	}
	if cause != nil {
		c.log.Warn("session: ended", "reason", reason, "err", cause)
	} else {
		c.log.Info("session: ended", "reason", reason)
	}
	c.publish(ev)
	if c.cfg.OnEnd != nil {
		c.cfg.OnEnd(c, ev)
	}
	c.events.Close()
	close(c.done)
}

func (c *Controller) publish(ev Event) {
	c.events.Publish(ev)
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(ev)
	}
}

// pull feeds the voice connection.
func (c *Controller) pull() audio.AudioFrame {
	f := c.pipe.Pull()
	if !f.Silent {
		c.dog.Activity()
	}
	return f
}

func (c *Controller) watchVoice(conn audio.Connection) {
	select {
	case <-conn.Done():
		c.end(ReasonVoiceDisconnected, nil)
	case <-c.ctx.Done():
	}
}

func (c *Controller) onParticipant(ev audio.Event) {
	c.guard("participant", func() {
		c.mu.Lock()
		owner := c.owner
		c.mu.Unlock()
		if ev.Type == audio.EventLeave && ev.UserID == owner {
			c.deactivate()
		}
	})
}

// handler wires a Connect client of generation gen into the controller.
// Upstream track numbers are offset by base so they keep increasing across
// player restarts.
func (c *Controller) handler(gen, base uint64) connect.Handler {
	return connect.Handler{
		OnStatus: func(st connect.Status) {
			c.guard("status", func() { c.onStatus(gen, st) })
		},
		OnTrack: func(seq uint64, tr connect.TrackMetadata) {
			c.guard("track", func() { c.onTrack(gen, base+seq, tr) })
		},
		OnPlayback: func(ps connect.PlaybackState) {
			c.guard("playback", func() { c.onPlayback(gen, ps) })
		},
		OnAudio: func(seq uint64, f audio.AudioFrame) {
			c.guard("audio", func() {
				if !c.current(gen) {
					return
				}
				c.feedMu.Lock()
				defer c.feedMu.Unlock()
				if !c.skipping {
					c.pipe.Push(f, base+seq)
				}
			})
		},
	}
}

func (c *Controller) onStatus(gen uint64, st connect.Status) {
	c.mu.Lock()
	if c.ended || c.gen != gen {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = st
	playing, pos := c.playback.Playing, c.playback.Position
	c.mu.Unlock()

	// A re-established stream starts clean; a skip sent on the dead
	// connection will never be answered with a track.
	if st.State == connect.StateStreaming && prev.State == connect.StateReconnecting {
		c.setSkipping(false)
	}

	c.log.Debug("session: connect state", "state", st)
	c.publish(PlaybackStateChanged{
		GuildID:   c.cfg.GuildID,
		SessionID: c.id,
		Status:    st,
		Playing:   playing,
		Position:  pos,
		At:        c.cfg.Now(),
	})
	if st.State == connect.StateFailed {
		go c.end(reasonForStatus(st), st.Err)
	}
}

func (c *Controller) onTrack(gen, seq uint64, tr connect.TrackMetadata) {
	if !c.current(gen) {
		return
	}
	c.feedMu.Lock()
	c.skipping = false
	c.pipe.Flush(seq)
	c.feedMu.Unlock()

	c.mu.Lock()
	c.track, c.hasTrack = tr, true
	c.playback.Position = 0
	c.playbackAt = c.cfg.Now()
	c.mu.Unlock()

	c.log.Info("session: track changed", "track_id", tr.ID, "title", tr.Title)
	c.publish(TrackChanged{GuildID: c.cfg.GuildID, SessionID: c.id, Track: tr, At: c.cfg.Now()})
}

func (c *Controller) onPlayback(gen uint64, ps connect.PlaybackState) {
	c.mu.Lock()
	if c.ended || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.playback = ps
	c.playbackAt = c.cfg.Now()
	st := c.status
	c.mu.Unlock()

	if ps.Playing {
		c.dog.Disarm()
	} else {
		c.dog.Arm()
	}
	c.publish(PlaybackStateChanged{
		GuildID:   c.cfg.GuildID,
		SessionID: c.id,
		Status:    st,
		Playing:   ps.Playing,
		Position:  ps.Position,
		At:        c.cfg.Now(),
	})
}

// guard runs fn and turns a panic into an internal-error teardown of this
// session only.
func (c *Controller) guard(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session: panic recovered", "in", where, "panic", r, "stack", string(debug.Stack()))
			go c.end(ReasonInternalError, fmt.Errorf("session: panic in %s: %v", where, r))
		}
	}()
	fn()
}

func (c *Controller) recoverInto(err *error) {
	if r := recover(); r != nil {
		c.log.Error("session: panic recovered", "in", "command", "panic", r, "stack", string(debug.Stack()))
		perr := fmt.Errorf("session: panic: %v", r)
		go c.end(ReasonInternalError, perr)
		*err = perr
	}
}
