// Package connect implements the upstream side of a session: a client that
// registers as a remote-controllable playback device with the streaming
// service's access points, authenticates with a linked account and receives
// track metadata and audio.
//
// A [Client] moves through the states Disconnected → Connecting →
// Authenticated → Streaming. A dropped stream moves it to Reconnecting, where
// it retries against a freshly selected access point according to its
// [retry.Schedule]. [AuthError]s are permanent and move the client straight
// to Failed; an exhausted schedule does the same with [ReasonNetwork].
//
// Stop is cooperative: it cancels the worker and returns at once. Anything
// the worker produces after Stop is discarded.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/retry"
	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/google/uuid"
)

// Client defaults.
const (
	DefaultCredentialTimeout = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultDeviceName        = "jukebridge"
)

var (
	// ErrStopped is returned by operations on a stopped client.
	ErrStopped = errors.New("connect: client stopped")

	// ErrInvalidState is returned when an operation is not allowed in the
	// client's current state.
	ErrInvalidState = errors.New("connect: invalid state")
)

// Credentials identifies whose linked account the client plays for.
type Credentials struct {
	UserID string
}

// Selector picks access points. *APSelector implements it.
type Selector interface {
	Select(ctx context.Context, exclude ...string) (string, error)
	MarkFailed(ap string)
	MarkHealthy(ap string)
}

// Handler receives client output. Every callback runs on the client's worker
// goroutine in the order the events happened and must not block. Nil
// callbacks are skipped.
type Handler struct {
	OnStatus   func(Status)
	OnTrack    func(seq uint64, track TrackMetadata)
	OnPlayback func(PlaybackState)
	OnAudio    func(seq uint64, frame audio.AudioFrame)
}

// DeviceNamer looks up a user's own device name. It is implemented by the
// credential stores.
type DeviceNamer interface {
	DeviceName(ctx context.Context, userID string) (string, error)
}

// Config configures a [Client].
type Config struct {
	Selector    Selector
	Transport   Transport
	Credentials credentials.Manager

	// CredentialTimeout bounds each credential manager call.
	CredentialTimeout time.Duration

	// HandshakeTimeout bounds dial plus authentication.
	HandshakeTimeout time.Duration

	Retry retry.Policy

	// DeviceName is shown in the remote-control app when the owner has not
	// picked one through DeviceNames.
	DeviceName  string
	DeviceNames DeviceNamer
	DeviceID    string

	// OnHandshake, if set, is told the outcome of every handshake attempt.
	// ap is empty when no access point could be selected.
	OnHandshake func(ap string, d time.Duration, err error)

	Logger *slog.Logger
}

// Client is one upstream connection. It is single use: once stopped or
// failed it cannot be restarted. All methods are safe for concurrent use.
type Client struct {
	cfg   Config
	h     Handler
	sched *retry.Schedule
	log   *slog.Logger

	mu      sync.Mutex
	status  Status
	creds   Credentials
	device  string
	conn    Conn
	ap      string
	stopped bool
	cancel  context.CancelFunc

	trackSeq   atomic.Uint64
	awaitTrack atomic.Bool

	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Client in [StateDisconnected].
func New(cfg Config, h Handler) *Client {
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = DefaultCredentialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		h:      h,
		sched:  retry.NewSchedule(cfg.Retry),
		log:    log,
		status: Status{State: StateDisconnected},
		done:   make(chan struct{}),
	}
}

// Done is closed when the streaming worker exits, or at Stop when no worker
// was ever started.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) finish() { c.doneOnce.Do(func() { close(c.done) }) }

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TrackSeq returns the sequence number of the current track.
func (c *Client) TrackSeq() uint64 { return c.trackSeq.Load() }

// transition moves to st unless the client has been stopped, and notifies
// the handler. It reports whether the transition happened.
func (c *Client) transition(st Status) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	changed := c.status.State != st.State || c.status.Reason != st.Reason
	c.status = st
	c.mu.Unlock()
	if changed && c.h.OnStatus != nil {
		c.h.OnStatus(st)
	}
	return true
}

// live reports whether results may still be delivered.
func (c *Client) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped
}

// Connect selects an access point, fetches a token and authenticates.
// Transient failures are retried under the retry schedule while the client
// reports [StateReconnecting]; an [AuthError] or an exhausted schedule
// moves it to [StateFailed] and is returned.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.status.State != StateDisconnected:
		st := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, st)
	}
	c.creds = creds
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	c.mu.Unlock()

	c.transition(Status{State: StateConnecting})
	c.resolveDeviceName(ctx)

	conn, ap, err := c.establish(ctx, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cancel = nil
	if c.stopped {
		c.mu.Unlock()
		go closeQuietly(conn)
		return ErrStopped
	}
	c.conn, c.ap = conn, ap
	c.mu.Unlock()

	c.transition(Status{State: StateAuthenticated})
	return nil
}

// establish runs handshake attempts until one succeeds, a permanent error
// occurs, the schedule runs out or ctx ends. failedAP is avoided on the
// first attempt.
func (c *Client) establish(ctx context.Context, failedAP string) (Conn, string, error) {
	for {
		conn, ap, err := c.handshake(ctx, failedAP)
		if err == nil {
			return conn, ap, nil
		}
		if ctx.Err() != nil || !c.live() {
			return nil, "", errors.Join(ErrStopped, err)
		}
		if IsPermanent(err) {
			c.log.Warn("connect: authentication rejected", "user_id", c.creds.UserID, "err", err)
			c.transition(Status{State: StateFailed, Reason: ReasonAuth, Err: err})
			return nil, "", err
		}
		if ap != "" {
			failedAP = ap
		}

		delay, serr := c.sched.Next()
		if serr != nil {
			ne := &NetworkError{Op: "reconnect", Err: errors.Join(serr, err)}
			c.log.Error("connect: giving up", "attempts", c.sched.Attempt(), "err", err)
			c.transition(Status{State: StateFailed, Reason: ReasonNetwork, Err: ne})
			return nil, "", ne
		}
		c.log.Warn("connect: attempt failed, retrying",
			"attempt", c.sched.Attempt(),
			"delay", delay,
			"access_point", ap,
			"err", err,
		)
		c.transition(Status{State: StateReconnecting})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", errors.Join(ErrStopped, ctx.Err())
		case <-timer.C:
		}
		if !c.live() {
			return nil, "", ErrStopped
		}
		c.transition(Status{State: StateConnecting})
	}
}

// handshake performs one attempt: select, fetch token, dial, authenticate.
// The returned access point is set whenever one was chosen.
func (c *Client) handshake(ctx context.Context, avoid string) (Conn, string, error) {
	start := time.Now()
	conn, ap, err := c.attempt(ctx, avoid)
	if c.cfg.OnHandshake != nil {
		c.cfg.OnHandshake(ap, time.Since(start), err)
	}
	return conn, ap, err
}

func (c *Client) attempt(ctx context.Context, avoid string) (Conn, string, error) {
	var exclude []string
	if avoid != "" {
		exclude = []string{avoid}
	}
	ap, err := c.cfg.Selector.Select(ctx, exclude...)
	if err != nil {
		return nil, "", Classify("select", err)
	}

	tok, err := c.token(ctx)
	if err != nil {
		return nil, ap, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.cfg.Transport.Dial(hctx, ap)
	if err != nil {
		c.cfg.Selector.MarkFailed(ap)
		return nil, ap, &NetworkError{Op: "dial", AP: ap, Err: err}
	}

	refreshed := false
	for {
		err = c.authenticate(hctx, conn, tok)
		var ae *AuthError
		if err == nil {
			c.cfg.Selector.MarkHealthy(ap)
			return conn, ap, nil
		}
		if errors.As(err, &ae) && ae.Kind == AuthBadCredentials && !refreshed && tok.RefreshToken != "" {
			refreshed = true
			if tok, err = c.refresh(ctx, tok); err == nil {
				continue
			}
		}
		go closeQuietly(conn)
		if !IsPermanent(err) {
			c.cfg.Selector.MarkFailed(ap)
		}
		return nil, ap, Classify("authenticate", err)
	}
}

// resolveDeviceName picks the name announced for the rest of the client's
// life. A failed lookup falls back to the configured name.
func (c *Client) resolveDeviceName(ctx context.Context) {
	name := c.cfg.DeviceName
	if c.cfg.DeviceNames != nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.CredentialTimeout)
		own, err := c.cfg.DeviceNames.DeviceName(dctx, c.creds.UserID)
		cancel()
		switch {
		case err != nil:
			c.log.Warn("connect: device name lookup failed, using default", "user_id", c.creds.UserID, "err", err)
		case own != "":
			name = own
		}
	}
	c.mu.Lock()
	c.device = name
	c.mu.Unlock()
}

func (c *Client) deviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == "" {
		return c.cfg.DeviceName
	}
	return c.device
}

// token fetches credentials under the credential timeout. A timeout is a
// network error.
func (c *Client) token(ctx context.Context) (credentials.Token, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.CredentialTimeout)
	defer cancel()
	tok, err := c.cfg.Credentials.GetToken(tctx, c.creds.UserID)
	if err != nil {
		return credentials.Token{}, Classify("credentials", err)
	}
	return tok, nil
}

func (c *Client) refresh(ctx context.Context, tok credentials.Token) (credentials.Token, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.CredentialTimeout)
	defer cancel()
	fresh, err := c.cfg.Credentials.Refresh(rctx, tok)
	if err != nil {
		return credentials.Token{}, Classify("refresh", err)
	}
	return fresh, nil
}

func (c *Client) authenticate(ctx context.Context, conn Conn, tok credentials.Token) error {
	err := conn.Write(ctx, Message{
		Type:       MsgAuth,
		Token:      tok.AccessToken,
		DeviceID:   c.cfg.DeviceID,
		DeviceName: c.deviceName(),
	})
	if err != nil {
		return &NetworkError{Op: "auth write", Err: err}
	}
	for {
		in, err := conn.Read(ctx)
		if err != nil {
			return &NetworkError{Op: "auth read", Err: err}
		}
		if in.Message == nil {
			continue
		}
		switch in.Message.Type {
		case MsgAuthOK:
			c.log.Debug("connect: authenticated", "username", in.Message.Username)
			return nil
		case MsgAuthFailed:
			return authFailure(in.Message)
		case MsgPing:
			_ = conn.Write(ctx, Message{Type: MsgPong})
		case MsgError:
			return &NetworkError{Op: "auth", Err: errors.New(in.Message.Message)}
		}
	}
}

func authFailure(m *Message) *AuthError {
	kind := AuthBadCredentials
	if m.Code == AuthPremiumRequired.String() {
		kind = AuthPremiumRequired
	}
	var err error
	if m.Message != "" {
		err = errors.New(m.Message)
	}
	return &AuthError{Kind: kind, Err: err}
}

// StartStream asks the access point to start streaming and launches the
// worker that delivers tracks and audio. The worker outlives ctx; only
// [Client.Stop] ends it.
func (c *Client) StartStream(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.status.State != StateAuthenticated || c.conn == nil:
		st := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: start stream from %s", ErrInvalidState, st)
	}
	conn, ap := c.conn, c.ap
	wctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	if err := conn.Write(ctx, Message{Type: MsgStreamStart}); err != nil {
		// Treat like a drop: the worker reconnects.
		c.log.Warn("connect: stream start failed", "access_point", ap, "err", err)
		go closeQuietly(conn)
		c.cfg.Selector.MarkFailed(ap)
		go c.run(wctx, nil, ap)
		return nil
	}
	c.sched.Reset()
	c.transition(Status{State: StateStreaming})
	go c.run(wctx, conn, ap)
	return nil
}

// run is the worker: it reads until the stream drops, then reconnects.
func (c *Client) run(ctx context.Context, conn Conn, ap string) {
	defer c.finish()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("connect: worker panic: %v", r)
			c.log.Error("connect: worker panic", "panic", r)
			c.transition(Status{State: StateFailed, Reason: ReasonInternal, Err: err})
		}
	}()

	dec := newDecoders()
	for {
		if conn != nil {
			err := c.read(ctx, conn, dec)
			go closeQuietly(conn)
			if ctx.Err() != nil || !c.live() {
				return
			}
			if IsPermanent(err) {
				c.log.Warn("connect: stream rejected", "access_point", ap, "err", err)
				c.transition(Status{State: StateFailed, Reason: ReasonAuth, Err: err})
				return
			}
			c.log.Warn("connect: stream dropped", "access_point", ap, "err", err)
			c.cfg.Selector.MarkFailed(ap)
		}

		c.transition(Status{State: StateReconnecting})
		next, nextAP, err := c.reestablish(ctx, ap)
		if err != nil {
			return
		}
		conn, ap = next, nextAP
		dec = newDecoders()
	}
}

// reestablish backs off, connects to a different access point and restarts
// the stream. On success the retry schedule is reset.
func (c *Client) reestablish(ctx context.Context, failedAP string) (Conn, string, error) {
	for {
		delay, err := c.sched.Next()
		if err != nil {
			ne := &NetworkError{Op: "reconnect", AP: failedAP, Err: err}
			c.log.Error("connect: reconnect attempts exhausted", "attempts", c.sched.Attempt())
			c.transition(Status{State: StateFailed, Reason: ReasonNetwork, Err: ne})
			return nil, "", ne
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", ctx.Err()
		case <-timer.C:
		}

		conn, ap, err := c.handshake(ctx, failedAP)
		if err != nil {
			if ctx.Err() != nil || !c.live() {
				return nil, "", ErrStopped
			}
			if IsPermanent(err) {
				c.transition(Status{State: StateFailed, Reason: ReasonAuth, Err: err})
				return nil, "", err
			}
			c.log.Warn("connect: reconnect attempt failed", "attempt", c.sched.Attempt(), "access_point", ap, "err", err)
			if ap != "" {
				failedAP = ap
			}
			continue
		}

		if err := conn.Write(ctx, Message{Type: MsgStreamStart}); err != nil {
			go closeQuietly(conn)
			c.cfg.Selector.MarkFailed(ap)
			failedAP = ap
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			go closeQuietly(conn)
			return nil, "", ErrStopped
		}
		c.conn, c.ap = conn, ap
		c.mu.Unlock()

		c.sched.Reset()
		c.awaitTrack.Store(false)
		c.log.Info("connect: stream re-established", "access_point", ap)
		c.transition(Status{State: StateStreaming})
		return conn, ap, nil
	}
}

// read delivers frames from conn until it fails.
func (c *Client) read(ctx context.Context, conn Conn, dec *decoders) error {
	for {
		in, err := conn.Read(ctx)
		if err != nil {
			return Classify("read", err)
		}
		if !c.live() {
			return ErrStopped
		}

		if p := in.Audio; p != nil {
			if c.awaitTrack.Load() || c.h.OnAudio == nil {
				continue
			}
			frame, derr := dec.decode(p)
			if derr != nil {
				if errors.Is(derr, ErrProtocol) {
					return &NetworkError{Op: "decode", Err: derr}
				}
				c.log.Debug("connect: dropping undecodable audio", "err", derr)
				continue
			}
			c.h.OnAudio(c.trackSeq.Load(), frame)
			continue
		}

		m := in.Message
		if m == nil {
			continue
		}
		switch m.Type {
		case MsgTrack:
			if m.Track == nil {
				return &NetworkError{Op: "read", Err: fmt.Errorf("%w: track message without track", ErrProtocol)}
			}
			seq := c.trackSeq.Add(1)
			c.awaitTrack.Store(false)
			if c.h.OnTrack != nil {
				c.h.OnTrack(seq, m.Track.Metadata())
			}
		case MsgPlayback:
			if m.Playback != nil && c.h.OnPlayback != nil {
				c.h.OnPlayback(m.Playback.State())
			}
		case MsgPing:
			if err := conn.Write(ctx, Message{Type: MsgPong}); err != nil {
				return Classify("pong", err)
			}
		case MsgAuthFailed:
			return authFailure(m)
		case MsgError:
			return &NetworkError{Op: "stream", Err: errors.New(m.Message)}
		}
	}
}

// command sends a remote-control action while streaming.
func (c *Client) command(ctx context.Context, action string) error {
	c.mu.Lock()
	conn, st := c.conn, c.status
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if st.State != StateStreaming || conn == nil {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, action, st)
	}
	if err := conn.Write(ctx, Message{Type: MsgCommand, Action: action}); err != nil {
		return Classify(action, err)
	}
	return nil
}

// Pause asks the remote player to pause.
func (c *Client) Pause(ctx context.Context) error { return c.command(ctx, ActionPause) }

// Resume asks the remote player to resume.
func (c *Client) Resume(ctx context.Context) error { return c.command(ctx, ActionResume) }

// Next skips to the next track. Audio still in flight for the skipped track
// is dropped until the next track announcement arrives.
func (c *Client) Next(ctx context.Context) error {
	c.awaitTrack.Store(true)
	if err := c.command(ctx, ActionNext); err != nil {
		c.awaitTrack.Store(false)
		return err
	}
	return nil
}

// Stop ends the client. It never waits for the worker: the worker's
// context is cancelled, the connection is closed in the background and any
// later result is discarded. Stop emits a final [StateDisconnected] status
// and is idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	conn, cancel, started := c.conn, c.cancel, c.started
	c.stopped = true
	c.conn = nil
	c.status = Status{State: StateDisconnected}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go closeQuietly(conn)
	}
	if !started {
		c.finish()
	}
	if c.h.OnStatus != nil {
		c.h.OnStatus(Status{State: StateDisconnected})
	}
}

func closeQuietly(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
