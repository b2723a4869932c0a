// Package app wires the jukebridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run consumes session events until the context ends, and
// Shutdown ends every session and tears everything down in order.
//
// For testing, inject test doubles via functional options (WithPlatform,
// WithCredentialStore, WithTransport, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jukebridge/internal/config"
	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/health"
	"github.com/MrWong99/jukebridge/internal/observe"
	"github.com/MrWong99/jukebridge/internal/session"
	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// Listener consumes the registry-wide event stream. It returns when events
// is closed or ctx ends.
type Listener func(ctx context.Context, events <-chan session.Event)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	platform  audio.Platform
	store     credentials.Store
	profiles  credentials.Profiles
	refresher credentials.Refresher
	tokens    *credentials.TokenManager
	resolvers []connect.Resolver
	prober    connect.Prober
	selector  *connect.APSelector
	transport connect.Transport
	registry  *session.Registry
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	checks    []health.Checker
	listeners []Listener

	// consumers runs the event listeners started by Run.
	consumers errgroup.Group

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform sets the voice platform sessions connect through. Required.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithCredentialStore injects a credential store instead of creating one
// from config.
func WithCredentialStore(s credentials.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRefresher injects the refresh-token exchange instead of the OAuth one.
func WithRefresher(r credentials.Refresher) Option {
	return func(a *App) { a.refresher = r }
}

// WithTransport injects the Connect transport instead of the websocket one.
func WithTransport(t connect.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithResolvers replaces the access point resolvers built from config.
func WithResolvers(rs ...connect.Resolver) Option {
	return func(a *App) { a.resolvers = rs }
}

// WithProber replaces the TCP access point probe.
func WithProber(p connect.Prober) Option {
	return func(a *App) { a.prober = p }
}

// WithMetrics records metrics on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithListener adds a consumer of the session event stream, started by Run.
func WithListener(l Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, l) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.platform == nil {
		return nil, errors.New("app: a voice platform is required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Credentials ──────────────────────────────────────────────────
	if err := a.initCredentials(ctx); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 2. Access point selection ───────────────────────────────────────
	if err := a.initSelector(); err != nil {
		return nil, fmt.Errorf("app: init access points: %w", err)
	}

	// ── 3. Transport ────────────────────────────────────────────────────
	if a.transport == nil {
		scheme := "wss"
		if cfg.Connect.Insecure {
			scheme = "ws"
		}
		a.transport = &connect.WSTransport{Scheme: scheme}
	}

	// ── 4. Session registry ─────────────────────────────────────────────
	a.registry = session.NewRegistry(session.Config{
		Platform: a.platform,
		Dialer:   a.dial,
		Pipeline: pipeline.Config{
			MaxFrames:   cfg.Audio.JitterFrames,
			StartFrames: cfg.Audio.StartFrames,
		},
		IdleTimeout: cfg.Session.IdleTimeout,
		StopGrace:   cfg.Session.StopGrace,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCredentials sets up the token store and manager. With no DSN the
// tokens live in memory and are lost on restart.
func (a *App) initCredentials(ctx context.Context) error {
	cc := a.cfg.Credentials
	if a.store == nil {
		if cc.PostgresDSN == "" {
			slog.Warn("no credentials DSN configured, linked accounts are kept in memory only")
			a.store = credentials.NewMemoryStore()
		} else {
			pool, err := credentials.OpenPool(ctx, cc.PostgresDSN)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			a.checks = append(a.checks, health.DatabaseCheck("credentials_db", pool))

			pg := credentials.NewPostgresStore(pool)
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return err
			}
			a.store = pg
		}
	}
	if p, ok := a.store.(credentials.Profiles); ok {
		a.profiles = p
	} else {
		slog.Warn("credential store keeps no profiles, device names are kept in memory only")
		a.profiles = credentials.NewMemoryStore()
	}
	if a.refresher == nil && cc.ClientID != "" {
		a.refresher = credentials.NewOAuthRefresher(cc.ClientID, cc.ClientSecret, cc.TokenURL, nil)
	}
	a.tokens = credentials.NewTokenManager(a.store, a.refresher)
	return nil
}

// initSelector builds the access point selector shared by every session so
// a failing access point is avoided across guilds.
func (a *App) initSelector() error {
	cc := a.cfg.Connect
	if a.resolvers == nil {
		if cc.ResolverURL != "" {
			a.resolvers = append(a.resolvers, &connect.HTTPResolver{URL: cc.ResolverURL})
		}
		if len(cc.FallbackAccessPoints) > 0 {
			a.resolvers = append(a.resolvers, connect.StaticResolver(cc.FallbackAccessPoints))
		}
	}
	sel, err := connect.NewAPSelector(connect.SelectorConfig{
		Resolvers:    a.resolvers,
		Prober:       a.prober,
		ProbeTimeout: cc.ProbeTimeout,
		Cooldown:     cc.Cooldown,
	})
	if err != nil {
		return err
	}
	a.selector = sel
	a.checks = append(a.checks, health.Checker{Name: "access_points", Check: sel.Check, Optional: true})
	return nil
}

// dial creates one Connect client per session.
func (a *App) dial(h connect.Handler) session.ConnectClient {
	cc := a.cfg.Connect
	return connect.New(connect.Config{
		Selector:          a.selector,
		Transport:         a.transport,
		Credentials:       a.tokens,
		CredentialTimeout: cc.CredentialTimeout,
		HandshakeTimeout:  cc.HandshakeTimeout,
		Retry:             cc.Retry,
		DeviceName:        cc.DeviceName,
		DeviceNames:       a.profiles,
		OnHandshake: func(ap string, d time.Duration, err error) {
			a.metrics.RecordHandshake(context.Background(), ap, d, err)
		},
	}, h)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Tokens returns the credential manager used for account linking.
func (a *App) Tokens() *credentials.TokenManager { return a.tokens }

// Profiles returns the per-user preference store.
func (a *App) Profiles() credentials.Profiles { return a.profiles }

// Checks returns the readiness checks for the subsystems New created.
func (a *App) Checks() []health.Checker { return slices.Clone(a.checks) }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the metrics recorder and every listener on the session event
// stream, then blocks until ctx ends. The listeners keep running until
// Shutdown closes the stream so they see the final SessionEnded events.
func (a *App) Run(ctx context.Context) error {
	buffer := a.cfg.Session.EventBuffer
	if buffer <= 0 {
		buffer = config.DefaultEventBuffer
	}

	lctx := context.WithoutCancel(ctx)
	all := append([]Listener{a.recordStats}, a.listeners...)
	for _, l := range all {
		events, cancel := a.registry.Subscribe(buffer)
		a.consumers.Go(func() error {
			defer cancel()
			l(lctx, events)
			return nil
		})
	}
	<-ctx.Done()
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of d and logs
// the rest.
func (a *App) ApplyConfig(d config.ConfigDiff, _ *config.Config) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.IdleTimeoutChanged {
		a.registry.SetIdleTimeout(d.NewIdleTimeout)
		slog.Info("idle timeout changed", "idle_timeout", d.NewIdleTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every session, waits for the listeners to see the endings,
// and then runs the closers. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))

		if err := a.registry.ShutdownAll(ctx); err != nil {
			slog.Warn("sessions did not stop in time", "err", err)
			shutdownErr = err
		}

		// The registry closed the event stream; let the listeners drain it.
		drained := make(chan struct{})
		go func() {
			_ = a.consumers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
