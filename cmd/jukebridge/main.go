// Command jukebridge relays a Connect audio stream into Discord voice
// channels, one session per guild.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/jukebridge/internal/app"
	"github.com/MrWong99/jukebridge/internal/config"
	discordbot "github.com/MrWong99/jukebridge/internal/discord"
	"github.com/MrWong99/jukebridge/internal/discord/commands"
	"github.com/MrWong99/jukebridge/internal/health"
	"github.com/MrWong99/jukebridge/internal/observe"
	"github.com/MrWong99/jukebridge/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: environment only)")
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "jukebridge: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jukebridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("jukebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:       cfg.Discord.Token,
		GuildIDs:    cfg.Discord.GuildIDs,
		AdminRoleID: cfg.Discord.AdminRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	application, err = app.New(ctx, cfg,
		app.WithPlatform(bot.Platform()),
		app.WithMetrics(metrics),
		app.WithLevelVar(levelVar),
		app.WithListener(func(ctx context.Context, events <-chan session.Event) {
			discordbot.NewNowPlaying(bot.Session(), application.Registry(), slog.Default()).Run(ctx, events)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	commands.NewPlayerCommands(application.Registry(), bot, bot.Permissions(),
		commands.WithMetrics(metrics),
		commands.WithDeviceName(cfg.Connect.DeviceName),
		commands.WithDeviceNames(application.Profiles()),
	).Register(bot.Router())
	commands.NewLinkCommands(application.Tokens()).Register(bot.Router())
	commands.NewProfileCommands(application.Profiles()).Register(bot.Router())

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(ctx, *configPath, application.ApplyConfig)
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		go w.Run(ctx)
		go reloadOnHangup(ctx, w)
	}

	// ── HTTP: health + metrics ────────────────────────────────────────────────
	checks := append(application.Checks(), health.StateCheck("discord", bot.Ready))
	healthHandler := health.New(checks)

	mux := http.NewServeMux()
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", tel.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			stop()
		}
	}()

	// Register slash commands and keep the gateway open until shutdown.
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	healthHandler.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	code := 0
	// Sessions first, so the goodbye notices still reach Discord.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup reloads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}
