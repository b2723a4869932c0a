package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays the environment
// and returns a validated [Config]. An empty path skips the file, so a
// deployment may be configured from the environment alone.
func Load(ctx context.Context, path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := parse(ctx, bytes.NewReader(data), envconfig.OsLookuper())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(context.Background(), r, nil)
}

// parse decodes r, overlays l when non-nil, fills defaults and validates.
func parse(ctx context.Context, r io.Reader, l envconfig.Lookuper) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if l != nil {
		if err := ApplyEnv(ctx, cfg, l); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays values found through l onto cfg. Only fields tagged with
// an env name are considered; values present in l win over the file.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Server.TraceSampleRatio < 0 || cfg.Server.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", cfg.Server.TraceSampleRatio))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}
	for i, id := range cfg.Discord.GuildIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("discord.guild_ids[%d] is empty", i))
		}
	}

	// Connect
	if cfg.Connect.ResolverURL == "" && len(cfg.Connect.FallbackAccessPoints) == 0 {
		errs = append(errs, errors.New("connect: either resolver_url or fallback_access_points is required"))
	}
	for i, ap := range cfg.Connect.FallbackAccessPoints {
		if _, _, err := net.SplitHostPort(ap); err != nil {
			errs = append(errs, fmt.Errorf("connect.fallback_access_points[%d] %q is not host:port", i, ap))
		}
	}
	if cfg.Connect.CredentialTimeout < 0 {
		errs = append(errs, errors.New("connect.credential_timeout must not be negative"))
	}
	if cfg.Connect.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("connect.handshake_timeout must not be negative"))
	}
	if err := cfg.Connect.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("connect.retry: %w", err))
	}

	// Session
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	if cfg.Session.EventBuffer < 0 {
		errs = append(errs, errors.New("session.event_buffer must not be negative"))
	}

	// Audio
	if cfg.Audio.JitterFrames < 0 || cfg.Audio.StartFrames < 0 {
		errs = append(errs, errors.New("audio: jitter_frames and start_frames must not be negative"))
	}
	if cfg.Audio.JitterFrames > 0 && cfg.Audio.StartFrames > cfg.Audio.JitterFrames {
		errs = append(errs, fmt.Errorf("audio.start_frames %d exceeds audio.jitter_frames %d", cfg.Audio.StartFrames, cfg.Audio.JitterFrames))
	}

	// Credentials
	if (cfg.Credentials.ClientID == "") != (cfg.Credentials.ClientSecret == "") {
		errs = append(errs, errors.New("credentials: client_id and client_secret must be set together"))
	}
	if cfg.Credentials.ClientID != "" && cfg.Credentials.TokenURL == "" {
		errs = append(errs, errors.New("credentials.token_url is required when client_id is set"))
	}

	return errors.Join(errs...)
}
