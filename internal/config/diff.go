package config

import (
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IdleTimeoutChanged bool
	NewIdleTimeout     time.Duration

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Changed reports whether d carries anything to apply or report.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.IdleTimeoutChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.IdleTimeout != new.Session.IdleTimeout {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeout = new.Session.IdleTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord.Token != new.Discord.Token || !slices.Equal(old.Discord.GuildIDs, new.Discord.GuildIDs) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !cmp.Equal(old.Connect, new.Connect) {
		d.RestartRequired = append(d.RestartRequired, "connect")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Credentials != new.Credentials {
		d.RestartRequired = append(d.RestartRequired, "credentials")
	}

	return d
}
