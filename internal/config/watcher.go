package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// DefaultWatchInterval is how often [Watcher.Run] polls the file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content is the
// same as the last accepted version.
var ErrUnchanged = errors.New("config: unchanged")

// Watcher reloads a config file when it changes, either by polling in
// [Watcher.Run] or on demand through [Watcher.Reload] (e.g. on SIGHUP).
// A reload that fails to parse or validate keeps the previous config.
//
// Only effective changes reach the callback: a reload whose [ConfigDiff]
// is empty, such as a comment edit, is accepted silently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(ConfigDiff, *Config)
	lookuper envconfig.Lookuper

	// reload serialises Run and Reload.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// fileStamp is the cheap change check done before reading the file.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper sets where environment overrides are read from. The default
// is the process environment.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.lookuper = l
		}
	}
}

// NewWatcher loads path and returns a Watcher holding it. Polling starts
// with [Watcher.Run]. onChange may be nil.
func NewWatcher(ctx context.Context, path string, onChange func(ConfigDiff, *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		lookuper: envconfig.OsLookuper(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, sum, err := w.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.stale() {
				continue
			}
			if _, err := w.Reload(ctx); err != nil && !errors.Is(err, ErrUnchanged) {
				slog.Warn("config watcher: reload rejected, keeping current config", "path", w.path, "err", err)
			}
		}
	}
}

// stale reports whether the file's mtime or size moved since the last load.
func (w *Watcher) stale() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return fileStamp{mtime: info.ModTime(), size: info.Size()} != w.stamp
}

// Reload reads the file now. It returns [ErrUnchanged] when the content did
// not change, and the parse or validation error when the new content is
// rejected. Otherwise the new config replaces the current one and the
// callback runs if anything effective changed.
func (w *Watcher) Reload(ctx context.Context) (ConfigDiff, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	cfg, stamp, sum, err := w.load(ctx)
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if sum == w.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return ConfigDiff{}, ErrUnchanged
	}
	old := w.current
	w.current, w.stamp, w.sum = cfg, stamp, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path, "effective", d.Changed())
	if d.Changed() && w.onChange != nil {
		w.onChange(d, cfg)
	}
	return d, nil
}

// load reads, hashes, parses and validates the file.
func (w *Watcher) load(ctx context.Context) (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	cfg, err := parse(ctx, bytes.NewReader(data), w.lookuper)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), size: info.Size()}, sha256.Sum256(data), nil
}
