package session

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may go without audible playback.
const DefaultIdleTimeout = 5 * time.Minute

// Watchdog fires its callback once a session has gone IdleTimeout without
// audible playback. It starts armed. [Watchdog.Activity] restarts the
// window; [Watchdog.Disarm] suspends expiry while the upstream player
// reports it is playing and [Watchdog.Arm] resumes it.
//
// The callback runs at most once. After it fired, or after Stop, the
// watchdog is inert and cannot be re-armed.
type Watchdog struct {
	timeout  time.Duration
	onExpire func()
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	disarmed bool
	done     bool
}

// NewWatchdog creates an armed Watchdog. A nil now uses time.Now.
func NewWatchdog(timeout time.Duration, onExpire func(), now func() time.Time) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Watchdog{timeout: timeout, onExpire: onExpire, now: now, last: now()}
}

// Activity records audible playback.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
}

// Arm (re)starts the idle window from now.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	if w.disarmed {
		w.disarmed = false
		w.last = w.now()
	}
	w.mu.Unlock()
}

// Disarm suspends expiry until the next Arm.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	w.disarmed = true
	w.mu.Unlock()
}

// Tick checks for expiry and fires the callback if the window has passed.
// It reports whether this call fired.
func (w *Watchdog) Tick() bool {
	w.mu.Lock()
	if w.done || w.disarmed || w.now().Sub(w.last) < w.timeout {
		w.mu.Unlock()
		return false
	}
	w.done = true
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
	return true
}

// Stop makes the watchdog inert without firing.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// Idle returns how long it has been since the last activity.
func (w *Watchdog) Idle() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.last)
}

// Run calls Tick every interval until the watchdog fires or ctx ends.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if w.Tick() {
				return
			}
			w.mu.Lock()
			done := w.done
			w.mu.Unlock()
			if done {
				return
			}
		}
	}
}
