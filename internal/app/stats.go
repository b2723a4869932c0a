package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/internal/session"
)

// recordStats turns session events into metrics and lifecycle logs.
func (a *App) recordStats(ctx context.Context, events <-chan session.Event) {
	// Last connect state per session, so repeated play/pause updates do not
	// count as transitions.
	last := make(map[string]connect.State)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case session.TrackChanged:
				a.metrics.TracksPlayed.Add(ctx, 1)
				slog.Debug("track changed", "guild_id", e.GuildID, "session_id", e.SessionID, "track_id", e.Track.ID)

			case session.PlaybackStateChanged:
				prev, seen := last[e.SessionID]
				if seen && prev == e.Status.State {
					continue
				}
				if !seen {
					a.metrics.ActiveSessions.Add(ctx, 1)
				}
				last[e.SessionID] = e.Status.State
				a.metrics.RecordTransition(ctx, e.Status.State.String(), e.Status.Reason.String())

			case session.SessionEnded:
				if _, seen := last[e.SessionID]; seen {
					a.metrics.ActiveSessions.Add(ctx, -1)
					delete(last, e.SessionID)
				}
				a.metrics.RecordSessionEnd(ctx, e.Reason.String(), e.Duration)
				a.metrics.RecordAudio(ctx, e.Audio.Underruns, e.Audio.Dropped, e.Audio.Stale, e.Audio.Flushed)
				slog.Info("session ended",
					"guild_id", e.GuildID,
					"session_id", e.SessionID,
					"reason", e.Reason.String(),
					"duration", e.Duration,
					"underruns", e.Audio.Underruns,
					"err", e.Err,
				)
			}
		}
	}
}
