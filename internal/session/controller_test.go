package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/MrWong99/jukebridge/pkg/audio/mock"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

type harness struct {
	ctrl     *Controller
	platform *mock.Platform
	dialer   *fakeDialer
	clock    *fakeClock
	events   <-chan Event
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		platform: &mock.Platform{},
		dialer:   &fakeDialer{},
		clock:    newFakeClock(),
	}
	cfg := Config{
		GuildID:          "g1",
		ChannelID:        "voice-1",
		TextChannelID:    "text-1",
		Platform:         h.platform,
		Dialer:           h.dialer.Dial,
		Pipeline:         pipeline.Config{MaxFrames: 20, StartFrames: 1},
		WatchdogInterval: time.Hour, // tests tick by hand
		StopGrace:        50 * time.Millisecond,
		Now:              h.clock.Now,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.ctrl = NewController(cfg)
	h.events, _ = h.ctrl.Subscribe(256)
	t.Cleanup(func() { _ = h.ctrl.Disconnect(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) *fakeClient {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), connect.Credentials{UserID: "owner"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.dialer.Last()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestController_StartPublishesStatesAndTrack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	if !h.ctrl.Active() {
		t.Fatal("controller not active after Start")
	}
	if got := h.platform.ConnectCalls; len(got) != 1 || got[0] != (mock.ConnectCall{GuildID: "g1", ChannelID: "voice-1"}) {
		t.Errorf("platform connect calls = %+v", got)
	}

	client.Track(1, "t1")
	client.Audio(1, 2, 7)

	conn := h.platform.Last()
	frames := conn.PullN(3)
	if frames[0].Silent || firstSample(frames[0]) != 7 {
		t.Errorf("first pulled frame silent=%v sample=%d", frames[0].Silent, firstSample(frames[0]))
	}
	if !frames[2].Silent {
		t.Error("expected silence after the buffered frames ran out")
	}

	_ = h.ctrl.Disconnect(context.Background())
	evs := collect(h.events, time.Second)

	var states []connect.State
	trackIdx := -1
	for i, ev := range evs {
		switch e := ev.(type) {
		case PlaybackStateChanged:
			states = append(states, e.Status.State)
		case TrackChanged:
			trackIdx = i
			if e.Track.ID != "t1" || e.GuildID != "g1" {
				t.Errorf("TrackChanged = %+v", e)
			}
		}
	}
	want := []connect.State{connect.StateConnecting, connect.StateAuthenticated, connect.StateStreaming}
	if !slices.Equal(states[:3], want) {
		t.Errorf("states = %v, want prefix %v", states, want)
	}
	if trackIdx < 0 {
		t.Error("no TrackChanged published")
	}
	if ended := endedEvents(evs); len(ended) != 1 || ended[0].Reason != ReasonUserDisconnect {
		t.Errorf("SessionEnded = %+v", ended)
	}
}

func TestController_DisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	for range 3 {
		if err := h.ctrl.Disconnect(context.Background()); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 {
		t.Fatalf("SessionEnded published %d times, want 1", len(ended))
	}
	if n := client.Stops(); n != 1 {
		t.Errorf("client stopped %d times, want 1", n)
	}
	if n := h.platform.Last().Disconnects(); n != 1 {
		t.Errorf("voice disconnected %d times, want 1", n)
	}
	if !h.ctrl.Ended() {
		t.Error("Ended() = false")
	}
	if err := h.ctrl.Pause(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Pause after end = %v, want ErrNoActiveSession", err)
	}
}

func TestController_AuthFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.next = func(c *fakeClient) {
		c.ConnectErr = &connect.AuthError{Kind: connect.AuthPremiumRequired}
	}

	err := h.ctrl.Start(context.Background(), connect.Credentials{UserID: "owner"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Start err = %v, want ErrAuthFailed", err)
	}
	client := h.dialer.Last()
	if client.ConnectCalls != 1 || client.StartCalls != 0 {
		t.Errorf("connect calls = %d, start calls = %d", client.ConnectCalls, client.StartCalls)
	}
	if h.dialer.Count() != 1 {
		t.Errorf("dialed %d clients, want 1", h.dialer.Count())
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonAuthFailed {
		t.Fatalf("SessionEnded = %+v, want one auth_failed", ended)
	}
}

func TestController_FailedStatusEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	client.emit(connect.Status{State: connect.StateReconnecting})
	client.emit(connect.Status{State: connect.StateFailed, Reason: connect.ReasonNetwork, Err: errors.New("gone")})

	if !waitDone(h.ctrl.Done(), time.Second) {
		t.Fatal("session did not end after failed status")
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonNetworkExhausted {
		t.Errorf("SessionEnded = %+v", ended)
	}
}

func TestController_VoiceDropEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.platform.Last().Drop()
	if !waitDone(h.ctrl.Done(), time.Second) {
		t.Fatal("session did not end after voice drop")
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonVoiceDisconnected {
		t.Errorf("SessionEnded = %+v", ended)
	}
}

func TestController_StuckWorkerDoesNotBlockTeardown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.next = func(c *fakeClient) { c.HangOnStop = true }
	client := h.start(t)

	start := time.Now()
	_ = h.ctrl.Disconnect(context.Background())
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Disconnect took %v with a stuck worker", d)
	}

	// Late results from the abandoned worker are no-ops.
	client.Track(2, "late")
	client.Audio(2, 3, 9)
	client.emit(connect.Status{State: connect.StateStreaming})

	evs := collect(h.events, time.Second)
	for _, ev := range evs {
		if tc, ok := ev.(TrackChanged); ok && tc.Track.ID == "late" {
			t.Error("late track published after teardown")
		}
	}
	if len(endedEvents(evs)) != 1 {
		t.Error("expected exactly one SessionEnded")
	}
	if got := h.ctrl.PipelineStats().Buffered; got != 0 {
		t.Errorf("late audio buffered: %d frames", got)
	}
}

// ─── audio ───────────────────────────────────────────────────────────────────

func TestController_SkipFlushesPreviousTrack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 5, 1)
	if f := conn.PullN(1)[0]; firstSample(f) != 1 {
		t.Fatalf("pre-skip frame sample = %d", firstSample(f))
	}

	if err := h.ctrl.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if got := client.CommandLog(); !slices.Equal(got, []string{"next"}) {
		t.Errorf("commands = %v", got)
	}
	client.Track(2, "t2")
	client.Audio(2, 4, 2)

	for i, f := range conn.PullN(10) {
		if !f.Silent && firstSample(f) == 1 {
			t.Fatalf("frame %d after skip belongs to the previous track", i)
		}
	}
}

// samples returns the first sample of every audible frame.
func samples(frames []audio.AudioFrame) []int16 {
	var out []int16
	for _, f := range frames {
		if !f.Silent {
			out = append(out, firstSample(f))
		}
	}
	return out
}

func TestController_SkipDropsInFlightAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 5, 1)
	conn.PullN(1)

	if err := h.ctrl.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	// Audio the worker had already read for the skipped track.
	client.Audio(1, 3, 1)
	if got := samples(conn.PullN(5)); len(got) != 0 {
		t.Fatalf("played %v after skip, want nothing until the next track", got)
	}

	client.Track(2, "t2")
	client.Audio(2, 2, 2)
	if got := samples(conn.PullN(4)); !slices.Equal(got, []int16{2, 2}) {
		t.Errorf("samples after next track = %v, want [2 2]", got)
	}
}

func TestController_SkipKeepsTrackAnnouncedDuringNext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 4, 1)
	client.NextHook = func() {
		client.Track(2, "t2")
		client.Audio(2, 3, 2)
	}

	if err := h.ctrl.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if got := samples(conn.PullN(5)); !slices.Equal(got, []int16{2, 2, 2}) {
		t.Errorf("samples = %v, want the new track's three frames", got)
	}
}

func TestController_RepeatedSkipsKeepNextTrackAudible(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 4, 1)
	for range 3 {
		if err := h.ctrl.Skip(context.Background()); err != nil {
			t.Fatalf("Skip: %v", err)
		}
	}
	client.Track(2, "t2")
	client.Audio(2, 2, 2)

	if got := samples(conn.PullN(4)); !slices.Equal(got, []int16{2, 2}) {
		t.Errorf("samples = %v, want [2 2]", got)
	}
}

func TestController_SkipWhileReconnectingKeepsBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 3, 1)
	client.emit(connect.Status{State: connect.StateReconnecting})

	if err := h.ctrl.Skip(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Skip while reconnecting = %v, want ErrBusy", err)
	}
	if got := client.CommandLog(); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
	if got := samples(conn.PullN(3)); !slices.Equal(got, []int16{1, 1, 1}) {
		t.Errorf("samples = %v, want the buffered track intact", got)
	}
}

func TestController_RejectedSkipKeepsBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 2, 1)
	client.mu.Lock()
	client.CommandErr = connect.ErrInvalidState
	client.mu.Unlock()

	if err := h.ctrl.Skip(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Skip = %v, want ErrBusy", err)
	}
	client.Audio(1, 1, 1)
	if got := samples(conn.PullN(4)); !slices.Equal(got, []int16{1, 1, 1}) {
		t.Errorf("samples = %v, want buffered and later audio kept", got)
	}
}

func TestController_ReconnectClearsPendingSkip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	if err := h.ctrl.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	client.emit(connect.Status{State: connect.StateReconnecting})
	client.emit(connect.Status{State: connect.StateStreaming})
	client.Audio(1, 2, 3)

	if got := samples(conn.PullN(3)); !slices.Equal(got, []int16{3, 3}) {
		t.Errorf("samples = %v, want audio after the stream came back", got)
	}
}

func TestController_TrackChangeFlushesBeforeNewAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)
	conn := h.platform.Last()

	client.Track(1, "t1")
	client.Audio(1, 6, 1)
	client.Track(2, "t2")
	client.Audio(2, 2, 2)

	var got []int16
	for _, f := range conn.PullN(4) {
		if !f.Silent {
			got = append(got, firstSample(f))
		}
	}
	if !slices.Equal(got, []int16{2, 2}) {
		t.Errorf("pulled samples = %v, want only the new track", got)
	}
}

// ─── watchdog ────────────────────────────────────────────────────────────────

func TestController_IdleEndsExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.IdleTimeout = 5 * time.Minute })
	h.start(t)

	h.clock.Advance(4 * time.Minute)
	if h.ctrl.dog.Tick() {
		t.Fatal("watchdog fired before the idle window")
	}
	h.clock.Advance(time.Minute)
	fired := 0
	for range 100 {
		if h.ctrl.dog.Tick() {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("watchdog fired %d times, want 1", fired)
	}
	if !waitDone(h.ctrl.Done(), time.Second) {
		t.Fatal("session did not end after idle")
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonIdle || ended[0].TextChannelID != "text-1" {
		t.Errorf("SessionEnded = %+v", ended)
	}
}

func TestController_AudibleAudioResetsIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	h.clock.Advance(4 * time.Minute)
	client.Track(1, "t1")
	client.Audio(1, 1, 5)
	h.platform.Last().PullN(1)

	h.clock.Advance(4 * time.Minute)
	if h.ctrl.dog.Tick() {
		t.Fatal("watchdog fired despite recent audible playback")
	}
}

func TestController_PlayDisarmsPauseArms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	client.Playback(true, 0)
	h.clock.Advance(10 * time.Minute)
	if h.ctrl.dog.Tick() {
		t.Fatal("watchdog fired while upstream reports playing")
	}

	client.Playback(false, time.Minute)
	h.clock.Advance(5 * time.Minute)
	if !h.ctrl.dog.Tick() {
		t.Fatal("watchdog did not fire after being paused for the idle window")
	}
}

// ─── owner ───────────────────────────────────────────────────────────────────

func TestController_OwnerLeaveThenReactivate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	first := h.start(t)
	conn := h.platform.Last()

	conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "someone-else"})
	if !h.ctrl.Active() {
		t.Fatal("non-owner leaving stopped the player")
	}

	conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "owner"})
	if h.ctrl.Active() {
		t.Fatal("player still active after the owner left")
	}
	if first.Stops() != 1 {
		t.Errorf("first client stops = %d", first.Stops())
	}
	if h.ctrl.Ended() {
		t.Fatal("session ended instead of idling")
	}
	if err := h.ctrl.Pause(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Pause while inactive = %v", err)
	}

	if err := h.ctrl.Reactivate(context.Background(), connect.Credentials{UserID: "new-owner"}); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if h.dialer.Count() != 2 || !h.ctrl.Active() {
		t.Fatalf("clients = %d active = %v", h.dialer.Count(), h.ctrl.Active())
	}
	if got := h.ctrl.Info().OwnerID; got != "new-owner" {
		t.Errorf("owner = %q", got)
	}
	if err := h.ctrl.Reactivate(context.Background(), connect.Credentials{UserID: "third"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Reactivate = %v, want ErrBusy", err)
	}

	// The old client's late output is ignored; the new one's is played.
	second := h.dialer.Last()
	first.Track(9, "stale")
	second.Track(1, "fresh")
	second.Audio(1, 1, 3)
	if pb := h.ctrl.Playback(); pb.Track.ID != "fresh" {
		t.Errorf("track = %q, want fresh", pb.Track.ID)
	}
	if f := conn.PullN(1)[0]; f.Silent || firstSample(f) != 3 {
		t.Errorf("frame after reactivation silent=%v sample=%d", f.Silent, firstSample(f))
	}
}

// ─── commands & playback ─────────────────────────────────────────────────────

func TestController_CommandsWhileReconnectingAreBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	if err := h.ctrl.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	client.mu.Lock()
	client.CommandErr = connect.ErrInvalidState
	client.mu.Unlock()
	if err := h.ctrl.Pause(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Pause while reconnecting = %v, want ErrBusy", err)
	}
	if got := client.CommandLog(); !slices.Equal(got, []string{"pause", "resume", "pause"}) {
		t.Errorf("commands = %v", got)
	}
}

func TestController_PlaybackPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := h.start(t)

	client.Track(1, "t1")
	client.Playback(true, 10*time.Second)
	h.clock.Advance(5 * time.Second)

	pb := h.ctrl.Playback()
	if !pb.HasTrack || !pb.Playing || pb.Position != 15*time.Second {
		t.Errorf("Playback = %+v", pb)
	}
	if pb.Status.State != connect.StateStreaming {
		t.Errorf("status = %s", pb.Status)
	}

	h.clock.Advance(time.Hour)
	if got := h.ctrl.Playback().Position; got != 3*time.Minute {
		t.Errorf("position = %v, want clamped to track duration", got)
	}

	client.Playback(false, 20*time.Second)
	h.clock.Advance(time.Minute)
	if got := h.ctrl.Playback().Position; got != 20*time.Second {
		t.Errorf("paused position = %v", got)
	}
}

// ─── isolation ───────────────────────────────────────────────────────────────

type panickingPlatform struct{}

func (panickingPlatform) Connect(context.Context, string, string) (audio.Connection, error) {
	panic("malformed voice server response")
}

func TestController_PanicIsIsolated(t *testing.T) {
	t.Parallel()
	healthy := newHarness(t, nil)
	healthyClient := healthy.start(t)
	healthyClient.Track(1, "t1")

	broken := newHarness(t, func(c *Config) { c.GuildID = "g2"; c.Platform = panickingPlatform{} })
	err := broken.ctrl.Start(context.Background(), connect.Credentials{UserID: "other"})
	if err == nil {
		t.Fatal("Start with panicking platform returned nil")
	}
	if !waitDone(broken.ctrl.Done(), time.Second) {
		t.Fatal("broken session did not end")
	}
	ended := endedEvents(collect(broken.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonInternalError {
		t.Errorf("broken SessionEnded = %+v", ended)
	}

	healthyClient.Audio(1, 1, 4)
	if f := healthy.platform.Last().PullN(1)[0]; f.Silent || firstSample(f) != 4 {
		t.Error("healthy session stopped delivering audio")
	}
	if !healthy.ctrl.Active() || healthy.ctrl.Playback().Status.State != connect.StateStreaming {
		t.Error("healthy session affected by the other guild's panic")
	}
}

func TestController_CallbackPanicEndsOnlyThatSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	h.ctrl.guard("test", func() { panic("bad frame") })
	if !waitDone(h.ctrl.Done(), time.Second) {
		t.Fatal("session did not end after callback panic")
	}
	ended := endedEvents(collect(h.events, time.Second))
	if len(ended) != 1 || ended[0].Reason != ReasonInternalError || ended[0].Err == nil {
		t.Errorf("SessionEnded = %+v", ended)
	}
}
