package discord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/jukebridge/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── compile-time interface assertions ───────────────────────────────────────

var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. It wires up a fake OpusSend channel and
// a fast ticker.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		ChannelID: "voice-1",
		OpusSend:  make(chan []byte, 64),
	}
	c := &Connection{
		vc:           vc,
		session:      &discordgo.Session{},
		guildID:      "guild-test",
		botID:        "bot-1",
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		speaking:     func(bool) error { return nil },
		tick:         time.Millisecond,
	}
	go c.sendLoop()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

type countingSource struct {
	pulls  atomic.Int64
	silent bool
}

func (s *countingSource) Pull() audio.AudioFrame {
	s.pulls.Add(1)
	if s.silent {
		return audio.Silence()
	}
	return audio.AudioFrame{Data: make([]byte, audio.FrameBytes), SampleRate: 48000, Channels: 2}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s)
	if p == nil || p.session != s {
		t.Fatal("session not stored correctly")
	}
}

func TestPlatform_ConnectCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&discordgo.Session{}).Connect(ctx, "g", "c")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}
}

func TestConnection_SendsPulledAudio(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	src := &countingSource{}
	c.Play(src)

	select {
	case packet := <-c.vc.OpusSend:
		if len(packet) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}
}

func TestConnection_SilenceNotSentAfterTail(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	src := &countingSource{silent: true}
	c.Play(src)

	deadline := time.After(time.Second)
	for src.pulls.Load() < 20 {
		select {
		case <-deadline:
			t.Fatal("source not pulled")
		case <-time.After(time.Millisecond):
		}
	}
	if n := len(c.vc.OpusSend); n != 0 {
		t.Errorf("sent %d packets of pure silence, want 0", n)
	}
}

func TestConnection_PlayNilStopsPulling(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	src := &countingSource{silent: true}
	c.Play(src)
	time.Sleep(20 * time.Millisecond)
	c.Play(nil)
	time.Sleep(5 * time.Millisecond)
	before := src.pulls.Load()
	time.Sleep(20 * time.Millisecond)
	if after := src.pulls.Load(); after != before {
		t.Errorf("source pulled %d more times after Play(nil)", after-before)
	}
}

func TestConnection_ParticipantEvents(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	got := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { got <- ev })

	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: "voice-1"},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: ""},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: "voice-1"},
	})
	// Other guild is ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "u2", ChannelID: "voice-1"},
	})

	want := []audio.EventType{audio.EventJoin, audio.EventLeave}
	seen := map[audio.EventType]bool{}
	for range want {
		select {
		case ev := <-got:
			seen[ev.Type] = true
			if ev.UserID != "u1" {
				t.Errorf("UserID = %q, want u1", ev.UserID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for participant event")
		}
	}
	for _, w := range want {
		if !seen[w] {
			t.Errorf("missing %v event", w)
		}
	}
}

func TestConnection_BotRemovedClosesDone(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot-1", ChannelID: ""},
	})
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after bot removal")
	}
}

// TestConnection_ConcurrentDisconnect exercises Disconnect from multiple
// goroutines to verify thread safety (run with -race).
func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}
