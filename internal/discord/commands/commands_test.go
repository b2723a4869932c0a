package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/internal/credentials"
	"github.com/MrWong99/jukebridge/internal/discord"
	"github.com/MrWong99/jukebridge/internal/discord/mock"
	"github.com/MrWong99/jukebridge/internal/observe"
	"github.com/MrWong99/jukebridge/internal/session"
	"github.com/MrWong99/jukebridge/pkg/audio/pipeline"
)

// fakeSessions is a Sessions double. Err is returned by every call; the
// recorded Calls list "command:guild".
type fakeSessions struct {
	mu    sync.Mutex
	Err   error
	Info  session.Info
	PB    session.Playback
	Calls []string
	Joins []session.JoinRequest
}

func (f *fakeSessions) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	return f.Err
}

func (f *fakeSessions) Join(_ context.Context, guildID string, req session.JoinRequest) error {
	f.mu.Lock()
	f.Joins = append(f.Joins, req)
	f.mu.Unlock()
	return f.record("join:" + guildID)
}
func (f *fakeSessions) Pause(_ context.Context, g string) error  { return f.record("pause:" + g) }
func (f *fakeSessions) Resume(_ context.Context, g string) error { return f.record("resume:" + g) }
func (f *fakeSessions) Skip(_ context.Context, g string) error   { return f.record("skip:" + g) }
func (f *fakeSessions) Disconnect(_ context.Context, g string) error {
	return f.record("disconnect:" + g)
}

func (f *fakeSessions) Playback(string) (session.Info, session.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(f.Err, session.ErrNoActiveSession) {
		return session.Info{}, session.Playback{}, f.Err
	}
	return f.Info, f.PB, nil
}

func (f *fakeSessions) Stats(string) (pipeline.Stats, error) { return pipeline.Stats{}, nil }

func (f *fakeSessions) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// voiceMap is a VoiceStates double keyed by user ID.
type voiceMap map[string]string

func (v voiceMap) VoiceState(_, userID string) (*discordgo.VoiceState, error) {
	ch, ok := v[userID]
	if !ok {
		return nil, discordgo.ErrStateNotFound
	}
	return &discordgo.VoiceState{UserID: userID, ChannelID: ch}, nil
}

type fakeLinker struct {
	RefreshErr error
	Username   string
	UnlinkErr  error
	Refreshed  []credentials.Token
	Unlinked   []string
}

func (f *fakeLinker) Refresh(_ context.Context, tok credentials.Token) (credentials.Token, error) {
	f.Refreshed = append(f.Refreshed, tok)
	if f.RefreshErr != nil {
		return credentials.Token{}, f.RefreshErr
	}
	tok.Username = f.Username
	tok.AccessToken = "access"
	return tok, nil
}

func (f *fakeLinker) Unlink(_ context.Context, userID string) error {
	f.Unlinked = append(f.Unlinked, userID)
	return f.UnlinkErr
}

func newPlayer(t *testing.T, sessions *fakeSessions, opts ...PlayerOption) (*discord.CommandRouter, *mock.Responder) {
	t.Helper()
	router := discord.NewCommandRouter()
	pc := NewPlayerCommands(sessions, voiceMap{"alice": "voice-1"}, discord.NewPermissionChecker("admins"), opts...)
	pc.Register(router)
	return router, &mock.Responder{}
}

func slash(name, userID string, roles ...string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "text-1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: userID}, Roles: roles},
		Data:      discordgo.ApplicationCommandInteractionData{Name: name},
	}}
}

func button(customID, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		GuildID: "g1",
		Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func content(t *testing.T, resp *mock.Responder) (string, bool) {
	t.Helper()
	last, ok := resp.Last()
	if !ok {
		t.Fatal("no response recorded")
	}
	return last.Content, last.Ephemeral
}

// ─── /join ──────────────────────────────────────────────────────────────────

func TestJoin_Success(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	router, resp := newPlayer(t, sessions, WithDeviceName("Kitchen"))

	router.Handle(resp, slash("join", "alice"))

	calls := resp.Calls()
	if len(calls) != 2 || calls[0].Kind != mock.Deferred || calls[1].Kind != mock.FollowedUp {
		t.Fatalf("expected defer then follow-up, got %+v", calls)
	}
	fu := calls[1]
	if !strings.Contains(fu.Content, "<#voice-1>") || !strings.Contains(fu.Content, "Kitchen") || fu.Ephemeral {
		t.Errorf("follow-up = %+v, want channel and device name", fu)
	}
	want := session.JoinRequest{ChannelID: "voice-1", TextChannelID: "text-1", UserID: "alice"}
	if len(sessions.Joins) != 1 || sessions.Joins[0] != want {
		t.Errorf("Join requests = %+v, want %+v", sessions.Joins, want)
	}
}

func TestJoin_AnnouncesOwnersDeviceName(t *testing.T) {
	t.Parallel()

	profiles := credentials.NewMemoryStore()
	if err := profiles.SetDeviceName(context.Background(), "alice", "Alice_Den"); err != nil {
		t.Fatal(err)
	}
	router, resp := newPlayer(t, &fakeSessions{}, WithDeviceName("Kitchen"), WithDeviceNames(profiles))

	router.Handle(resp, slash("join", "alice"))

	msg, _ := content(t, resp)
	if !strings.Contains(msg, `Alice\_Den`) || strings.Contains(msg, "Kitchen") {
		t.Errorf("follow-up = %q, want the owner's escaped device name", msg)
	}
}

func TestJoin_NotInVoice(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	router, resp := newPlayer(t, sessions)

	router.Handle(resp, slash("join", "bob"))

	msg, ephemeral := content(t, resp)
	if !strings.Contains(msg, "voice channel") || !ephemeral {
		t.Errorf("response = %q (ephemeral %v)", msg, ephemeral)
	}
	if len(sessions.calls()) != 0 {
		t.Errorf("Join should not be called, got %v", sessions.calls())
	}
}

func TestJoin_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not linked", fmt.Errorf("%w: %w", session.ErrAuthFailed, &connect.AuthError{Kind: connect.AuthNotLinked, Err: credentials.ErrNotLinked}), "/link"},
		{"premium", fmt.Errorf("%w: %w", session.ErrAuthFailed, &connect.AuthError{Kind: connect.AuthPremiumRequired}), "premium"},
		{"rejected", fmt.Errorf("%w: %w", session.ErrAuthFailed, &connect.AuthError{Kind: connect.AuthBadCredentials}), "rejected"},
		{"guild busy", session.ErrGuildBusy, "already playing"},
		{"owner busy", session.ErrOwnerBusy, "another server"},
		{"shutting down", session.ErrShuttingDown, "restarting"},
		{"timeout", fmt.Errorf("session: connect: %w", context.DeadlineExceeded), "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router, resp := newPlayer(t, &fakeSessions{Err: tt.err})
			router.Handle(resp, slash("join", "alice"))

			fu, ok := resp.Last()
			if !ok || fu.Kind != mock.FollowedUp {
				t.Fatalf("last answer = %+v, want a follow-up", fu)
			}
			if !strings.Contains(fu.Content, tt.want) {
				t.Errorf("follow-up = %q, want it to mention %q", fu.Content, tt.want)
			}
			if !fu.Ephemeral {
				t.Error("failure follow-up should be ephemeral")
			}
		})
	}
}

func TestJoin_OutsideGuild(t *testing.T) {
	t.Parallel()

	router, resp := newPlayer(t, &fakeSessions{})
	i := slash("join", "alice")
	i.GuildID = ""
	router.Handle(resp, i)

	if msg, _ := content(t, resp); !strings.Contains(msg, "server") {
		t.Errorf("response = %q", msg)
	}
}

// ─── playback controls ──────────────────────────────────────────────────────

func TestControls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command string
		want    string
	}{
		{"pause", "Paused."},
		{"resume", "Resumed."},
		{"skip", "Skipped."},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			t.Parallel()

			sessions := &fakeSessions{}
			router, resp := newPlayer(t, sessions)
			router.Handle(resp, slash(tt.command, "carol"))

			msg, ephemeral := content(t, resp)
			if msg != tt.want || ephemeral {
				t.Errorf("response = %q (ephemeral %v), want public %q", msg, ephemeral, tt.want)
			}
			if calls := sessions.calls(); len(calls) != 1 || calls[0] != tt.command+":g1" {
				t.Errorf("calls = %v", calls)
			}
		})
	}
}

func TestControls_NoSession(t *testing.T) {
	t.Parallel()

	router, resp := newPlayer(t, &fakeSessions{Err: session.ErrNoActiveSession})
	router.Handle(resp, slash("skip", "carol"))

	msg, ephemeral := content(t, resp)
	if !strings.Contains(msg, "Nothing is playing") || !ephemeral {
		t.Errorf("response = %q (ephemeral %v)", msg, ephemeral)
	}
}

func TestControls_Reconnecting(t *testing.T) {
	t.Parallel()

	router, resp := newPlayer(t, &fakeSessions{Err: fmt.Errorf("%w: %w", session.ErrBusy, connect.ErrStopped)})
	router.Handle(resp, slash("pause", "carol"))

	if msg, _ := content(t, resp); !strings.Contains(msg, "reconnecting") {
		t.Errorf("response = %q", msg)
	}
}

func TestControls_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	router, resp := newPlayer(t, &fakeSessions{}, WithMetrics(m))
	router.Handle(resp, slash("pause", "carol"))
	router.Handle(resp, slash("pause", "carol"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "jukebridge.commands" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, _ := dp.Attributes.Value(attribute.Key("command")); v.AsString() == "pause" {
					got += dp.Value
				}
			}
		}
	}
	if got != 2 {
		t.Errorf("pause commands recorded = %d, want 2", got)
	}
}

// ─── /disconnect ────────────────────────────────────────────────────────────

func TestDisconnect_Permissions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		userID   string
		roles    []string
		wantCall bool
	}{
		{name: "owner", userID: "alice", wantCall: true},
		{name: "admin", userID: "bob", roles: []string{"admins"}, wantCall: true},
		{name: "other user", userID: "bob", wantCall: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sessions := &fakeSessions{Info: session.Info{OwnerID: "alice"}}
			router, resp := newPlayer(t, sessions)
			router.Handle(resp, slash("disconnect", tt.userID, tt.roles...))

			called := len(sessions.calls()) == 1
			if called != tt.wantCall {
				t.Errorf("Disconnect called = %v, want %v", called, tt.wantCall)
			}
			msg, _ := content(t, resp)
			if tt.wantCall && !strings.Contains(msg, "Disconnected") {
				t.Errorf("response = %q", msg)
			}
			if !tt.wantCall && !strings.Contains(msg, "<@alice>") {
				t.Errorf("response = %q, want the owner named", msg)
			}
		})
	}
}

// ─── /playing and buttons ───────────────────────────────────────────────────

func TestPlaying(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{
		Info: session.Info{OwnerID: "alice", ChannelID: "voice-1"},
		PB: session.Playback{
			Track:    connect.TrackMetadata{ID: "t1", Title: "Song"},
			HasTrack: true,
			Status:   connect.Status{State: connect.StateStreaming},
			Playing:  true,
		},
	}
	router, resp := newPlayer(t, sessions)
	router.Handle(resp, slash("playing", "carol"))

	last, _ := resp.Last()
	if len(last.Embeds) != 1 || last.Embeds[0].Title != "Song" {
		t.Fatalf("response = %+v, want now-playing embed", last)
	}
	if len(last.Components) != 1 {
		t.Errorf("expected one row of buttons, got %d", len(last.Components))
	}
}

func TestButtons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		customID string
		userID   string
		wantCall string
	}{
		{discord.ButtonPause, "carol", "pause:g1"},
		{discord.ButtonResume, "carol", "resume:g1"},
		{discord.ButtonSkip, "carol", "skip:g1"},
		{discord.ButtonStop, "alice", "disconnect:g1"},
		{discord.ButtonStop, "carol", ""},
	}
	for _, tt := range tests {
		t.Run(tt.customID+"/"+tt.userID, func(t *testing.T) {
			t.Parallel()

			sessions := &fakeSessions{Info: session.Info{OwnerID: "alice"}}
			router, resp := newPlayer(t, sessions)
			router.Handle(resp, button(tt.customID, tt.userID))

			calls := sessions.calls()
			if tt.wantCall == "" {
				if len(calls) != 0 {
					t.Errorf("calls = %v, want none", calls)
				}
				return
			}
			if len(calls) != 1 || calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", calls, tt.wantCall)
			}
		})
	}
}

func TestDefinitions(t *testing.T) {
	t.Parallel()

	router := discord.NewCommandRouter()
	NewPlayerCommands(&fakeSessions{}, voiceMap{}, discord.NewPermissionChecker("")).Register(router)
	NewLinkCommands(&fakeLinker{}).Register(router)
	NewProfileCommands(credentials.NewMemoryStore()).Register(router)

	names := map[string]bool{}
	for _, c := range router.ApplicationCommands() {
		names[c.Name] = true
	}
	for _, want := range []string{"join", "pause", "resume", "skip", "disconnect", "playing", "link", "unlink", "rename"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

// ─── /link and /unlink ──────────────────────────────────────────────────────

func linkInteraction(token string) *discordgo.InteractionCreate {
	i := slash("link", "alice")
	i.Data = discordgo.ApplicationCommandInteractionData{
		Name: "link",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "refresh_token", Type: discordgo.ApplicationCommandOptionString, Value: token},
		},
	}
	return i
}

func TestLink(t *testing.T) {
	t.Parallel()

	linker := &fakeLinker{Username: "alice_music"}
	router := discord.NewCommandRouter()
	NewLinkCommands(linker).Register(router)
	resp := &mock.Responder{}

	router.Handle(resp, linkInteraction("refresh-xyz"))

	if len(linker.Refreshed) != 1 {
		t.Fatalf("Refresh called %d times, want 1", len(linker.Refreshed))
	}
	if got := linker.Refreshed[0]; got.UserID != "alice" || got.RefreshToken != "refresh-xyz" {
		t.Errorf("Refresh token = %+v", got)
	}
	msg, ephemeral := content(t, resp)
	if !strings.Contains(msg, "alice_music") || !ephemeral {
		t.Errorf("response = %q (ephemeral %v)", msg, ephemeral)
	}
}

func TestLink_Rejected(t *testing.T) {
	t.Parallel()

	linker := &fakeLinker{RefreshErr: &credentials.TokenError{UserID: "alice", Err: errors.New("invalid_grant")}}
	router := discord.NewCommandRouter()
	NewLinkCommands(linker).Register(router)
	resp := &mock.Responder{}

	router.Handle(resp, linkInteraction("bad"))

	if msg, _ := content(t, resp); !strings.Contains(msg, "rejected") {
		t.Errorf("response = %q", msg)
	}
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	linker := &fakeLinker{UnlinkErr: credentials.ErrNotLinked}
	router := discord.NewCommandRouter()
	NewLinkCommands(linker).Register(router)
	resp := &mock.Responder{}

	router.Handle(resp, slash("unlink", "alice"))

	if len(linker.Unlinked) != 1 || linker.Unlinked[0] != "alice" {
		t.Errorf("Unlinked = %v", linker.Unlinked)
	}
	if msg, _ := content(t, resp); !strings.Contains(msg, "no longer linked") {
		t.Errorf("response = %q", msg)
	}
}

// ─── /rename ────────────────────────────────────────────────────────────────

type failingProfiles struct{ *credentials.MemoryStore }

func (failingProfiles) SetDeviceName(context.Context, string, string) error {
	return errors.New("db down")
}

func renameInteraction(name string) *discordgo.InteractionCreate {
	i := slash("rename", "alice")
	i.Data = discordgo.ApplicationCommandInteractionData{
		Name: "rename",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "name", Type: discordgo.ApplicationCommandOptionString, Value: name},
		},
	}
	return i
}

func TestRename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		profiles Renamer
		input    string
		wantMsg  string
		wantName string
	}{
		{"stored", credentials.NewMemoryStore(), " Party*Room ", `Party\*Room`, "Party*Room"},
		{"too long", credentials.NewMemoryStore(), strings.Repeat("x", 17), "1 to 16 characters", ""},
		{"store fails", failingProfiles{credentials.NewMemoryStore()}, "Kitchen", "Something went wrong", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router := discord.NewCommandRouter()
			NewProfileCommands(tt.profiles).Register(router)
			resp := &mock.Responder{}

			router.Handle(resp, renameInteraction(tt.input))

			msg, ephemeral := content(t, resp)
			if !strings.Contains(msg, tt.wantMsg) || !ephemeral {
				t.Errorf("response = %q (ephemeral %v), want %q", msg, ephemeral, tt.wantMsg)
			}
			got, _ := tt.profiles.DeviceName(context.Background(), "alice")
			if got != tt.wantName {
				t.Errorf("stored name = %q, want %q", got, tt.wantName)
			}
		})
	}
}

func TestRename_DefinitionLimitsLength(t *testing.T) {
	t.Parallel()

	def := NewProfileCommands(credentials.NewMemoryStore()).Definitions()[0]
	opt := def.Options[0]
	if opt.MaxLength != credentials.MaxDeviceNameLength || opt.MinLength == nil || *opt.MinLength != 1 || !opt.Required {
		t.Errorf("name option = %+v", opt)
	}
}
