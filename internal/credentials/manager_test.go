package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeRefresher struct {
	mu     sync.Mutex
	calls  int
	result Token
	err    error
}

func (f *fakeRefresher) RefreshToken(_ context.Context, tok Token) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Token{}, f.err
	}
	return f.result, nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestTokenManager_GetToken_Valid(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	tok := Token{UserID: "u1", AccessToken: "a", RefreshToken: "r", Expiry: now.Add(time.Hour)}
	_ = store.Save(context.Background(), tok)
	ref := &fakeRefresher{}

	m := NewTokenManager(store, ref, WithClock(fixedClock(now)))
	got, err := m.GetToken(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tok, got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	if ref.calls != 0 {
		t.Errorf("refresher called %d times for a valid token", ref.calls)
	}
}

func TestTokenManager_GetToken_RefreshesExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Token{UserID: "u1", Username: "alice", AccessToken: "old", RefreshToken: "r", Expiry: now.Add(10 * time.Second)})
	ref := &fakeRefresher{result: Token{AccessToken: "new", Expiry: now.Add(time.Hour)}}

	m := NewTokenManager(store, ref, WithClock(fixedClock(now)))
	got, err := m.GetToken(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := Token{UserID: "u1", Username: "alice", AccessToken: "new", RefreshToken: "r", Expiry: now.Add(time.Hour)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
	stored, _ := store.Load(context.Background(), "u1")
	if stored.AccessToken != "new" {
		t.Errorf("refreshed token not persisted: %+v", stored)
	}
}

func TestTokenManager_GetToken_NotLinked(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(NewMemoryStore(), nil)
	if _, err := m.GetToken(context.Background(), "nobody"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("err = %v, want ErrNotLinked", err)
	}
}

func TestTokenManager_Refresh_RejectedUnlinks(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	tok := Token{UserID: "u1", AccessToken: "a", RefreshToken: "r"}
	_ = store.Save(context.Background(), tok)
	ref := &fakeRefresher{err: &TokenError{UserID: "u1", Err: errors.New("invalid_grant")}}

	m := NewTokenManager(store, ref)
	_, err := m.Refresh(context.Background(), tok)
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TokenError", err)
	}
	if _, err := store.Load(context.Background(), "u1"); !errors.Is(err, ErrNotLinked) {
		t.Errorf("rejected token still stored (err = %v)", err)
	}
}

func TestTokenManager_Refresh_NoRefresher(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(NewMemoryStore(), nil)
	_, err := m.Refresh(context.Background(), Token{UserID: "u1", RefreshToken: "r"})
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TokenError", err)
	}
}

func TestTokenManager_LinkUnlink(t *testing.T) {
	t.Parallel()

	m := NewTokenManager(NewMemoryStore(), nil)
	ctx := context.Background()
	if err := m.Link(ctx, Token{UserID: "u1"}); err == nil {
		t.Fatal("Link accepted a token without access token")
	}
	if err := m.Link(ctx, Token{UserID: "u1", AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetToken(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unlink(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetToken(ctx, "u1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("err = %v, want ErrNotLinked", err)
	}
}

func TestToken_Expired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"zero never expires", time.Time{}, false},
		{"far future", now.Add(time.Hour), false},
		{"within skew", now.Add(10 * time.Second), true},
		{"past", now.Add(-time.Minute), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := (Token{Expiry: tc.expiry}).Expired(now); got != tc.want {
				t.Errorf("Expired = %v, want %v", got, tc.want)
			}
		})
	}
}
