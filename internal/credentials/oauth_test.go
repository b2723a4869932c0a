package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOAuthRefresher_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "r1" {
			t.Errorf("refresh_token = %q", got)
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "client" {
			t.Errorf("basic auth user = %q ok=%v", user, ok)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","token_type":"Bearer","expires_in":3600,"refresh_token":"r2"}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher("client", "secret", srv.URL, srv.Client())
	got, err := r.RefreshToken(context.Background(), Token{UserID: "u1", Username: "alice", RefreshToken: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r2" || got.UserID != "u1" || got.Username != "alice" {
		t.Errorf("unexpected token %+v", got)
	}
	if got.Expiry.IsZero() {
		t.Error("expiry not set")
	}
}

func TestOAuthRefresher_RejectedIsTokenError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	r := NewOAuthRefresher("client", "secret", srv.URL, srv.Client())
	_, err := r.RefreshToken(context.Background(), Token{UserID: "u1", RefreshToken: "r1"})
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TokenError", err)
	}
}

func TestOAuthRefresher_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewOAuthRefresher("client", "secret", srv.URL, srv.Client())
	_, err := r.RefreshToken(context.Background(), Token{UserID: "u1", RefreshToken: "r1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TokenError
	if errors.As(err, &te) {
		t.Fatalf("5xx reported as permanent: %v", err)
	}
}
