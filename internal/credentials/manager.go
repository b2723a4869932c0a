package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time interface check.
var _ Manager = (*TokenManager)(nil)

// TokenManager implements [Manager] on top of a [Store] and a [Refresher].
// It is safe for concurrent use when its Store and Refresher are.
type TokenManager struct {
	store     Store
	refresher Refresher
	now       func() time.Time
}

// Option configures a [TokenManager].
type Option func(*TokenManager)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a TokenManager. refresher may be nil, in which case
// expired tokens are reported as [TokenError].
func NewTokenManager(store Store, refresher Refresher, opts ...Option) *TokenManager {
	m := &TokenManager{store: store, refresher: refresher, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetToken loads userID's token and refreshes it when it has expired.
func (m *TokenManager) GetToken(ctx context.Context, userID string) (Token, error) {
	tok, err := m.store.Load(ctx, userID)
	if err != nil {
		return Token{}, err
	}
	if !tok.Expired(m.now()) {
		return tok, nil
	}
	slog.Debug("credentials: token expired, refreshing", "user_id", userID)
	return m.Refresh(ctx, tok)
}

// Refresh exchanges tok for a new token and persists it. A rejected refresh
// token removes the stored credentials so the user is asked to link again.
func (m *TokenManager) Refresh(ctx context.Context, tok Token) (Token, error) {
	if m.refresher == nil || tok.RefreshToken == "" {
		return Token{}, &TokenError{UserID: tok.UserID, Err: errors.New("no refresh token")}
	}
	fresh, err := m.refresher.RefreshToken(ctx, tok)
	if err != nil {
		var te *TokenError
		if errors.As(err, &te) {
			if delErr := m.store.Delete(ctx, tok.UserID); delErr != nil {
				slog.Warn("credentials: failed to drop rejected token", "user_id", tok.UserID, "err", delErr)
			}
		}
		return Token{}, err
	}
	fresh.UserID = tok.UserID
	if fresh.Username == "" {
		fresh.Username = tok.Username
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.store.Save(ctx, fresh); err != nil {
		return Token{}, fmt.Errorf("credentials: save refreshed token: %w", err)
	}
	return fresh, nil
}

// Link stores a token obtained out of band (e.g. from the account-linking flow).
func (m *TokenManager) Link(ctx context.Context, tok Token) error {
	if tok.UserID == "" || tok.AccessToken == "" {
		return errors.New("credentials: link: user id and access token are required")
	}
	return m.store.Save(ctx, tok)
}

// Unlink removes userID's stored credentials.
func (m *TokenManager) Unlink(ctx context.Context, userID string) error {
	return m.store.Delete(ctx, userID)
}
