// Package credentials stores the streaming-service tokens linked to Discord
// users and keeps them fresh.
//
// The Connect client only sees the narrow [Manager] interface. [TokenManager]
// implements it on top of a [Store] (PostgreSQL in production, memory in
// tests and development) and a [Refresher] that exchanges refresh tokens.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// expirySkew treats tokens as expired slightly early so a token never runs
// out halfway through an authentication handshake.
const expirySkew = 30 * time.Second

// MaxDeviceNameLength is the longest device name a user may pick, in
// characters.
const MaxDeviceNameLength = 16

var (
	// ErrNotLinked is returned when a user has no stored credentials.
	ErrNotLinked = errors.New("credentials: account not linked")

	// ErrInvalidDeviceName is returned for a device name that is empty or
	// longer than [MaxDeviceNameLength].
	ErrInvalidDeviceName = errors.New("credentials: device name must be 1 to 16 characters")
)

// Token is a user's access credential for the streaming service.
type Token struct {
	UserID       string
	Username     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the token must be refreshed before use at now.
// A zero expiry never expires.
func (t Token) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry.Add(-expirySkew))
}

// TokenError reports that the service rejected a user's token or refresh
// token. Retrying with the same credentials cannot succeed.
type TokenError struct {
	UserID string
	Err    error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("credentials: token rejected for user %q: %v", e.UserID, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// Manager hands out usable tokens. Both methods may block on I/O; callers
// bound them with a context deadline.
type Manager interface {
	// GetToken returns a valid token for userID, refreshing it if needed.
	GetToken(ctx context.Context, userID string) (Token, error)

	// Refresh exchanges tok's refresh token for a new access token.
	Refresh(ctx context.Context, tok Token) (Token, error)
}

// Store persists tokens.
type Store interface {
	Load(ctx context.Context, userID string) (Token, error)
	Save(ctx context.Context, tok Token) error
	Delete(ctx context.Context, userID string) error
}

// Profiles persists per-user preferences. A profile is kept when the user
// unlinks their account.
type Profiles interface {
	// DeviceName returns the user's device name, or "" when none is set.
	DeviceName(ctx context.Context, userID string) (string, error)

	// SetDeviceName stores name after [NormalizeDeviceName].
	SetDeviceName(ctx context.Context, userID, name string) error
}

// NormalizeDeviceName trims surrounding space from name and checks its
// length.
func NormalizeDeviceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > MaxDeviceNameLength {
		return "", ErrInvalidDeviceName
	}
	return name, nil
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	RefreshToken(ctx context.Context, tok Token) (Token, error)
}
