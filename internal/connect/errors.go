package connect

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/jukebridge/internal/credentials"
)

// AuthKind distinguishes permanent authentication failures.
type AuthKind int

const (
	// AuthBadCredentials: the service rejected the token.
	AuthBadCredentials AuthKind = iota
	// AuthPremiumRequired: the account tier cannot stream.
	AuthPremiumRequired
	// AuthNotLinked: the user has no stored credentials.
	AuthNotLinked
)

// String returns the kind as it appears on the wire and in logs.
func (k AuthKind) String() string {
	switch k {
	case AuthBadCredentials:
		return "bad_credentials"
	case AuthPremiumRequired:
		return "premium_required"
	case AuthNotLinked:
		return "not_linked"
	default:
		return "unknown"
	}
}

// AuthError is a permanent failure. It is never retried.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: auth failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connect: auth failed (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transient failure: a dial, read, write or timeout
// problem. The client retries it under its retry schedule.
type NetworkError struct {
	Op  string
	AP  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.AP != "" {
		return fmt.Sprintf("connect: %s %s: %v", e.Op, e.AP, e.Err)
	}
	return fmt.Sprintf("connect: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrProtocol marks a message the client cannot interpret.
var ErrProtocol = errors.New("connect: protocol violation")

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Classify maps an arbitrary error onto [AuthError] or [NetworkError] so
// callers only ever see the two classes. Context cancellation is returned
// unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ae *AuthError
		ne *NetworkError
		te *credentials.TokenError
	)
	switch {
	case errors.As(err, &ae), errors.As(err, &ne):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, credentials.ErrNotLinked):
		return &AuthError{Kind: AuthNotLinked, Err: err}
	case errors.As(err, &te):
		return &AuthError{Kind: AuthBadCredentials, Err: err}
	default:
		return &NetworkError{Op: op, Err: err}
	}
}
