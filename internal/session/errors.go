package session

import (
	"errors"
	"fmt"
)

// Errors returned to the command router. Compare with errors.Is.
var (
	// ErrNoActiveSession: the guild has no session, or its player is
	// currently shut down.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrAuthFailed: the linked account was rejected. The session has
	// ended and will not retry.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrBusy: the guild or the user already has a session, or the session
	// cannot take the command right now (e.g. while reconnecting).
	ErrBusy = errors.New("session: busy")

	// ErrGuildBusy and ErrOwnerBusy are the two ways Join reports ErrBusy.
	ErrGuildBusy = fmt.Errorf("%w: already playing in this guild", ErrBusy)
	ErrOwnerBusy = fmt.Errorf("%w: user owns a session in another guild", ErrBusy)
)
