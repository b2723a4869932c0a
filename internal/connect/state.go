package connect

// State is a Connect client lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateReconnecting
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason says why a client entered [StateFailed].
type FailReason int

const (
	ReasonNone FailReason = iota
	// ReasonAuth: credentials invalid, not linked, or account ineligible.
	ReasonAuth
	// ReasonNetwork: the retry schedule was exhausted.
	ReasonNetwork
	// ReasonInternal: a fault (panic, protocol violation) inside the client.
	ReasonInternal
)

// String returns the lower-case reason name.
func (r FailReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAuth:
		return "auth"
	case ReasonNetwork:
		return "network"
	case ReasonInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Status is a state plus, for [StateFailed], the reason and causing error.
type Status struct {
	State  State
	Reason FailReason
	Err    error
}

// String renders e.g. "failed(auth)".
func (s Status) String() string {
	if s.State == StateFailed {
		return s.State.String() + "(" + s.Reason.String() + ")"
	}
	return s.State.String()
}
