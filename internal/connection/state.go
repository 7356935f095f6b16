package connection

// State is the connection lifecycle state. There is exactly one State per
// Manager; the Manager is its sole writer and every other component
// observes it through Notify or State().
type State int

const (
	// StateDisconnected means no transport exists and no attempt is in
	// flight. Initial state; also the terminal state of a failed retry
	// run until an explicit Connect.
	StateDisconnected State = iota

	// StateConnecting means a dial (including the token fetch) is in flight.
	StateConnecting

	// StateConnected means the transport is open and healthy.
	StateConnected

	// StateDegraded means the transport is nominally open but liveness
	// cannot be confirmed, or it just failed abnormally.
	StateDegraded

	// StateClosed is terminal. No transitions occur after it.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StatusChange describes one state transition.
type StatusChange struct {
	From   State  `json:"-"`
	State  State  `json:"-"`
	Reason string `json:"reason,omitempty"`
}
