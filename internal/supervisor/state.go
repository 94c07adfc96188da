// ABOUTME: Connection lifecycle states owned by the supervisor
// ABOUTME: Exactly one state is current per supervisor

package supervisor

// State is the lifecycle state of the transport connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingPairing
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// active reports whether a connection is being established or is open.
func (s State) active() bool {
	return s == StateConnecting || s == StateAwaitingPairing || s == StateOpen
}
