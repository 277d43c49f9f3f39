package call

// State is the lifecycle position of the local call session.
type State int

const (
	// StateIdle is both initial and terminal; a finished session resets
	// here, ready for reuse.
	StateIdle State = iota
	// StateCalling: invite sent, waiting for the callee's response.
	StateCalling
	// StateRinging: invite received, waiting for the local user.
	StateRinging
	// StateConnecting: media acquired, negotiation in flight.
	StateConnecting
	// StateConnected: offer/answer exchanged, media path established.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
