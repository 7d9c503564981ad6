package hub

// State is the lifecycle of a Subscription.
type State int32

const (
	// StatePending is a subscription that has not been registered yet.
	StatePending State = iota
	// StateActive receives matching envelopes.
	StateActive
	// StateDraining no longer receives envelopes; what is queued is still handed out.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether moving from s to next is legal. Overflow and upstream loss
// skip Draining and go straight from Active to Closed.
func (s State) canTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateActive || next == StateClosed
	case StateActive:
		return next == StateDraining || next == StateClosed
	case StateDraining:
		return next == StateClosed
	default:
		return false
	}
}

// ConnState is the hub's view of its upstream event stream.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connected
	Reconnecting
	Closed
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
