package rabbit

// State of the client's connection to the broker.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// StateListener is notified on every state transition.
//
// Listeners are called synchronously, they should return quickly and must not block on the client.
type StateListener func(from State, to State)
