package conn

// State is the connection lifecycle state.
type State int32

const (
	// StateDisconnected means no usable socket exists.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the socket is ready for Send.
	StateOpen
	// StateClosing means a prior socket is being torn down.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
