package realtime

// ConnectionState is the lifecycle of the realtime channel.
type ConnectionState int

const (
	// StateDisconnected is the initial state and the state after an
	// explicit Disconnect.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the channel is open and Authenticate was sent,
	// but the server has not confirmed it yet.
	StateConnected

	// StateAuthenticated is the only state in which messages are written
	// immediately.
	StateAuthenticated

	// StateReconnecting means a reconnect is scheduled after a transport
	// failure.
	StateReconnecting

	// StateError means the last transport operation failed. It is terminal
	// once the reconnect budget is exhausted.
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change.
type StateEvent struct {
	Old ConnectionState
	New ConnectionState
	Err error // Optional error that caused the change
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
