package marketchat

import "time"

// ConnectionState represents the current state of the socket connection.
type ConnectionState int

const (
	// StateDisconnected means no socket is open and none is being dialed.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight. Only one can be.
	StateConnecting

	// StateConnected means the socket is open and frames may be sent.
	StateConnected
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
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}

// ReconnectEvent is emitted when an automatic reconnect has been scheduled.
type ReconnectEvent struct {
	Attempt int // zero-based index of the retry about to run
	Delay   time.Duration
}

// Backoff returns the reconnect delay before retry number attempt:
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
