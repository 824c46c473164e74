package realtime

import (
	"errors"
	"fmt"
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON documents.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrTransportOpenFailed wraps dial failures.
	ErrTransportOpenFailed = errors.New("transport open failed")
	// ErrTransport wraps failures of an established transport.
	ErrTransport = errors.New("transport error")
	// ErrNotConnected is returned by Send and SendFrame outside the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Send and SendFrame after Close. It matches
	// ErrNotConnected.
	ErrClosed = fmt.Errorf("client closed: %w", ErrNotConnected)
)
