package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies request failures.
type Kind int

const (
	// KindServer is a non-2xx response.
	KindServer Kind = iota
	// KindTimeout is a request that exceeded the client timeout.
	KindTimeout
	// KindNetwork is any failure before a response arrived.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// StatusTimeout is reported for timed out requests.
const StatusTimeout = 408

// Error is returned for every failed request. Status is 0 for network
// errors and StatusTimeout for timeouts.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Data is the raw response body of a server error.
	Data []byte
	Err  error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("api %s error: %d %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindTimeout
}

// StatusCode returns the status carried by err, or -1 when err is not an
// *Error.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return -1
}
