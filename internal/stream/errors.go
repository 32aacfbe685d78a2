package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when text is appended to, or a run is started on, a session that already
	// reached a terminal state.
	ErrSessionClosed = errors.New("stream session is closed")
	// ErrSessionStarted is returned when Run is called twice on the same session.
	ErrSessionStarted = errors.New("stream session already started")
	// ErrMalformedFrame marks a line that could not be decoded into a frame.
	ErrMalformedFrame = errors.New("malformed frame")
)

// TransportError reports a stream that could not be opened or that broke while being read. It is the only
// stream failure that is surfaced to the user.
type TransportError struct {
	// Op is the phase that failed, "open" or "read".
	Op string
	// StatusCode is the HTTP status returned by the server, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
