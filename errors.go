package arrow

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the connection driver. All engine errors are
// fatal to the connection; the engine performs no internal recovery.
// Deciding whether to reconnect, and whether to honour a redirect, is the
// caller's responsibility.
var (
	// ErrConnectionError covers TCP/TLS setup failure, transport I/O
	// failure, and ACK timeout.
	ErrConnectionError = errors.New("arrow: connection error")
	// ErrUnauthorized is returned when REGISTER is rejected with
	// ACK_UNAUTHORIZED.
	ErrUnauthorized = errors.New("arrow: unauthorized")
	// ErrUnsupportedProtocolVersion is returned when REGISTER is rejected
	// with ACK_UNSUPPORTED_PROTOCOL_VERSION.
	ErrUnsupportedProtocolVersion = errors.New("arrow: unsupported protocol version")
	// ErrArrowServerError is returned when REGISTER is rejected with
	// ACK_INTERNAL_SERVER_ERROR.
	ErrArrowServerError = errors.New("arrow: server error")
)

// OtherError is the catch-all protocol violation: malformed frames,
// unexpected control messages, unknown types, unexpected ACK ids, ACKs
// when none were expected, or a control message arriving in the wrong
// protocol state.
type OtherError struct {
	Message string
}

func (e *OtherError) Error() string { return "arrow: " + e.Message }

// other builds an *OtherError carrying message, optionally formatted.
func other(format string, args ...any) error {
	return &OtherError{Message: fmt.Sprintf(format, args...)}
}

// connectionError wraps a lower-level cause as ErrConnectionError.
func connectionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConnectionError, fmt.Sprintf(format, args...))
}
