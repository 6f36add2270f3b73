package rudp

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the errors reported through the OnError callbacks.
type ErrorCode uint8

const (
	// The hostname of the server could not be resolved.
	DNSResolve ErrorCode = iota + 1
	// Nothing was received for longer than the timeout, or the reliable channel gave up
	// retransmitting a message.
	Timeout
	// The internal queues grew past the congestion threshold.
	Congestion
	// The other end sent something the protocol does not allow on an established session.
	InvalidReceive
	// The application tried to send something the protocol does not allow.
	InvalidSend
	// The socket reported that the other end is gone.
	ConnectionClosed
	// The socket failed in an unexpected way.
	Unexpected
)

// Returns the name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case DNSResolve:
		return "DNSResolve"
	case Timeout:
		return "Timeout"
	case Congestion:
		return "Congestion"
	case InvalidReceive:
		return "InvalidReceive"
	case InvalidSend:
		return "InvalidSend"
	case ConnectionClosed:
		return "ConnectionClosed"
	case Unexpected:
		return "Unexpected"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// Error is an error reported by a session. The same code and message are passed to the
// OnError callback of the handler.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

// This error is returned when sending on a client that has not completed the handshake.
var ErrNotConnected = errors.New("the client is not connected")

// This error is returned when a session has already been disconnected.
var ErrDisconnected = errors.New("the session is disconnected")

// This error is returned when the server has no connection with the id passed.
var ErrUnknownConnection = errors.New("no connection exists with this id")

// This error is returned when the configuration contains an invalid value.
var ErrInvalidConfig = errors.New("invalid configuration")
