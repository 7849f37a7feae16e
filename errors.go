package flowrpc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionEstablishment is returned when connection to the peer can't be established.
	ErrConnectionEstablishment = errors.New("connection establishment failed")

	// ErrConnectionLost is returned to every request pending on the connection when it terminates.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed is returned when message is sent over the closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrKeeperClosed is returned when connection is requested from the keeper which is not running anymore.
	ErrKeeperClosed = errors.New("connection keeper closed")

	// ErrEndpointRegistered is returned when well-known endpoint is registered twice.
	ErrEndpointRegistered = errors.New("endpoint already registered")

	// ErrInvalidEndpoint is returned when endpoint ID or token is not valid for the operation.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrRequestTimeout is returned when reply does not arrive on time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrIncompatibleProtocol is returned when peer speaks different protocol version.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")

	// ErrUnexpectedMessage is returned when message of unexpected type is received.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrMessageTooLarge is returned when message does not fit into the maximum message size.
	ErrMessageTooLarge = errors.New("message too large")
)

// causeError is classified by kind while keeping the original cause in the chain.
type causeError struct {
	kind  error
	msg   string
	cause error
}

func newCauseError(kind error, cause error, format string, args ...any) error {
	return errors.WithStack(&causeError{
		kind:  kind,
		msg:   fmt.Sprintf(format, args...),
		cause: cause,
	})
}

func (e *causeError) Error() string {
	if e.cause == nil {
		return e.msg + ": " + e.kind.Error()
	}
	return e.msg + ": " + e.kind.Error() + ": " + e.cause.Error()
}

func (e *causeError) Is(target error) bool {
	return target == e.kind
}

func (e *causeError) Unwrap() error {
	return e.cause
}
