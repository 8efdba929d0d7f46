package nsq

import (
	"context"
	"errors"
	"fmt"

	"github.com/pior/nsq/wire"
)

var (
	ErrSessionClosed      = errors.New("nsq: session closed")
	ErrStaleMessage       = errors.New("nsq: message belongs to a closed connection")
	ErrAlreadyResponded   = errors.New("nsq: message already responded")
	ErrAuthRequired       = errors.New("nsq: daemon requires auth and no secret is configured")
	ErrUnsupportedFeature = errors.New("nsq: daemon enabled an unsupported feature")
	ErrNoServers          = errors.New("nsq: no servers available")
)

// HandshakeError is returned when the daemon rejects a step of the connection
// handshake. The session reconnects after it.
type HandshakeError struct {
	Stage string // magic, identify, auth, subscribe
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("nsq: handshake failed during %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) ShouldCloseConnection() bool {
	return true
}

// IsRetryable reports whether an operation failing with err may succeed on a new
// connection or a later attempt. Client-side misconfiguration is final.
// Sessions stop reconnecting on errors that are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrAuthRequired),
		errors.Is(err, ErrUnsupportedFeature),
		errors.Is(err, ErrReconnectFailed),
		errors.Is(err, context.Canceled):
		return false
	}

	var nameErr *wire.InvalidNameError
	if errors.As(err, &nameErr) {
		return false
	}
	var cmdErr *wire.InvalidCommandError
	return !errors.As(err, &cmdErr)
}
