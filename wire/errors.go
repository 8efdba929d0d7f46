package wire

import (
	"errors"
	"fmt"
)

// Error types for protocol operations.
// They let clients decide whether a connection can still be used after a failure.

// ErrNeedMoreData is returned by DecodeFrame when the buffer does not hold a complete frame yet.
// It is not a failure: retry once more bytes are available.
var ErrNeedMoreData = errors.New("wire: need more data")

// MalformedFrameError reports a frame that cannot be decoded.
// The stream is out of sync and cannot be recovered in place.
//
// Common causes:
//   - Declared size of zero
//   - Unknown frame type
//   - Message payload shorter than 26 bytes
//   - Declared size above the frame limit
//
// Connection handling: CLOSE connection
type MalformedFrameError struct {
	Message string
}

func (e *MalformedFrameError) Error() string {
	return "wire: malformed frame: " + e.Message
}

// ShouldCloseConnection returns true - the stream is desynchronized
func (e *MalformedFrameError) ShouldCloseConnection() bool {
	return true
}

// ServerError represents an error frame sent by the daemon.
//
// Some codes only reject a single command (E_FIN_FAILED, E_REQ_FAILED,
// E_TOUCH_FAILED): the connection stays usable. Every other code means the
// daemon is about to drop the connection or the session is misconfigured.
type ServerError struct {
	Code    string
	Message string
}

// ParseServerError splits an error frame payload ("E_CODE description").
func ParseServerError(payload []byte) *ServerError {
	s := string(payload)
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return &ServerError{Code: s[:i], Message: s[i+1:]}
		}
	}
	return &ServerError{Code: s}
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + " " + e.Message
}

// ShouldCloseConnection returns false only for per-message failures.
func (e *ServerError) ShouldCloseConnection() bool {
	switch e.Code {
	case ErrCodeFinFailed, ErrCodeReqFailed, ErrCodeTouchFailed:
		return false
	}
	return true
}

// InvalidNameError is returned when a topic or channel name fails validation.
// Nothing has been written to the connection.
//
// Connection handling: Connection is still valid, operation was rejected client-side
type InvalidNameError struct {
	Kind string // topic or channel
	Name string
	Msg  string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("wire: invalid %s name %q: %s", e.Kind, e.Name, e.Msg)
}

// ShouldCloseConnection returns false - nothing was sent
func (e *InvalidNameError) ShouldCloseConnection() bool {
	return false
}

// InvalidCommandError is returned for arguments that cannot be encoded
// (negative RDY, empty MPUB, oversized delay) or for unparsable commands.
type InvalidCommandError struct {
	Message string
}

func (e *InvalidCommandError) Error() string {
	return "wire: invalid command: " + e.Message
}

// ShouldCloseConnection returns false - nothing was sent
func (e *InvalidCommandError) ShouldCloseConnection() bool {
	return false
}

// ConnectionError wraps underlying I/O errors from connection operations.
// Used to distinguish network issues from protocol errors.
//
// Connection handling: Connection is already broken, CLOSE and RECONNECT
type ConnectionError struct {
	Op  string // Operation that failed (dial, read, write, ...)
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - connection errors mean connection is broken
func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection survived them.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err requires closing the connection.
// Unknown errors are treated conservatively: close.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
