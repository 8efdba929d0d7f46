package wire

import "time"

// MagicV2 is the protocol version marker written as the first bytes of every connection.
const MagicV2 = "  V2"

// FrameType identifies the kind of payload carried by a frame.
type FrameType int32

const (
	// FrameTypeResponse carries a plain response (OK, CLOSE_WAIT, _heartbeat_ or a JSON body).
	FrameTypeResponse FrameType = 0

	// FrameTypeError carries an error code and an optional description (E_INVALID ...).
	FrameTypeError FrameType = 1

	// FrameTypeMessage carries a message: timestamp, attempts, id and body.
	FrameTypeMessage FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Frame layout sizes
const (
	// SizeLen is the length of the frame size prefix.
	SizeLen = 4

	// TypeLen is the length of the frame type field.
	TypeLen = 4

	// HeaderLen is the number of bytes before the payload.
	HeaderLen = SizeLen + TypeLen

	// MsgIDLength is the length of a message id.
	MsgIDLength = 16

	// MsgHeaderLen is the minimum length of a message payload:
	// timestamp (8) + attempts (2) + id (16).
	MsgHeaderLen = 8 + 2 + MsgIDLength

	// DefaultMaxFrameSize bounds the memory used by a single frame.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// Well-known response payloads
var (
	ResponseOK        = []byte("OK")
	ResponseHeartbeat = []byte("_heartbeat_")
	ResponseCloseWait = []byte("CLOSE_WAIT")
)

// Error codes sent by the daemon in error frames.
const (
	ErrCodeInvalid       = "E_INVALID"
	ErrCodeBadBody       = "E_BAD_BODY"
	ErrCodeBadTopic      = "E_BAD_TOPIC"
	ErrCodeBadChannel    = "E_BAD_CHANNEL"
	ErrCodeBadMessage    = "E_BAD_MESSAGE"
	ErrCodePubFailed     = "E_PUB_FAILED"
	ErrCodeMPubFailed    = "E_MPUB_FAILED"
	ErrCodeDPubFailed    = "E_DPUB_FAILED"
	ErrCodeFinFailed     = "E_FIN_FAILED"
	ErrCodeReqFailed     = "E_REQ_FAILED"
	ErrCodeTouchFailed   = "E_TOUCH_FAILED"
	ErrCodeAuthFailed    = "E_AUTH_FAILED"
	ErrCodeUnauthorized  = "E_UNAUTHORIZED"
	ErrCodeAuthDisabled  = "E_AUTH_DISABLED"
	ErrCodeInvalidConfig = "E_BAD_CONFIG"
)

// Name limits
const (
	MaxNameLength   = 64
	EphemeralSuffix = "#ephemeral"
)

// MaxRequeueDelay is the largest delay accepted in a REQ or DPUB command.
const MaxRequeueDelay = time.Hour
