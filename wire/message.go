package wire

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// MessageID is the opaque 16-byte token identifying a delivery.
// The daemon generates it as 16 printable hex characters.
type MessageID [MsgIDLength]byte

func (id MessageID) String() string {
	return string(id[:])
}

// Hex returns the hex encoding of the raw id bytes, for logs of non-printable ids.
func (id MessageID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Message is the decoded payload of a message frame.
type Message struct {
	ID        MessageID
	Timestamp int64 // nanoseconds since epoch, set by the daemon
	Attempts  uint16
	Body      []byte
}

// DecodeMessage decodes a message frame payload.
// Layout: 8-byte timestamp, 2-byte attempts, 16-byte id, body.
// The body aliases payload.
func DecodeMessage(payload []byte) (*Message, error) {
	if len(payload) < MsgHeaderLen {
		return nil, &MalformedFrameError{Message: "message payload of " + strconv.Itoa(len(payload)) + " bytes is shorter than header"}
	}

	msg := &Message{
		Timestamp: int64(binary.BigEndian.Uint64(payload[0:8])),
		Attempts:  binary.BigEndian.Uint16(payload[8:10]),
		Body:      payload[MsgHeaderLen:],
	}
	copy(msg.ID[:], payload[10:MsgHeaderLen])
	return msg, nil
}

// AppendMessage appends the message payload encoding of m to dst.
func AppendMessage(dst []byte, m *Message) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.Timestamp))
	dst = binary.BigEndian.AppendUint16(dst, m.Attempts)
	dst = append(dst, m.ID[:]...)
	return append(dst, m.Body...)
}

// MessageFrame wraps m in a message frame.
func MessageFrame(m *Message) Frame {
	return Frame{
		Type:    FrameTypeMessage,
		Payload: AppendMessage(make([]byte, 0, MsgHeaderLen+len(m.Body)), m),
	}
}
