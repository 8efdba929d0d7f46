package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"
)

// Command names
const (
	CmdIdentify  = "IDENTIFY"
	CmdAuth      = "AUTH"
	CmdSub       = "SUB"
	CmdRdy       = "RDY"
	CmdFin       = "FIN"
	CmdReq       = "REQ"
	CmdTouch     = "TOUCH"
	CmdNop       = "NOP"
	CmdCls       = "CLS"
	CmdPub       = "PUB"
	CmdMPub      = "MPUB"
	CmdDPub      = "DPUB"
	newlineByte  = '\n'
	spaceByte    = ' '
	maxBodyCount = 1 << 20
)

// Command is one outbound command.
// This is a plain container; the constructors below produce the canonical forms.
type Command struct {
	// Name is the command name (SUB, RDY, ...)
	Name string

	// Params are appended to the command line separated by spaces
	Params []string

	// Body, when not nil, is sent after the command line with a 4-byte length prefix.
	// Only IDENTIFY, AUTH, PUB, MPUB and DPUB carry a body.
	Body []byte
}

// Buffer pool for building commands
var bufferPool = sync.Pool{
	New: func() any {
		// Typical command is well under 128 bytes
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 64*1024 {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// Append appends the wire encoding of the command to dst.
func (c *Command) Append(dst []byte) []byte {
	dst = append(dst, c.Name...)
	for _, p := range c.Params {
		dst = append(dst, spaceByte)
		dst = append(dst, p...)
	}
	dst = append(dst, newlineByte)
	if c.Body != nil {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(c.Body)))
		dst = append(dst, c.Body...)
	}
	return dst
}

// Bytes returns the wire encoding of the command.
func (c *Command) Bytes() []byte {
	return c.Append(nil)
}

// WriteTo writes the command to w in a single Write call.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	buf.Write(c.Append(buf.AvailableBuffer()))
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func (c *Command) String() string {
	line := c.Name
	for _, p := range c.Params {
		line += " " + p
	}
	return line
}

// Identify builds an IDENTIFY command; v is marshalled as the JSON body.
func Identify(v any) (*Command, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, &InvalidCommandError{Message: "identify body: " + err.Error()}
	}
	return &Command{Name: CmdIdentify, Body: body}, nil
}

// Auth builds an AUTH command carrying the secret as body.
func Auth(secret string) *Command {
	return &Command{Name: CmdAuth, Body: []byte(secret)}
}

// Subscribe builds a SUB command after validating both names.
func Subscribe(topic, channel string) (*Command, error) {
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if err := ValidateChannelName(channel); err != nil {
		return nil, err
	}
	return &Command{Name: CmdSub, Params: []string{topic, channel}}, nil
}

// Ready builds a RDY command.
func Ready(count int) (*Command, error) {
	if count < 0 {
		return nil, &InvalidCommandError{Message: "negative RDY count " + strconv.Itoa(count)}
	}
	return &Command{Name: CmdRdy, Params: []string{strconv.Itoa(count)}}, nil
}

// Finish builds a FIN command.
func Finish(id MessageID) *Command {
	return &Command{Name: CmdFin, Params: []string{string(id[:])}}
}

// Requeue builds a REQ command; the delay is sent in milliseconds.
func Requeue(id MessageID, delay time.Duration) *Command {
	return &Command{Name: CmdReq, Params: []string{string(id[:]), strconv.FormatInt(clampDelay(delay).Milliseconds(), 10)}}
}

// Touch builds a TOUCH command, resetting the server-side timeout of a message.
func Touch(id MessageID) *Command {
	return &Command{Name: CmdTouch, Params: []string{string(id[:])}}
}

// Nop builds a NOP command, the answer to a heartbeat.
func Nop() *Command {
	return &Command{Name: CmdNop}
}

// StartClose builds a CLS command. The daemon answers CLOSE_WAIT and stops sending messages.
func StartClose() *Command {
	return &Command{Name: CmdCls}
}

// Publish builds a PUB command.
func Publish(topic string, body []byte) (*Command, error) {
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if body == nil {
		body = []byte{}
	}
	return &Command{Name: CmdPub, Params: []string{topic}, Body: body}, nil
}

// DeferredPublish builds a DPUB command: the daemon delivers the message after delay.
func DeferredPublish(topic string, delay time.Duration, body []byte) (*Command, error) {
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if delay < 0 || delay > MaxRequeueDelay {
		return nil, &InvalidCommandError{Message: "deferred publish delay out of range"}
	}
	if body == nil {
		body = []byte{}
	}
	return &Command{Name: CmdDPub, Params: []string{topic, strconv.FormatInt(delay.Milliseconds(), 10)}, Body: body}, nil
}

// MultiPublish builds an MPUB command.
// Body layout: 4-byte message count, then each message as 4-byte length + bytes.
func MultiPublish(topic string, bodies [][]byte) (*Command, error) {
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if len(bodies) == 0 {
		return nil, &InvalidCommandError{Message: "multi publish needs at least one body"}
	}

	size := 4
	for _, b := range bodies {
		size += 4 + len(b)
	}

	body := make([]byte, 0, size)
	body = binary.BigEndian.AppendUint32(body, uint32(len(bodies)))
	for _, b := range bodies {
		body = binary.BigEndian.AppendUint32(body, uint32(len(b)))
		body = append(body, b...)
	}

	return &Command{Name: CmdMPub, Params: []string{topic}, Body: body}, nil
}

// SplitMultiPublishBody decodes an MPUB body back into its messages.
func SplitMultiPublishBody(body []byte) ([][]byte, error) {
	if len(body) < 4 {
		return nil, &InvalidCommandError{Message: "MPUB body too short"}
	}
	count := binary.BigEndian.Uint32(body[:4])
	if count == 0 || count > maxBodyCount {
		return nil, &InvalidCommandError{Message: "MPUB invalid message count"}
	}

	msgs := make([][]byte, 0, count)
	pos := 4
	for range count {
		if len(body)-pos < 4 {
			return nil, &InvalidCommandError{Message: "MPUB truncated message size"}
		}
		n := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if len(body)-pos < n {
			return nil, &InvalidCommandError{Message: "MPUB truncated message body"}
		}
		msgs = append(msgs, body[pos:pos+n])
		pos += n
	}
	return msgs, nil
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxRequeueDelay {
		return MaxRequeueDelay
	}
	return d
}

// commandsWithBody lists commands whose command line is followed by a length-prefixed body.
var commandsWithBody = map[string]bool{
	CmdIdentify: true,
	CmdAuth:     true,
	CmdPub:      true,
	CmdMPub:     true,
	CmdDPub:     true,
}

// HasBody reports whether commands named name carry a body.
func HasBody(name string) bool {
	return commandsWithBody[name]
}

// ReadCommand parses one command from r, as a daemon would.
// It is the inverse of Command.Append and is used to script fake daemons.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	line, err := r.ReadSlice(newlineByte)
	if err == bufio.ErrBufferFull {
		// Line exceeds buffer, fall back to ReadBytes (allocates)
		var rest []byte
		head := append([]byte(nil), line...)
		rest, err = r.ReadBytes(newlineByte)
		line = append(head, rest...)
	}
	if err != nil {
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte{newlineByte})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return nil, &InvalidCommandError{Message: "empty command line"}
	}

	fields := bytes.Split(line, []byte{spaceByte})
	cmd := &Command{Name: string(fields[0])}
	for _, f := range fields[1:] {
		cmd.Params = append(cmd.Params, string(f))
	}

	if !HasBody(cmd.Name) {
		return cmd, nil
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > DefaultMaxFrameSize {
		return nil, &InvalidCommandError{Message: "body exceeds limit"}
	}
	cmd.Body = make([]byte, size)
	if _, err := io.ReadFull(r, cmd.Body); err != nil {
		return nil, err
	}
	return cmd, nil
}
