package nsq

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pior/nsq/internal/coarsetime"
	"github.com/pior/nsq/wire"
)

var ErrConnectionClosed = errors.New("nsq: connection closed")

// Connection is one TCP stream to a daemon speaking the V2 protocol.
//
// Writes are buffered: Write queues a command and Flush sends everything queued.
// Send is the request/response helper used by the handshake and by producers.
type Connection struct {
	addr    string
	conn    net.Conn
	writer  *bufio.Writer
	decoder *wire.Decoder

	writeTimeout time.Duration

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

// NewConnection wraps netConn. A maxFrameSize <= 0 uses wire.DefaultMaxFrameSize.
func NewConnection(netConn net.Conn, maxFrameSize int) *Connection {
	return &Connection{
		addr:     netConn.RemoteAddr().String(),
		conn:     netConn,
		writer:   bufio.NewWriter(netConn),
		decoder:  wire.NewDecoder(netConn, maxFrameSize),
		lastUsed: coarsetime.Now(),
	}
}

// Addr returns the remote address.
func (c *Connection) Addr() string {
	return c.addr
}

// SetWriteTimeout bounds every Flush. Zero disables the deadline.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

// WriteMagic sends the protocol version marker. It must be the first write.
func (c *Connection) WriteMagic() error {
	if _, err := c.writer.WriteString(wire.MagicV2); err != nil {
		return &wire.ConnectionError{Op: "write", Err: err}
	}
	return c.Flush()
}

// Write queues cmd without sending it.
func (c *Connection) Write(cmd *wire.Command) error {
	if _, err := c.writer.Write(cmd.Append(c.writer.AvailableBuffer())); err != nil {
		return &wire.ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Flush sends the queued commands.
func (c *Connection) Flush() error {
	if c.writer.Buffered() == 0 {
		return nil
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.writer.Flush(); err != nil {
		return &wire.ConnectionError{Op: "write", Err: err}
	}
	c.touch()
	return nil
}

// WriteCommand writes cmd and flushes.
func (c *Connection) WriteCommand(cmd *wire.Command) error {
	if err := c.Write(cmd); err != nil {
		return err
	}
	return c.Flush()
}

// ReadFrame reads the next frame. A zero timeout clears the read deadline.
func (c *Connection) ReadFrame(timeout time.Duration) (wire.Frame, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return c.decoder.Next()
}

// Send writes cmd and returns the next response frame.
// Heartbeats received meanwhile are answered with NOP. An error frame is returned
// as *wire.ServerError. A message frame is a protocol violation on this path.
// Cancelling ctx interrupts the pending I/O.
func (c *Connection) Send(ctx context.Context, cmd *wire.Command) (wire.Frame, error) {
	if err := ctx.Err(); err != nil {
		return wire.Frame{}, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return wire.Frame{}, ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.WriteCommand(cmd); err != nil {
		return wire.Frame{}, c.contextError(ctx, err)
	}

	for {
		frame, err := c.decoder.Next()
		if err != nil {
			return wire.Frame{}, c.contextError(ctx, err)
		}

		switch frame.Type {
		case wire.FrameTypeResponse:
			if frame.IsHeartbeat() {
				if err := c.WriteCommand(wire.Nop()); err != nil {
					return wire.Frame{}, c.contextError(ctx, err)
				}
				continue
			}
			return frame, nil

		case wire.FrameTypeError:
			return frame, wire.ParseServerError(frame.Payload)

		default:
			return frame, &wire.MalformedFrameError{Message: "unexpected " + frame.Type.String() + " frame in response to " + cmd.Name}
		}
	}
}

// AnswerHeartbeats reads the frames an idle connection received and answers
// heartbeats with NOP. It returns nil once no frame arrives within wait.
// Any other frame is an error: idle producer connections expect nothing else.
func (c *Connection) AnswerHeartbeats(wait time.Duration) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		frame, err := c.ReadFrame(wait)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}

		switch {
		case frame.IsHeartbeat():
			if err := c.WriteCommand(wire.Nop()); err != nil {
				return err
			}
		case frame.Type == wire.FrameTypeError:
			return wire.ParseServerError(frame.Payload)
		default:
			return &wire.MalformedFrameError{Message: "unexpected " + frame.Type.String() + " frame on idle connection"}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// contextError prefers the context error when the I/O failed because of it.
func (c *Connection) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &wire.ConnectionError{Op: "send", Err: ctxErr}
	}
	return err
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = coarsetime.Now()
	c.mu.Unlock()
}

// LastUsed returns when the connection last flushed a write.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsClosed returns whether Close was called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
