package testutils

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/nsq/wire"
)

// DefaultTimeout bounds every blocking step of a scripted daemon.
const DefaultTimeout = 5 * time.Second

// Daemon is a scripted daemon listening on a loopback port.
// Tests accept connections one by one and drive them command by command.
type Daemon struct {
	t     testing.TB
	ln    net.Listener
	conns chan *DaemonConn

	mu       sync.Mutex
	accepted []net.Conn
}

// NewDaemon starts listening. The listener and every accepted connection are
// closed when the test ends.
func NewDaemon(t testing.TB) *Daemon {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &Daemon{
		t:     t,
		ln:    ln,
		conns: make(chan *DaemonConn, 16),
	}
	t.Cleanup(func() {
		ln.Close()
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, c := range d.accepted {
			c.Close()
		}
	})

	go d.acceptLoop()
	return d
}

// Addr returns the listening address.
func (d *Daemon) Addr() string {
	return d.ln.Addr().String()
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.accepted = append(d.accepted, conn)
		d.mu.Unlock()
		d.conns <- &DaemonConn{t: d.t, conn: conn, r: bufio.NewReader(conn)}
	}
}

// Accept returns the next client connection after reading its magic.
func (d *Daemon) Accept() *DaemonConn {
	d.t.Helper()

	select {
	case c := <-d.conns:
		c.ReadMagic()
		return c
	case <-time.After(DefaultTimeout):
		d.t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

// DaemonConn is the daemon side of one client connection.
type DaemonConn struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
}

// ReadMagic reads and checks the protocol version marker.
func (c *DaemonConn) ReadMagic() {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	buf := make([]byte, len(wire.MagicV2))
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.MagicV2, string(buf))
}

// ReadCommand reads the next command.
func (c *DaemonConn) ReadCommand() (*wire.Command, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	return wire.ReadCommand(c.r)
}

// Expect reads the next command and checks its name.
func (c *DaemonConn) Expect(name string) *wire.Command {
	c.t.Helper()

	cmd, err := c.ReadCommand()
	require.NoError(c.t, err, "waiting for %s", name)
	require.Equal(c.t, name, cmd.Name, "unexpected command %s", cmd)
	return cmd
}

// ExpectLine reads the next command and checks its full command line.
func (c *DaemonConn) ExpectLine(line string) *wire.Command {
	c.t.Helper()

	cmd, err := c.ReadCommand()
	require.NoError(c.t, err, "waiting for %q", line)
	require.Equal(c.t, line, cmd.String())
	return cmd
}

// Identify answers IDENTIFY with identifyResponse, the whole handshake of a producer.
func (c *DaemonConn) Identify(identifyResponse string) *wire.Command {
	c.t.Helper()

	identify := c.Expect(wire.CmdIdentify)
	c.Respond(identifyResponse)
	return identify
}

// Handshake answers IDENTIFY with identifyResponse ("OK" or a JSON body) and
// SUB with OK. It returns the IDENTIFY command.
func (c *DaemonConn) Handshake(identifyResponse string) *wire.Command {
	c.t.Helper()

	identify := c.Identify(identifyResponse)
	c.Expect(wire.CmdSub)
	c.Respond("OK")
	return identify
}

// WriteFrame sends f.
func (c *DaemonConn) WriteFrame(f wire.Frame) {
	c.t.Helper()
	c.WriteRaw(wire.EncodeFrame(f))
}

// WriteRaw sends arbitrary bytes.
func (c *DaemonConn) WriteRaw(b []byte) {
	c.t.Helper()

	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

// Respond sends a response frame.
func (c *DaemonConn) Respond(payload string) {
	c.t.Helper()
	c.WriteFrame(Response(payload))
}

// Error sends an error frame.
func (c *DaemonConn) Error(payload string) {
	c.t.Helper()
	c.WriteFrame(ErrorFrame(payload))
}

// Heartbeat sends a heartbeat.
func (c *DaemonConn) Heartbeat() {
	c.t.Helper()
	c.WriteFrame(Response(string(wire.ResponseHeartbeat)))
}

// SendMessage delivers a message with the given id.
func (c *DaemonConn) SendMessage(id string, attempts uint16, body string) wire.MessageID {
	c.t.Helper()

	var msgID wire.MessageID
	copy(msgID[:], id)
	c.WriteFrame(wire.MessageFrame(&wire.Message{
		ID:        msgID,
		Timestamp: time.Now().UnixNano(),
		Attempts:  attempts,
		Body:      []byte(body),
	}))
	return msgID
}

// ExpectClosed reads and discards commands until the client closes the connection.
func (c *DaemonConn) ExpectClosed() {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	for {
		_, err := wire.ReadCommand(c.r)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatal("timed out waiting for the client to close the connection")
		}
		return
	}
}

// Close drops the connection.
func (c *DaemonConn) Close() {
	c.conn.Close()
}
