package testutils

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/pior/nsq/wire"
)

// ConnectionMock is a net.Conn that replays canned daemon output and records
// everything written to it.
type ConnectionMock struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

// NewConnectionMock returns a mock whose reads yield the given frames in order.
func NewConnectionMock(frames ...wire.Frame) *ConnectionMock {
	var data []byte
	for _, f := range frames {
		data = wire.AppendFrame(data, f)
	}
	return NewRawConnectionMock(data)
}

// NewRawConnectionMock returns a mock whose reads yield data.
func NewRawConnectionMock(data []byte) *ConnectionMock {
	return &ConnectionMock{
		readBuf:  bytes.NewBuffer(data),
		writeBuf: &bytes.Buffer{},
	}
}

// Response returns a response frame carrying payload.
func Response(payload string) wire.Frame {
	return wire.Frame{Type: wire.FrameTypeResponse, Payload: []byte(payload)}
}

// ErrorFrame returns an error frame carrying payload.
func ErrorFrame(payload string) wire.Frame {
	return wire.Frame{Type: wire.FrameTypeError, Payload: []byte(payload)}
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4150}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the raw bytes written to the mock connection.
func (m *ConnectionMock) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}
