package nsq

import (
	"sync/atomic"
	"time"

	"github.com/pior/nsq/wire"
)

// Message is a delivered message and the handle used to acknowledge it.
//
// Exactly one of Finish or Requeue must be called, unless the message is left to
// time out on the daemon. Touch may be called any number of times before.
// The methods are safe to call from any goroutine; they return ErrStaleMessage
// once the connection that delivered the message is gone.
type Message struct {
	wire.Message

	// Addr is the address of the daemon that delivered the message.
	Addr string

	gen       *generation
	responded atomic.Bool
}

// Generation returns the connection generation that delivered the message.
func (m *Message) Generation() uint64 {
	return m.gen.id
}

// HasResponded reports whether Finish or Requeue was called successfully.
func (m *Message) HasResponded() bool {
	return m.responded.Load()
}

// Finish acknowledges successful processing.
func (m *Message) Finish() error {
	return m.respond(response{kind: responseFinish})
}

// Requeue asks the daemon to deliver the message again after delay.
// The delay is clamped to 0..wire.MaxRequeueDelay.
func (m *Message) Requeue(delay time.Duration) error {
	return m.respond(response{kind: responseRequeue, delay: delay})
}

// Touch resets the server-side timeout of the message.
func (m *Message) Touch() error {
	if m.gen.closed() {
		return ErrStaleMessage
	}
	if m.responded.Load() {
		return ErrAlreadyResponded
	}
	return m.gen.post(response{kind: responseTouch, msg: m})
}

func (m *Message) respond(r response) error {
	if m.gen.closed() {
		return ErrStaleMessage
	}
	if !m.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	r.msg = m
	return m.gen.post(r)
}

type responseKind int

const (
	responseFinish responseKind = iota
	responseRequeue
	responseTouch
)

func (k responseKind) String() string {
	switch k {
	case responseFinish:
		return "finish"
	case responseRequeue:
		return "requeue"
	case responseTouch:
		return "touch"
	default:
		return "unknown"
	}
}

// response travels from a handler goroutine to the session event loop.
type response struct {
	kind  responseKind
	delay time.Duration
	msg   *Message
}

// generation is one connection lifetime. Closing done invalidates every message
// delivered on it.
type generation struct {
	id        uint64
	done      chan struct{}
	responses chan response
}

func newGeneration(id uint64) *generation {
	return &generation{
		id:        id,
		done:      make(chan struct{}),
		responses: make(chan response, 64),
	}
}

func (g *generation) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *generation) post(r response) error {
	select {
	case g.responses <- r:
		return nil
	case <-g.done:
		return ErrStaleMessage
	}
}
