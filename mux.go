package nsq

import (
	"sync"
	"time"
)

// Handler processes messages. HandleMessage runs on its own goroutine and must
// eventually call Finish or Requeue, or let the message time out.
type Handler interface {
	HandleMessage(m *Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(m *Message)

func (f HandlerFunc) HandleMessage(m *Message) {
	f(m)
}

// MaxAttemptsHandler is implemented by handlers that want to observe messages
// dropped because they exceeded Config.MaxAttempts. The session finishes those
// messages itself.
type MaxAttemptsHandler interface {
	HandleMaxAttempts(m *Message)
}

// Registration is the handle returned when a handler is attached to a session.
type Registration struct {
	id           uint64
	handler      Handler
	registeredAt time.Time
}

// ID returns the registration id, unique within a Multiplexer.
func (r *Registration) ID() uint64 {
	return r.id
}

// RegisteredAt returns when the handler was registered.
func (r *Registration) RegisteredAt() time.Time {
	return r.registeredAt
}

// Multiplexer distributes messages across registered handlers in round-robin,
// in registration order.
//
// Removing a handler keeps the relative order of the others and does not skip
// or repeat anyone in the current cycle.
type Multiplexer struct {
	mu     sync.Mutex
	regs   []*Registration
	cursor int
	nextID uint64
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{}
}

// Register appends h to the rotation.
func (m *Multiplexer) Register(h Handler) *Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	r := &Registration{
		id:           m.nextID,
		handler:      h,
		registeredAt: time.Now(),
	}
	m.regs = append(m.regs, r)
	return r
}

// Unregister removes r. It returns false if r was not registered.
func (m *Multiplexer) Unregister(r *Registration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, reg := range m.regs {
		if reg != r {
			continue
		}

		m.regs = append(m.regs[:i], m.regs[i+1:]...)
		if i < m.cursor {
			m.cursor--
		}
		if m.cursor >= len(m.regs) {
			m.cursor = 0
		}
		return true
	}
	return false
}

// Next returns the handler whose turn it is. It returns false when no handler
// is registered.
func (m *Multiplexer) Next() (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.regs) == 0 {
		return nil, false
	}

	h := m.regs[m.cursor].handler
	m.cursor = (m.cursor + 1) % len(m.regs)
	return h, true
}

// Peek returns the handler whose turn it is without advancing the rotation.
func (m *Multiplexer) Peek() (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.regs) == 0 {
		return nil, false
	}
	return m.regs[m.cursor].handler, true
}

// Len returns the number of registered handlers.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}
