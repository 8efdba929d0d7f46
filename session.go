package nsq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pior/nsq/wire"
)

// ErrSessionStarted is returned by Start on a session that is already running.
var ErrSessionStarted = errors.New("nsq: session already started")

// SessionState is the connection state of a Session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateIdentifying
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateClosing
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Session consumes one topic/channel from one daemon.
//
// It keeps a single connection open, reconnecting with the configured policy
// when the connection fails. Messages are distributed to the registered
// handlers in round-robin.
//
// A single goroutine owns the connection: it reads decoded frames, writes every
// command and drives the FlowController. Handlers talk to it through their
// Message.
type Session struct {
	addr    string
	topic   string
	channel string
	cfg     Config
	logger  zerolog.Logger

	mux   *Multiplexer
	flow  *FlowController
	stats sessionStatsCollector

	connCfg     atomic.Pointer[ConnectionConfig]
	generations atomic.Uint64

	wake chan struct{}

	stateMu sync.Mutex
	state   SessionState
	waiters []stateWaiter
	err     error
	cancel  context.CancelFunc

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

type stateWaiter struct {
	state SessionState
	ch    chan struct{}
}

// NewSession validates the configuration and returns a stopped session.
func NewSession(addr, topic, channel string, config Config) (*Session, error) {
	if err := wire.ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if err := wire.ValidateChannelName(channel); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Session{
		addr:    addr,
		topic:   topic,
		channel: channel,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("addr", addr).Str("topic", topic).Str("channel", channel).Logger(),
		mux:     NewMultiplexer(),
		flow:    NewFlowController(cfg.flowConfig()),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Connect creates a session, starts it and waits until it streams.
func Connect(ctx context.Context, addr, topic, channel string, config Config, handlers ...Handler) (*Session, error) {
	s, err := NewSession(addr, topic, channel, config)
	if err != nil {
		return nil, err
	}
	for _, h := range handlers {
		s.RegisterReader(h)
	}

	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	if err := s.WaitState(ctx, StateStreaming); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CloseTimeout)
		defer cancel()
		_ = s.Close(closeCtx)
		return nil, err
	}
	return s, nil
}

// Start connects in the background. Cancelling ctx stops the session without
// the graceful close sequence.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.isClosing() {
		return ErrSessionClosed
	}
	if s.cancel != nil {
		return ErrSessionStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Close stops the session. A streaming connection sends CLS and waits for the
// daemon to acknowledge and for in-flight messages to be answered, up to
// Config.CloseTimeout. If ctx expires first, the connection is dropped.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})

	s.stateMu.Lock()
	cancel := s.cancel
	s.stateMu.Unlock()
	if cancel == nil {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		cancel()
		<-s.done
		return ctx.Err()
	}
}

// RegisterReader adds h to the round-robin rotation.
func (s *Session) RegisterReader(h Handler) *Registration {
	r := s.mux.Register(h)
	s.signal()
	return r
}

// UnregisterReader removes a handler. Messages already handed to it stay valid.
func (s *Session) UnregisterReader(r *Registration) bool {
	ok := s.mux.Unregister(r)
	if ok {
		s.signal()
	}
	return ok
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Err returns the error that stopped the session, if any.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// WaitState blocks until the session enters state, the session stops, or ctx
// is done. Entering the state after the call counts even if it is left right
// away.
func (s *Session) WaitState(ctx context.Context, state SessionState) error {
	s.stateMu.Lock()
	if s.state == state {
		s.stateMu.Unlock()
		return nil
	}
	w := stateWaiter{state: state, ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.stateMu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-s.done:
		select {
		case <-w.ch:
			return nil
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		s.removeWaiter(w)
		return ctx.Err()
	}
}

func (s *Session) removeWaiter(w stateWaiter) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for i, other := range s.waiters {
		if other.ch == w.ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	waiters := s.waiters[:0]
	for _, w := range s.waiters {
		if w.state == state {
			close(w.ch)
			continue
		}
		waiters = append(waiters, w)
	}
	s.waiters = waiters
	s.stateMu.Unlock()

	s.stats.recordState(state)
	if prev != state {
		s.logger.Debug().Stringer("from", prev).Stringer("to", state).Msg("state changed")
	}
}

// Stats returns a snapshot of the session statistics.
func (s *Session) Stats() SessionStats {
	return s.stats.snapshot()
}

// ConnectionConfig returns the parameters of the current connection, or nil
// before the first successful identify.
func (s *Session) ConnectionConfig() *ConnectionConfig {
	return s.connCfg.Load()
}

func (s *Session) Addr() string    { return s.addr }
func (s *Session) Topic() string   { return s.topic }
func (s *Session) Channel() string { return s.channel }

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) reportError(err error) {
	if s.cfg.ErrorHandler != nil {
		s.cfg.ErrorHandler(err)
	}
}

// run connects and reconnects until the session is closed or gives up.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		streamed, err := s.connectOnce(ctx)
		if s.isClosing() {
			break
		}
		if ctx.Err() != nil {
			s.fail(ctx.Err())
			break
		}

		if streamed {
			attempt = 0
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("connection ended")
			s.reportError(err)

			if !IsRetryable(err) {
				s.fail(err)
				break
			}
		}

		attempt++
		if s.cfg.Reconnect.Exhausted(attempt) {
			if err != nil {
				err = fmt.Errorf("%w: %w", ErrReconnectFailed, err)
			} else {
				err = ErrReconnectFailed
			}
			s.fail(err)
			break
		}

		delay := s.cfg.Reconnect.Delay(attempt)
		s.setState(StateReconnecting)
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			continue
		case <-s.closing:
		case <-ctx.Done():
		}
		timer.Stop()
		break
	}

	s.setState(StateDisconnected)

	s.stateMu.Lock()
	s.cancel()
	s.stateMu.Unlock()
}

func (s *Session) fail(err error) {
	s.stateMu.Lock()
	s.err = err
	s.stateMu.Unlock()
	s.logger.Error().Err(err).Msg("session stopped")
}

// connectOnce runs one connection from dial to teardown.
// streamed reports whether the connection reached the Streaming state.
func (s *Session) connectOnce(ctx context.Context) (streamed bool, err error) {
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	netConn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", s.addr)
	cancel()
	if err != nil {
		s.stats.recordConnectError()
		return false, &wire.ConnectionError{Op: "dial", Err: err}
	}

	conn := NewConnection(netConn, s.cfg.MaxFrameSize)
	conn.SetWriteTimeout(s.cfg.WriteTimeout)
	defer conn.Close()

	cc, err := s.handshake(ctx, conn)
	if err != nil {
		s.stats.recordConnectError()
		return false, err
	}

	gen := newGeneration(s.generations.Add(1))
	s.connCfg.Store(cc)
	s.stats.recordConnect()

	return true, s.stream(ctx, conn, gen, cc)
}

// handshake runs magic, identify, auth and subscribe under ReadTimeout.
// Closing the session interrupts it.
func (s *Session) handshake(ctx context.Context, conn *Connection) (*ConnectionConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := sendMagic(conn); err != nil {
		return nil, err
	}

	s.setState(StateIdentifying)
	cc, err := identify(ctx, conn, s.cfg)
	if err != nil {
		return nil, err
	}

	if cc.AuthRequired || s.cfg.AuthSecret != "" {
		s.setState(StateAuthenticating)
		if err := authenticate(ctx, conn, s.cfg, cc, s.logger); err != nil {
			return nil, err
		}
	}

	s.setState(StateSubscribing)
	if err := subscribe(ctx, conn, s.topic, s.channel); err != nil {
		return nil, err
	}
	return cc, nil
}

// errCloseWait ends the stream loop after a graceful close.
var errCloseWait = errors.New("nsq: close wait")

type inflightEntry struct {
	msg      *Message
	deadline time.Time
}

// streamLoop is the state owned by the event loop of one connection.
type streamLoop struct {
	s      *Session
	conn   *Connection
	gen    *generation
	cc     *ConnectionConfig
	logger zerolog.Logger

	inflight map[wire.MessageID]*inflightEntry
	lastRDY  int

	backoffTimer *time.Timer
	backoffC     <-chan time.Time

	closing    bool
	closeWait  bool
	closeTimer *time.Timer
}

func (s *Session) stream(ctx context.Context, conn *Connection, gen *generation, cc *ConnectionConfig) error {
	l := &streamLoop{
		s:        s,
		conn:     conn,
		gen:      gen,
		cc:       cc,
		logger:   s.logger.With().Uint64("generation", gen.id).Logger(),
		inflight: make(map[wire.MessageID]*inflightEntry),
	}
	defer l.teardown()

	s.flow.Reset()
	s.setState(StateStreaming)
	l.logger.Info().Int("max_rdy", cc.MaxRDY).Dur("msg_timeout", cc.MsgTimeout).Msg("streaming")

	frames := make(chan wire.Frame, 16)
	readErrs := make(chan error, 1)
	go readLoop(conn, readTimeout(cc), frames, readErrs, gen.done)

	sweep := time.NewTicker(sweepInterval(cc.MsgTimeout))
	defer sweep.Stop()

	closing := s.closing
	var closeTimeout <-chan time.Time

	if err := l.syncRDY(); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	for {
		var err error

		select {
		case frame := <-frames:
			err = l.handleFrame(frame)

		case err = <-readErrs:
			if l.closing && errors.Is(err, io.EOF) {
				return nil
			}
			if err == io.EOF {
				err = &wire.ConnectionError{Op: "read", Err: err}
			}
			return err

		case r := <-gen.responses:
			err = l.handleResponse(r)

		case <-s.wake:

		case <-l.backoffC:
			l.backoffC = nil
			if s.flow.OnTimerExpired() {
				l.logger.Debug().Msg("backoff elapsed, probing with RDY 1")
			}

		case now := <-sweep.C:
			l.expire(now)

		case <-closing:
			closing = nil
			l.closeTimer = time.NewTimer(s.cfg.CloseTimeout)
			closeTimeout = l.closeTimer.C
			err = l.startClose()

		case <-closeTimeout:
			l.logger.Warn().Int("in_flight", len(l.inflight)).Msg("close timed out")
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}

		if errors.Is(err, errCloseWait) {
			l.closeWait = true
			err = nil
		}
		if err != nil {
			return err
		}
		if l.closeWait && len(l.inflight) == 0 {
			return conn.Flush()
		}

		if err := l.syncRDY(); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
	}
}

func (l *streamLoop) teardown() {
	close(l.gen.done)
	if l.backoffTimer != nil {
		l.backoffTimer.Stop()
	}
	if l.closeTimer != nil {
		l.closeTimer.Stop()
	}
	l.s.stats.resetInFlight()
	l.s.stats.recordRDY(0)
}

// readLoop forwards decoded frames to the event loop until the first error.
func readLoop(conn *Connection, timeout time.Duration, frames chan<- wire.Frame, errs chan<- error, done <-chan struct{}) {
	for {
		frame, err := conn.ReadFrame(timeout)
		if err != nil {
			errs <- err
			return
		}

		select {
		case frames <- frame:
		case <-done:
			return
		}
	}
}

// readTimeout is the heartbeat watchdog: two missed heartbeats fail the read.
func readTimeout(cc *ConnectionConfig) time.Duration {
	if cc.HeartbeatInterval <= 0 {
		return 0
	}
	return 2 * cc.HeartbeatInterval
}

func sweepInterval(msgTimeout time.Duration) time.Duration {
	return min(max(msgTimeout/10, 10*time.Millisecond), time.Second)
}

func (l *streamLoop) handleFrame(frame wire.Frame) error {
	switch frame.Type {
	case wire.FrameTypeResponse:
		switch {
		case frame.IsHeartbeat():
			l.s.stats.recordHeartbeat()
			if err := l.conn.Write(wire.Nop()); err != nil {
				return err
			}
			return l.conn.Flush()
		case bytes.Equal(frame.Payload, wire.ResponseCloseWait):
			l.logger.Debug().Msg("close acknowledged")
			return errCloseWait
		default:
			l.logger.Debug().Bytes("payload", frame.Payload).Msg("response")
			return nil
		}

	case wire.FrameTypeError:
		serverErr := wire.ParseServerError(frame.Payload)
		l.s.stats.recordServerError()
		if serverErr.ShouldCloseConnection() {
			return serverErr
		}
		l.s.reportError(serverErr)
		l.logger.Warn().Err(serverErr).Msg("command rejected")
		return nil

	case wire.FrameTypeMessage:
		return l.handleMessage(frame.Payload)

	default:
		return &wire.MalformedFrameError{Message: "unexpected frame type " + frame.Type.String()}
	}
}

func (l *streamLoop) handleMessage(payload []byte) error {
	wm, err := wire.DecodeMessage(payload)
	if err != nil {
		return err
	}
	l.s.stats.recordMessage()

	msg := &Message{Message: *wm, Addr: l.s.addr, gen: l.gen}

	// Finished without taking a turn in the rotation, with or without handlers.
	if limit := l.s.cfg.MaxAttempts; limit > 0 && msg.Attempts > limit {
		l.s.stats.recordMaxAttempts()
		msg.responded.Store(true)
		l.logger.Warn().Stringer("id", msg.ID).Uint16("attempts", msg.Attempts).Msg("max attempts exceeded, finishing")
		if h, ok := l.s.mux.Peek(); ok {
			if mh, ok := h.(MaxAttemptsHandler); ok {
				go mh.HandleMaxAttempts(msg)
			}
		}
		return l.conn.Write(wire.Finish(msg.ID))
	}

	h, ok := l.s.mux.Next()
	if !ok {
		l.s.stats.recordUnhandled()
		l.logger.Debug().Stringer("id", msg.ID).Msg("no handler registered, requeueing")
		return l.conn.Write(wire.Requeue(msg.ID, 0))
	}

	if _, dup := l.inflight[msg.ID]; !dup {
		l.s.stats.recordInFlight(1)
	}
	l.inflight[msg.ID] = &inflightEntry{msg: msg, deadline: time.Now().Add(l.cc.MsgTimeout)}

	go h.HandleMessage(msg)
	return nil
}

func (l *streamLoop) handleResponse(r response) error {
	id := r.msg.ID
	entry, tracked := l.inflight[id]
	if tracked && entry.msg != r.msg {
		tracked = false
	}

	if r.kind == responseTouch {
		l.s.stats.recordTouch()
		if tracked {
			entry.deadline = time.Now().Add(l.cc.MsgTimeout)
		}
		return l.conn.Write(wire.Touch(id))
	}

	if tracked {
		delete(l.inflight, id)
		l.s.stats.recordInFlight(-1)
	}

	switch r.kind {
	case responseFinish:
		l.s.stats.recordFinish()
		if err := l.conn.Write(wire.Finish(id)); err != nil {
			return err
		}
		if tracked && l.s.flow.OnSuccess() {
			if l.s.flow.State() == FlowNormal && l.backoffTimer != nil {
				l.backoffTimer.Stop()
				l.backoffC = nil
			}
			l.logger.Debug().Int("rdy", l.s.flow.RDY()).Msg("readiness restored")
		}

	case responseRequeue:
		l.s.stats.recordRequeue()
		if err := l.conn.Write(wire.Requeue(id, r.delay)); err != nil {
			return err
		}
		if tracked {
			l.backoff(l.s.flow.OnFailure())
		}
	}
	return nil
}

// expire treats in-flight messages past their deadline as failures.
func (l *streamLoop) expire(now time.Time) {
	for id, entry := range l.inflight {
		if now.Before(entry.deadline) {
			continue
		}
		delete(l.inflight, id)
		l.s.stats.recordInFlight(-1)
		l.s.stats.recordTimeout()
		l.logger.Warn().Stringer("id", id).Msg("message timed out")
		l.backoff(l.s.flow.OnFailure())
	}
}

func (l *streamLoop) backoff(delay time.Duration) {
	if l.backoffTimer != nil {
		l.backoffTimer.Stop()
	}
	l.backoffTimer = time.NewTimer(delay)
	l.backoffC = l.backoffTimer.C

	l.logger.Debug().
		Dur("delay", delay).
		Int("failures", l.s.flow.Snapshot().ConsecutiveFailures).
		Msg("backing off")
}

func (l *streamLoop) startClose() error {
	l.closing = true
	l.s.setState(StateClosing)
	l.logger.Info().Int("in_flight", len(l.inflight)).Msg("closing")
	return l.conn.Write(wire.StartClose())
}

// syncRDY sends RDY when the effective readiness changed.
func (l *streamLoop) syncRDY() error {
	l.s.stats.recordFlowState(l.s.flow.State())
	if l.closing {
		return nil
	}

	want := 0
	if l.s.mux.Len() > 0 {
		want = l.s.flow.RDY()
		if l.cc.MaxRDY > 0 && want > l.cc.MaxRDY {
			want = l.cc.MaxRDY
		}
	}
	if want == l.lastRDY {
		return nil
	}

	cmd, err := wire.Ready(want)
	if err != nil {
		return err
	}
	if err := l.conn.Write(cmd); err != nil {
		return err
	}
	l.lastRDY = want
	l.s.stats.recordRDY(want)
	return nil
}
