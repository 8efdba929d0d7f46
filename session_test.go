package nsq

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/nsq/internal/testutils"
	"github.com/pior/nsq/wire"
)

const (
	testTopic   = "events"
	testChannel = "archive"
	id1         = "0000000000000001"
	id2         = "0000000000000002"
)

type recordingHandler struct {
	messages chan *Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messages: make(chan *Message, 16)}
}

func (h *recordingHandler) HandleMessage(m *Message) {
	h.messages <- m
}

func (h *recordingHandler) next(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-h.messages:
		return m
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

type droppingHandler struct {
	*recordingHandler
	dropped chan *Message
}

func (h *droppingHandler) HandleMaxAttempts(m *Message) {
	h.dropped <- m
}

func testConfig() Config {
	return Config{
		ClientID:          "test-client",
		Hostname:          "test-host",
		HeartbeatInterval: -1,
		BackoffBaseDelay:  50 * time.Millisecond,
		BackoffMaxDelay:   time.Second,
		Reconnect:         ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		CloseTimeout:      200 * time.Millisecond,
		ReadTimeout:       testutils.DefaultTimeout,
	}
}

func startSession(t *testing.T, d *testutils.Daemon, cfg Config, handlers ...Handler) *Session {
	t.Helper()

	s, err := NewSession(d.Addr(), testTopic, testChannel, cfg)
	require.NoError(t, err)
	for _, h := range handlers {
		s.RegisterReader(h)
	}
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitState(t *testing.T, s *Session, state SessionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultTimeout)
	defer cancel()
	require.NoError(t, s.WaitState(ctx, state))
}

func collectErrors(cfg *Config) chan error {
	errs := make(chan error, 16)
	cfg.ErrorHandler = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	return errs
}

func nextError(t *testing.T, errs chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("timed out waiting for an error")
		return nil
	}
}

func TestSessionHandshakeSendsSingleReady(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig(), newRecordingHandler())

	c := d.Accept()
	identify := c.Expect(wire.CmdIdentify)

	var body map[string]any
	require.NoError(t, json.Unmarshal(identify.Body, &body))
	assert.Equal(t, "test-client", body["client_id"])
	assert.Equal(t, "test-host", body["hostname"])
	assert.Equal(t, true, body["feature_negotiation"])
	assert.Equal(t, float64(-1), body["heartbeat_interval"])
	assert.Contains(t, body["user_agent"], "pior-nsq/")

	c.Respond("OK")
	c.ExpectLine("SUB events archive")
	c.Respond("OK")
	c.ExpectLine("RDY 1")

	waitState(t, s, StateStreaming)

	// the next command after RDY answers the heartbeat: no second RDY was sent
	c.Heartbeat()
	c.ExpectLine("NOP")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.RDY)
	assert.Equal(t, uint64(1), stats.Connects)
	assert.Equal(t, StateStreaming, stats.State)
}

func TestSessionHeartbeatAnsweredFirst(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()
	s := startSession(t, d, testConfig(), h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "pending")
	h.next(t)

	c.Heartbeat()
	c.ExpectLine("NOP")
	c.Heartbeat()
	c.ExpectLine("NOP")

	assert.Equal(t, uint64(2), s.Stats().Heartbeats)
}

func TestSessionDeliverAndFinish(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()
	s := startSession(t, d, testConfig(), h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "hello")
	m := h.next(t)
	assert.Equal(t, "hello", string(m.Body))
	assert.Equal(t, uint16(1), m.Attempts)
	assert.Equal(t, id1, m.ID.String())
	assert.Equal(t, d.Addr(), m.Addr)
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, int64(1), s.Stats().InFlight)

	require.NoError(t, m.Finish())
	c.ExpectLine("FIN " + id1)

	assert.True(t, m.HasResponded())
	assert.ErrorIs(t, m.Finish(), ErrAlreadyResponded)
	assert.ErrorIs(t, m.Requeue(0), ErrAlreadyResponded)
	assert.ErrorIs(t, m.Touch(), ErrAlreadyResponded)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MessagesReceived)
	assert.Equal(t, uint64(1), stats.MessagesFinished)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestSessionTouch(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()
	s := startSession(t, d, testConfig(), h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "slow")
	m := h.next(t)

	require.NoError(t, m.Touch())
	c.ExpectLine("TOUCH " + id1)
	require.NoError(t, m.Touch())
	c.ExpectLine("TOUCH " + id1)

	require.NoError(t, m.Requeue(1500*time.Millisecond))
	c.ExpectLine("REQ " + id1 + " 1500")

	assert.Equal(t, uint64(2), s.Stats().Touches)
}

func TestSessionRequeueBacksOff(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()

	cfg := testConfig()
	cfg.MaxInFlight = 5
	cfg.InitialRDY = 5
	s := startSession(t, d, cfg, h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 5")

	c.SendMessage(id1, 1, "fails")
	require.NoError(t, h.next(t).Requeue(0))
	c.ExpectLine("REQ " + id1 + " 0")
	c.ExpectLine("RDY 0")

	// after the backoff delay a single probe is allowed
	c.ExpectLine("RDY 1")
	assert.Equal(t, FlowProbing, s.Stats().FlowState)

	c.SendMessage(id2, 1, "works")
	require.NoError(t, h.next(t).Finish())
	c.ExpectLine("FIN " + id2)
	c.ExpectLine("RDY 5")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MessagesRequeued)
	assert.Equal(t, uint64(1), stats.MessagesFinished)
	assert.Equal(t, FlowNormal, stats.FlowState)
}

func TestSessionFinishDuringBackoffRecovers(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()

	cfg := testConfig()
	cfg.MaxInFlight = 5
	cfg.InitialRDY = 5
	cfg.BackoffBaseDelay = time.Hour
	cfg.BackoffMaxDelay = time.Hour
	s := startSession(t, d, cfg, h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 5")

	c.SendMessage(id1, 1, "fails")
	c.SendMessage(id2, 1, "works")
	failed, worked := h.next(t), h.next(t)

	require.NoError(t, failed.Requeue(0))
	c.ExpectLine("REQ " + failed.ID.String() + " 0")
	c.ExpectLine("RDY 0")
	assert.Equal(t, FlowBackoffPending, s.Stats().FlowState)

	require.NoError(t, worked.Finish())
	c.ExpectLine("FIN " + worked.ID.String())
	c.ExpectLine("RDY 5")

	assert.Equal(t, FlowNormal, s.Stats().FlowState)
}

func TestSessionMaxAttemptsWithoutHandler(t *testing.T) {
	d := testutils.NewDaemon(t)

	cfg := testConfig()
	cfg.MaxAttempts = 3
	s := startSession(t, d, cfg)

	c := d.Accept()
	c.Handshake("OK")
	waitState(t, s, StateStreaming)

	c.SendMessage(id1, 4, "poison")
	c.ExpectLine("FIN " + id1)

	c.SendMessage(id2, 1, "nobody home")
	c.ExpectLine("REQ " + id2 + " 0")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MaxAttemptsExceeded)
	assert.Equal(t, uint64(1), stats.MessagesUnhandled)
}

func TestSessionMaxAttemptsKeepsRotation(t *testing.T) {
	d := testutils.NewDaemon(t)
	a, b := newRecordingHandler(), newRecordingHandler()

	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.MaxInFlight = 4
	cfg.InitialRDY = 4
	startSession(t, d, cfg, a, b)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 4")

	c.SendMessage(id1, 9, "poison")
	c.ExpectLine("FIN " + id1)

	c.SendMessage(id2, 1, "first turn")
	assert.Equal(t, id2, a.next(t).ID.String())
}

func TestSessionMessageTimeoutIsFailure(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()
	s := startSession(t, d, testConfig(), h)

	c := d.Accept()
	c.Handshake(`{"msg_timeout":100}`)
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "forgotten")
	m := h.next(t)

	c.ExpectLine("RDY 0")
	c.ExpectLine("RDY 1")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MessagesTimedOut)
	assert.Equal(t, int64(0), stats.InFlight)

	// a late answer is still forwarded
	require.NoError(t, m.Finish())
	c.ExpectLine("FIN " + id1)
}

func TestSessionWithoutHandlerRequeues(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig())

	c := d.Accept()
	c.Handshake("OK")
	waitState(t, s, StateStreaming)

	c.SendMessage(id1, 1, "nobody home")
	c.ExpectLine("REQ " + id1 + " 0")

	h := newRecordingHandler()
	r := s.RegisterReader(h)
	c.ExpectLine("RDY 1")

	c.SendMessage(id2, 1, "welcome")
	require.NoError(t, h.next(t).Finish())
	c.ExpectLine("FIN " + id2)

	assert.True(t, s.UnregisterReader(r))
	c.ExpectLine("RDY 0")

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.MessagesUnhandled)
	assert.Equal(t, FlowNormal, stats.FlowState)
}

func TestSessionRoundRobinAcrossHandlers(t *testing.T) {
	d := testutils.NewDaemon(t)
	a, b := newRecordingHandler(), newRecordingHandler()

	cfg := testConfig()
	cfg.MaxInFlight = 4
	cfg.InitialRDY = 4
	startSession(t, d, cfg, a, b)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 4")

	ids := []string{"000000000000000a", "000000000000000b", "000000000000000c", "000000000000000d"}
	for _, id := range ids {
		c.SendMessage(id, 1, id)
	}

	assert.Equal(t, ids[0], a.next(t).ID.String())
	assert.Equal(t, ids[1], b.next(t).ID.String())
	assert.Equal(t, ids[2], a.next(t).ID.String())
	assert.Equal(t, ids[3], b.next(t).ID.String())
}

func TestSessionNegotiation(t *testing.T) {
	d := testutils.NewDaemon(t)

	cfg := testConfig()
	cfg.MaxInFlight = 10
	cfg.InitialRDY = 10
	s := startSession(t, d, cfg, newRecordingHandler())

	c := d.Accept()
	c.Handshake(`{"max_rdy_count":2,"version":"1.3.0","msg_timeout":30000,"heartbeat_interval":1000}`)
	c.ExpectLine("RDY 2")

	cc := s.ConnectionConfig()
	require.NotNil(t, cc)
	assert.Equal(t, 2, cc.MaxRDY)
	assert.Equal(t, 30*time.Second, cc.MsgTimeout)
	assert.Equal(t, time.Second, cc.HeartbeatInterval)
	require.NotNil(t, cc.Negotiated)
	assert.Equal(t, "1.3.0", cc.Negotiated.Version)
}

func TestSessionAuth(t *testing.T) {
	d := testutils.NewDaemon(t)

	cfg := testConfig()
	cfg.AuthSecret = "s3cret"
	s := startSession(t, d, cfg, newRecordingHandler())

	c := d.Accept()
	c.Expect(wire.CmdIdentify)
	c.Respond(`{"auth_required":true}`)

	auth := c.Expect(wire.CmdAuth)
	assert.Equal(t, "s3cret", string(auth.Body))
	c.Respond(`{"identity":"bob","identity_url":"https://auth.example","permission_count":1}`)

	c.ExpectLine("SUB events archive")
	c.Respond("OK")
	c.ExpectLine("RDY 1")

	cc := s.ConnectionConfig()
	require.NotNil(t, cc.Auth)
	assert.Equal(t, "bob", cc.Auth.Identity)
	assert.Equal(t, int64(1), cc.Auth.PermissionCount)
}

func TestSessionAuthRequiredWithoutSecret(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig(), newRecordingHandler())

	c := d.Accept()
	c.Expect(wire.CmdIdentify)
	c.Respond(`{"auth_required":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultTimeout)
	defer cancel()
	err := s.WaitState(ctx, StateStreaming)
	assert.ErrorIs(t, err, ErrAuthRequired)

	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "auth", he.Stage)
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, IsRetryable(s.Err()))
}

func TestSessionUnsupportedFeature(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig())

	c := d.Accept()
	c.Expect(wire.CmdIdentify)
	c.Respond(`{"snappy":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultTimeout)
	defer cancel()
	assert.ErrorIs(t, s.WaitState(ctx, StateStreaming), ErrUnsupportedFeature)
}

func TestSessionMalformedFrameReconnects(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()

	cfg := testConfig()
	cfg.Reconnect = ReconnectPolicy{BaseDelay: 300 * time.Millisecond}
	errs := collectErrors(&cfg)
	s := startSession(t, d, cfg, h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "before")
	stale := h.next(t)

	// declared size of zero
	c.WriteRaw([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	var malformed *wire.MalformedFrameError
	require.ErrorAs(t, nextError(t, errs), &malformed)
	waitState(t, s, StateReconnecting)

	c2 := d.Accept()
	c2.Handshake("OK")
	c2.ExpectLine("RDY 1")
	waitState(t, s, StateStreaming)

	assert.ErrorIs(t, stale.Finish(), ErrStaleMessage)
	assert.ErrorIs(t, stale.Touch(), ErrStaleMessage)
	assert.False(t, stale.HasResponded())

	c2.SendMessage(id2, 1, "after")
	fresh := h.next(t)
	assert.Equal(t, uint64(2), fresh.Generation())
	require.NoError(t, fresh.Finish())
	c2.ExpectLine("FIN " + id2)

	assert.Equal(t, uint64(2), s.Stats().Connects)
}

func TestSessionServerErrors(t *testing.T) {
	d := testutils.NewDaemon(t)

	cfg := testConfig()
	errs := collectErrors(&cfg)
	startSession(t, d, cfg, newRecordingHandler())

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.Error("E_FIN_FAILED FIN 0000000000000009 failed")
	var serverErr *wire.ServerError
	require.ErrorAs(t, nextError(t, errs), &serverErr)
	assert.Equal(t, wire.ErrCodeFinFailed, serverErr.Code)

	// still streaming on the same connection
	c.Heartbeat()
	c.ExpectLine("NOP")

	c.Error("E_INVALID cannot SUB in current state")
	require.ErrorAs(t, nextError(t, errs), &serverErr)
	assert.Equal(t, wire.ErrCodeInvalid, serverErr.Code)

	c2 := d.Accept()
	c2.Handshake("OK")
	c2.ExpectLine("RDY 1")
}

func TestSessionIdentifyRejectedReconnects(t *testing.T) {
	d := testutils.NewDaemon(t)
	startSession(t, d, testConfig(), newRecordingHandler())

	c := d.Accept()
	c.Expect(wire.CmdIdentify)
	c.Error("E_BAD_BODY IDENTIFY failed")

	c2 := d.Accept()
	c2.Handshake("OK")
	c2.ExpectLine("RDY 1")
}

func TestSessionMaxAttempts(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := &droppingHandler{recordingHandler: newRecordingHandler(), dropped: make(chan *Message, 1)}

	cfg := testConfig()
	cfg.MaxAttempts = 3
	s := startSession(t, d, cfg, h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 4, "poison")
	c.ExpectLine("FIN " + id1)

	select {
	case m := <-h.dropped:
		assert.Equal(t, "poison", string(m.Body))
		assert.ErrorIs(t, m.Finish(), ErrAlreadyResponded)
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("max attempts handler not called")
	}

	c.SendMessage(id2, 3, "last chance")
	assert.Equal(t, id2, h.next(t).ID.String())

	assert.Equal(t, uint64(1), s.Stats().MaxAttemptsExceeded)
}

func TestSessionGracefulClose(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()

	cfg := testConfig()
	cfg.CloseTimeout = testutils.DefaultTimeout
	s := startSession(t, d, cfg, h)

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	c.SendMessage(id1, 1, "in flight")
	m := h.next(t)

	closed := make(chan error, 1)
	go func() {
		closed <- s.Close(context.Background())
	}()

	c.ExpectLine("CLS")
	c.Respond("CLOSE_WAIT")

	// in-flight messages can still be answered
	require.NoError(t, m.Finish())
	c.ExpectLine("FIN " + id1)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("close did not return")
	}

	c.ExpectClosed()
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, m.Requeue(0), ErrStaleMessage)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestSessionCloseTimesOut(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig(), newRecordingHandler())

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	start := time.Now()
	require.NoError(t, s.Close(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	c.ExpectLine("CLS")
	c.ExpectClosed()
}

func TestSessionCloseBeforeStart(t *testing.T) {
	s, err := NewSession("127.0.0.1:1", testTopic, testChannel, testConfig())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestSessionStartTwice(t *testing.T) {
	d := testutils.NewDaemon(t)
	s := startSession(t, d, testConfig())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionStarted)
}

func TestSessionReconnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Reconnect.MaxAttempts = 2
	s, err := NewSession(addr, testTopic, testChannel, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), testutils.DefaultTimeout)
	defer cancel()
	err = s.WaitState(ctx, StateStreaming)
	assert.ErrorIs(t, err, ErrReconnectFailed)

	var connErr *wire.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, uint64(3), s.Stats().ConnectErrors)
}

func TestConnect(t *testing.T) {
	d := testutils.NewDaemon(t)
	h := newRecordingHandler()

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := Connect(context.Background(), d.Addr(), testTopic, testChannel, testConfig(), h)
		done <- result{s, err}
	}()

	c := d.Accept()
	c.Handshake("OK")
	c.ExpectLine("RDY 1")

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, StateStreaming, r.s.State())
	assert.Equal(t, testTopic, r.s.Topic())
	assert.Equal(t, testChannel, r.s.Channel())

	go func() {
		c.ExpectLine("CLS")
		c.Respond("CLOSE_WAIT")
	}()
	require.NoError(t, r.s.Close(context.Background()))
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession("127.0.0.1:4150", "bad topic", testChannel, Config{})
	var nameErr *wire.InvalidNameError
	require.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "topic", nameErr.Kind)

	_, err = NewSession("127.0.0.1:4150", testTopic, "", Config{})
	require.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "channel", nameErr.Kind)

	_, err = NewSession("127.0.0.1:4150", testTopic, testChannel, Config{SampleRate: 200})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, IsRetryable(err))
}
