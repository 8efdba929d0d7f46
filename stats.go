package nsq

import (
	"sync/atomic"
	"time"
)

// PoolStats is a snapshot of a producer connection pool.
type PoolStats struct {
	AcquireCount      uint64 // Acquire calls
	AcquireWaitCount  uint64 // Acquire calls that found the pool full
	CreatedConns      uint64 // Connections dialed and handshaken
	DestroyedConns    uint64 // Connections closed by the pool
	AcquireErrors     uint64 // Acquire calls that returned an error
	AcquireWaitTimeNs uint64 // Time spent waiting on a full pool

	TotalConns  int32 // Open connections
	IdleConns   int32 // Open connections waiting in the pool
	ActiveConns int32 // Open connections checked out
	_           int32
}

// SessionStats contains statistics about a consumer session.
//
// Counters cover the lifetime of the session across reconnections.
// Gauges (InFlight, RDY, FlowState) describe the current connection.
type SessionStats struct {
	MessagesReceived    uint64 // Message frames delivered by the daemon
	MessagesFinished    uint64 // FIN sent
	MessagesRequeued    uint64 // REQ sent by a handler
	MessagesTimedOut    uint64 // In-flight messages that reached the message timeout
	MessagesUnhandled   uint64 // Requeued because no handler was registered
	MaxAttemptsExceeded uint64 // Finished without reaching a handler
	Touches             uint64 // TOUCH sent
	Heartbeats          uint64 // Heartbeats answered
	ServerErrors        uint64 // Error frames received
	Connects            uint64 // Connections that reached Streaming
	ConnectErrors       uint64 // Connection attempts that failed before Streaming

	InFlight  int64     // Messages delivered and not yet answered
	RDY       int64     // Last RDY count sent
	FlowState FlowState // State of the flow controller
	State     SessionState
}

// ProducerStats contains statistics about publish operations.
type ProducerStats struct {
	Publishes         uint64 // PUB commands acknowledged
	MultiPublishes    uint64 // MPUB commands acknowledged
	DeferredPublishes uint64 // DPUB commands acknowledged
	MessagesPublished uint64 // Individual messages acknowledged, across all commands
	Errors            uint64 // Failed operations
	_                 [3]uint64
}

// poolStatsCollector is shared by the pool implementations that track
// their own gauges.
type poolStatsCollector struct {
	acquires, waits, waitNs   atomic.Uint64
	created, destroyed, fails atomic.Uint64
	total, idle, active       atomic.Int32
}

func (c *poolStatsCollector) recordAcquire() { c.acquires.Add(1) }

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	c.waits.Add(1)
	c.waitNs.Add(uint64(d))
}

func (c *poolStatsCollector) recordAcquireError() { c.fails.Add(1) }

// A created connection is open; recordActivate marks it checked out.
func (c *poolStatsCollector) recordCreate() {
	c.created.Add(1)
	c.total.Add(1)
}

func (c *poolStatsCollector) recordDestroy() {
	c.destroyed.Add(1)
	c.total.Add(-1)
}

func (c *poolStatsCollector) recordActivate()   { c.active.Add(1) }
func (c *poolStatsCollector) recordDeactivate() { c.active.Add(-1) }

// idle -> active
func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idle.Add(-1)
	c.active.Add(1)
}

// active -> idle
func (c *poolStatsCollector) recordRelease() {
	c.active.Add(-1)
	c.idle.Add(1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		AcquireCount:      c.acquires.Load(),
		AcquireWaitCount:  c.waits.Load(),
		CreatedConns:      c.created.Load(),
		DestroyedConns:    c.destroyed.Load(),
		AcquireErrors:     c.fails.Load(),
		AcquireWaitTimeNs: c.waitNs.Load(),
		TotalConns:        c.total.Load(),
		IdleConns:         c.idle.Load(),
		ActiveConns:       c.active.Load(),
	}
}

// sessionStatsCollector is updated by the session goroutines.
type sessionStatsCollector struct {
	stats     SessionStats
	flowState atomic.Int32
	state     atomic.Int32
}

func (c *sessionStatsCollector) recordMessage() {
	atomic.AddUint64(&c.stats.MessagesReceived, 1)
}

func (c *sessionStatsCollector) recordInFlight(delta int64) {
	atomic.AddInt64(&c.stats.InFlight, delta)
}

func (c *sessionStatsCollector) resetInFlight() {
	atomic.StoreInt64(&c.stats.InFlight, 0)
}

func (c *sessionStatsCollector) recordFinish() {
	atomic.AddUint64(&c.stats.MessagesFinished, 1)
}

func (c *sessionStatsCollector) recordRequeue() {
	atomic.AddUint64(&c.stats.MessagesRequeued, 1)
}

func (c *sessionStatsCollector) recordTimeout() {
	atomic.AddUint64(&c.stats.MessagesTimedOut, 1)
}

func (c *sessionStatsCollector) recordUnhandled() {
	atomic.AddUint64(&c.stats.MessagesUnhandled, 1)
}

func (c *sessionStatsCollector) recordMaxAttempts() {
	atomic.AddUint64(&c.stats.MaxAttemptsExceeded, 1)
}

func (c *sessionStatsCollector) recordTouch() {
	atomic.AddUint64(&c.stats.Touches, 1)
}

func (c *sessionStatsCollector) recordHeartbeat() {
	atomic.AddUint64(&c.stats.Heartbeats, 1)
}

func (c *sessionStatsCollector) recordServerError() {
	atomic.AddUint64(&c.stats.ServerErrors, 1)
}

func (c *sessionStatsCollector) recordConnect() {
	atomic.AddUint64(&c.stats.Connects, 1)
}

func (c *sessionStatsCollector) recordConnectError() {
	atomic.AddUint64(&c.stats.ConnectErrors, 1)
}

func (c *sessionStatsCollector) recordRDY(n int) {
	atomic.StoreInt64(&c.stats.RDY, int64(n))
}

func (c *sessionStatsCollector) recordFlowState(s FlowState) {
	c.flowState.Store(int32(s))
}

func (c *sessionStatsCollector) recordState(s SessionState) {
	c.state.Store(int32(s))
}

func (c *sessionStatsCollector) snapshot() SessionStats {
	return SessionStats{
		MessagesReceived:    atomic.LoadUint64(&c.stats.MessagesReceived),
		MessagesFinished:    atomic.LoadUint64(&c.stats.MessagesFinished),
		MessagesRequeued:    atomic.LoadUint64(&c.stats.MessagesRequeued),
		MessagesTimedOut:    atomic.LoadUint64(&c.stats.MessagesTimedOut),
		MessagesUnhandled:   atomic.LoadUint64(&c.stats.MessagesUnhandled),
		MaxAttemptsExceeded: atomic.LoadUint64(&c.stats.MaxAttemptsExceeded),
		Touches:             atomic.LoadUint64(&c.stats.Touches),
		Heartbeats:          atomic.LoadUint64(&c.stats.Heartbeats),
		ServerErrors:        atomic.LoadUint64(&c.stats.ServerErrors),
		Connects:            atomic.LoadUint64(&c.stats.Connects),
		ConnectErrors:       atomic.LoadUint64(&c.stats.ConnectErrors),
		InFlight:            atomic.LoadInt64(&c.stats.InFlight),
		RDY:                 atomic.LoadInt64(&c.stats.RDY),
		FlowState:           FlowState(c.flowState.Load()),
		State:               SessionState(c.state.Load()),
	}
}

// producerStatsCollector provides internal methods for updating producer stats.
type producerStatsCollector struct {
	stats ProducerStats
}

func (c *producerStatsCollector) recordPublish() {
	atomic.AddUint64(&c.stats.Publishes, 1)
	atomic.AddUint64(&c.stats.MessagesPublished, 1)
}

func (c *producerStatsCollector) recordMultiPublish(count int) {
	atomic.AddUint64(&c.stats.MultiPublishes, 1)
	atomic.AddUint64(&c.stats.MessagesPublished, uint64(count))
}

func (c *producerStatsCollector) recordDeferredPublish() {
	atomic.AddUint64(&c.stats.DeferredPublishes, 1)
	atomic.AddUint64(&c.stats.MessagesPublished, 1)
}

func (c *producerStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *producerStatsCollector) snapshot() ProducerStats {
	return ProducerStats{
		Publishes:         atomic.LoadUint64(&c.stats.Publishes),
		MultiPublishes:    atomic.LoadUint64(&c.stats.MultiPublishes),
		DeferredPublishes: atomic.LoadUint64(&c.stats.DeferredPublishes),
		MessagesPublished: atomic.LoadUint64(&c.stats.MessagesPublished),
		Errors:            atomic.LoadUint64(&c.stats.Errors),
	}
}
