package nsq

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionLabels  = []string{"addr", "topic", "channel"}
	producerLabels = []string{"producer"}
	poolLabels     = []string{"producer", "server"}
)

// Collector exposes session and producer stats as Prometheus metrics.
// Stats are read on every scrape.
//
// Each session must have a distinct address, topic and channel, and each
// producer a distinct name, or the registry rejects the scrape.
type Collector struct {
	mu        sync.RWMutex
	sessions  []*Session
	producers map[string]*Producer

	sessionMessages *prometheus.Desc
	sessionEvents   *prometheus.Desc
	sessionInFlight *prometheus.Desc
	sessionRDY      *prometheus.Desc
	sessionFlow     *prometheus.Desc
	sessionState    *prometheus.Desc

	producerCommands  *prometheus.Desc
	producerMessages  *prometheus.Desc
	producerErrors    *prometheus.Desc
	poolConnections   *prometheus.Desc
	poolCreated       *prometheus.Desc
	poolAcquireErrors *prometheus.Desc
	circuitState      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates an empty collector. Register it with a prometheus.Registerer.
func NewCollector() *Collector {
	return &Collector{
		producers: make(map[string]*Producer),

		sessionMessages: prometheus.NewDesc(
			"nsq_session_messages_total",
			"Messages handled by the session, by outcome",
			append(sessionLabels, "outcome"), nil, // received, finished, requeued, timed_out, unhandled, max_attempts
		),
		sessionEvents: prometheus.NewDesc(
			"nsq_session_events_total",
			"Protocol events seen by the session",
			append(sessionLabels, "event"), nil, // touch, heartbeat, server_error, connect, connect_error
		),
		sessionInFlight: prometheus.NewDesc(
			"nsq_session_in_flight",
			"Messages delivered and not yet answered",
			sessionLabels, nil,
		),
		sessionRDY: prometheus.NewDesc(
			"nsq_session_rdy",
			"Last RDY count sent to the daemon",
			sessionLabels, nil,
		),
		sessionFlow: prometheus.NewDesc(
			"nsq_session_flow_state",
			"Flow controller state (0=normal, 1=backoff pending, 2=probing)",
			sessionLabels, nil,
		),
		sessionState: prometheus.NewDesc(
			"nsq_session_state",
			"Session state, 1 for the current one",
			append(sessionLabels, "state"), nil,
		),

		producerCommands: prometheus.NewDesc(
			"nsq_producer_commands_total",
			"Publish commands acknowledged by the daemons",
			append(producerLabels, "command"), nil, // PUB, MPUB, DPUB
		),
		producerMessages: prometheus.NewDesc(
			"nsq_producer_messages_published_total",
			"Messages acknowledged by the daemons",
			producerLabels, nil,
		),
		producerErrors: prometheus.NewDesc(
			"nsq_producer_errors_total",
			"Failed publish operations",
			producerLabels, nil,
		),
		poolConnections: prometheus.NewDesc(
			"nsq_producer_pool_connections",
			"Producer connection pool statistics",
			append(poolLabels, "state"), nil, // total, active, idle
		),
		poolCreated: prometheus.NewDesc(
			"nsq_producer_pool_connections_created_total",
			"Connections created by the pool",
			poolLabels, nil,
		),
		poolAcquireErrors: prometheus.NewDesc(
			"nsq_producer_pool_acquire_errors_total",
			"Failed connection acquires",
			poolLabels, nil,
		),
		circuitState: prometheus.NewDesc(
			"nsq_producer_circuit_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)",
			poolLabels, nil,
		),
	}
}

// AddSession adds a session to the collected set.
func (c *Collector) AddSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

// AddProducer adds a producer under name.
func (c *Collector) AddProducer(name string, p *Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers[name] = p
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionMessages
	ch <- c.sessionEvents
	ch <- c.sessionInFlight
	ch <- c.sessionRDY
	ch <- c.sessionFlow
	ch <- c.sessionState
	ch <- c.producerCommands
	ch <- c.producerMessages
	ch <- c.producerErrors
	ch <- c.poolConnections
	ch <- c.poolCreated
	ch <- c.poolAcquireErrors
	ch <- c.circuitState
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.sessions {
		c.collectSession(ch, s)
	}
	for name, p := range c.producers {
		c.collectProducer(ch, name, p)
	}
}

func (c *Collector) collectSession(ch chan<- prometheus.Metric, s *Session) {
	stats := s.Stats()
	labels := []string{s.Addr(), s.Topic(), s.Channel()}

	counter := func(desc *prometheus.Desc, v uint64, extra string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append(labels, extra)...)
	}
	counter(c.sessionMessages, stats.MessagesReceived, "received")
	counter(c.sessionMessages, stats.MessagesFinished, "finished")
	counter(c.sessionMessages, stats.MessagesRequeued, "requeued")
	counter(c.sessionMessages, stats.MessagesTimedOut, "timed_out")
	counter(c.sessionMessages, stats.MessagesUnhandled, "unhandled")
	counter(c.sessionMessages, stats.MaxAttemptsExceeded, "max_attempts")
	counter(c.sessionEvents, stats.Touches, "touch")
	counter(c.sessionEvents, stats.Heartbeats, "heartbeat")
	counter(c.sessionEvents, stats.ServerErrors, "server_error")
	counter(c.sessionEvents, stats.Connects, "connect")
	counter(c.sessionEvents, stats.ConnectErrors, "connect_error")

	ch <- prometheus.MustNewConstMetric(c.sessionInFlight, prometheus.GaugeValue, float64(stats.InFlight), labels...)
	ch <- prometheus.MustNewConstMetric(c.sessionRDY, prometheus.GaugeValue, float64(stats.RDY), labels...)
	ch <- prometheus.MustNewConstMetric(c.sessionFlow, prometheus.GaugeValue, float64(stats.FlowState), labels...)
	ch <- prometheus.MustNewConstMetric(c.sessionState, prometheus.GaugeValue, 1, append(labels, stats.State.String())...)
}

func (c *Collector) collectProducer(ch chan<- prometheus.Metric, name string, p *Producer) {
	stats := p.Stats()

	ch <- prometheus.MustNewConstMetric(c.producerCommands, prometheus.CounterValue, float64(stats.Publishes), name, "PUB")
	ch <- prometheus.MustNewConstMetric(c.producerCommands, prometheus.CounterValue, float64(stats.MultiPublishes), name, "MPUB")
	ch <- prometheus.MustNewConstMetric(c.producerCommands, prometheus.CounterValue, float64(stats.DeferredPublishes), name, "DPUB")
	ch <- prometheus.MustNewConstMetric(c.producerMessages, prometheus.CounterValue, float64(stats.MessagesPublished), name)
	ch <- prometheus.MustNewConstMetric(c.producerErrors, prometheus.CounterValue, float64(stats.Errors), name)

	for _, sp := range p.AllPoolStats() {
		ps := sp.PoolStats
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(ps.TotalConns), name, sp.Addr, "total")
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(ps.ActiveConns), name, sp.Addr, "active")
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue, float64(ps.IdleConns), name, sp.Addr, "idle")
		ch <- prometheus.MustNewConstMetric(c.poolCreated, prometheus.CounterValue, float64(ps.CreatedConns), name, sp.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolAcquireErrors, prometheus.CounterValue, float64(ps.AcquireErrors), name, sp.Addr)
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(sp.CircuitBreakerState), name, sp.Addr)
	}
}
