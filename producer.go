package nsq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pior/nsq/wire"
)

// ProducerConfig holds configuration for a Producer.
type ProducerConfig struct {
	// Config carries the identity, timeouts, dialer and logger of producer connections.
	// Flow control and reconnect settings do not apply to producers.
	Config

	// MaxConnsPerServer is the maximum number of connections per daemon.
	// Default: 4.
	MaxConnsPerServer int32

	// MaxConnLifetime retires connections older than this once they are idle.
	// Zero keeps them forever.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime closes connections unused for longer than this.
	// Zero keeps them forever.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked: heartbeats
	// received while idle are answered and expired connections are closed.
	// Default: 10s. Negative disables health checks.
	HealthCheckInterval time.Duration

	// Pool builds the per-daemon pool. Default: NewChannelPool.
	// NewPuddlePool is the other implementation shipped.
	Pool PoolFactory

	// SelectServer picks the daemon a topic is published to.
	// If nil, uses DefaultServerSelector.
	SelectServer ServerSelector

	// NewCircuitBreaker, when set, wraps every daemon in a circuit breaker.
	// It is called with the daemon address the first time a topic maps to it.
	NewCircuitBreaker func(addr string) *CircuitBreaker

	// replaces dialProducerConn in tests
	constructor func(ctx context.Context) (*Connection, error)
}

const (
	defaultMaxConnsPerServer   = 4
	defaultHealthCheckInterval = 10 * time.Second
	healthCheckReadWait        = 5 * time.Millisecond
)

func (c ProducerConfig) withDefaults() ProducerConfig {
	c.Config = c.Config.withDefaults()

	if c.MaxConnsPerServer <= 0 {
		c.MaxConnsPerServer = defaultMaxConnsPerServer
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.Pool == nil {
		c.Pool = NewChannelPool
	}
	if c.SelectServer == nil {
		c.SelectServer = DefaultServerSelector
	}
	return c
}

// Producer publishes messages to a set of daemons over pooled connections.
// A topic is always published to the same daemon, picked by SelectServer.
type Producer struct {
	servers Servers
	config  ProducerConfig
	logger  zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*ServerPool

	stopHealthCheck chan struct{}
	closeOnce       sync.Once

	stats producerStatsCollector
}

// NewProducer creates a producer for the given daemons.
// For a single daemon, use: NewProducer(NewStaticServers("host:4150"), config)
func NewProducer(servers Servers, config ProducerConfig) (*Producer, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	config = config.withDefaults()
	if err := config.Config.validate(); err != nil {
		return nil, err
	}

	p := &Producer{
		servers:         servers,
		config:          config,
		logger:          config.Logger.With().Str("component", "producer").Logger(),
		pools:           make(map[string]*ServerPool),
		stopHealthCheck: make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go p.healthCheckLoop()
	}

	return p, nil
}

// Close stops the health checks and destroys all connections.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.stopHealthCheck)

		p.mu.Lock()
		defer p.mu.Unlock()

		for _, sp := range p.pools {
			sp.Close()
		}
	})
}

// Publish sends a message to topic and waits for the daemon to acknowledge it.
func (p *Producer) Publish(ctx context.Context, topic string, body []byte) error {
	cmd, err := wire.Publish(topic, body)
	if err != nil {
		p.stats.recordError()
		return err
	}

	if err := p.exec(ctx, topic, cmd); err != nil {
		return err
	}
	p.stats.recordPublish()
	return nil
}

// MultiPublish sends several messages to topic in one MPUB command.
// The daemon accepts or rejects the batch as a whole.
func (p *Producer) MultiPublish(ctx context.Context, topic string, bodies [][]byte) error {
	cmd, err := wire.MultiPublish(topic, bodies)
	if err != nil {
		p.stats.recordError()
		return err
	}

	if err := p.exec(ctx, topic, cmd); err != nil {
		return err
	}
	p.stats.recordMultiPublish(len(bodies))
	return nil
}

// DeferredPublish sends a message the daemon delivers after delay.
func (p *Producer) DeferredPublish(ctx context.Context, topic string, delay time.Duration, body []byte) error {
	cmd, err := wire.DeferredPublish(topic, delay, body)
	if err != nil {
		p.stats.recordError()
		return err
	}

	if err := p.exec(ctx, topic, cmd); err != nil {
		return err
	}
	p.stats.recordDeferredPublish()
	return nil
}

// Ping dials every daemon and runs the handshake on a fresh connection.
// It returns the first failure.
func (p *Producer) Ping(ctx context.Context) error {
	for _, addr := range p.servers.List() {
		conn, err := p.dial(ctx, addr)
		if err != nil {
			return fmt.Errorf("nsq: ping %s: %w", addr, err)
		}
		_ = conn.Close()
	}
	return nil
}

func (p *Producer) dial(ctx context.Context, addr string) (*Connection, error) {
	if p.config.constructor != nil {
		return p.config.constructor(ctx)
	}
	return dialProducerConn(ctx, addr, p.config.Config)
}

// Stats returns a snapshot of producer statistics.
func (p *Producer) Stats() ProducerStats {
	return p.stats.snapshot()
}

// AllPoolStats returns stats for all daemon pools
func (p *Producer) AllPoolStats() []ServerPoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]ServerPoolStats, 0, len(p.pools))
	for _, sp := range p.pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}

// exec sends cmd to the daemon owning topic and expects OK.
func (p *Producer) exec(ctx context.Context, topic string, cmd *wire.Command) error {
	sp, err := p.poolForTopic(topic)
	if err != nil {
		p.stats.recordError()
		return err
	}

	frame, err := sp.Execute(ctx, cmd)
	if err != nil {
		p.stats.recordError()
		p.logger.Debug().Err(err).Str("addr", sp.Address()).Str("topic", topic).Str("cmd", cmd.Name).Msg("publish failed")
		return err
	}

	if !frame.IsOK() {
		p.stats.recordError()
		return fmt.Errorf("nsq: unexpected response to %s: %q", cmd.Name, frame.Payload)
	}
	return nil
}

// poolForTopic returns the pool of the daemon that receives topic.
func (p *Producer) poolForTopic(topic string) (*ServerPool, error) {
	servers := p.servers.List()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	idx := p.config.SelectServer(topic, len(servers))
	if idx < 0 || idx >= len(servers) {
		return nil, fmt.Errorf("nsq: server selector returned %d for %d servers", idx, len(servers))
	}
	return p.getOrCreatePool(servers[idx])
}

// getOrCreatePool gets or creates the pool for the given daemon address.
func (p *Producer) getOrCreatePool(addr string) (*ServerPool, error) {
	p.mu.RLock()
	sp, exists := p.pools[addr]
	p.mu.RUnlock()
	if exists {
		return sp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, exists := p.pools[addr]; exists {
		return sp, nil
	}

	select {
	case <-p.stopHealthCheck:
		return nil, ErrPoolClosed
	default:
	}

	sp, err := NewServerPool(addr, p.config)
	if err != nil {
		return nil, err
	}
	p.pools[addr] = sp
	return sp, nil
}

// healthCheckLoop visits the idle connections of every pool until Close.
func (p *Producer) healthCheckLoop() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealthCheck:
			return
		case <-ticker.C:
			p.checkAllPools()
		}
	}
}

func (p *Producer) checkAllPools() {
	p.mu.RLock()
	pools := make([]*ServerPool, 0, len(p.pools))
	for _, sp := range p.pools {
		pools = append(pools, sp)
	}
	p.mu.RUnlock()

	for _, sp := range pools {
		p.checkPoolConnections(sp)
	}
}

// checkPoolConnections destroys idle connections that expired or failed to answer heartbeats.
func (p *Producer) checkPoolConnections(sp *ServerPool) {
	now := time.Now()

	for _, res := range sp.pool.AcquireAllIdle() {
		if p.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > p.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if p.config.MaxConnIdleTime > 0 && res.IdleDuration() > p.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := res.Value().AnswerHeartbeats(healthCheckReadWait); err != nil {
			p.logger.Debug().Err(err).Str("addr", sp.Address()).Msg("dropping unhealthy connection")
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// Publish sends one message on a short-lived connection.
// Prefer a Producer when publishing more than occasionally.
func Publish(ctx context.Context, addr, topic string, body []byte, cfg Config) error {
	cmd, err := wire.Publish(topic, body)
	if err != nil {
		return err
	}
	return publishOnce(ctx, addr, cmd, cfg)
}

// PublishBatch sends messages in one MPUB on a short-lived connection.
func PublishBatch(ctx context.Context, addr, topic string, bodies [][]byte, cfg Config) error {
	cmd, err := wire.MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return publishOnce(ctx, addr, cmd, cfg)
}

func publishOnce(ctx context.Context, addr string, cmd *wire.Command, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	conn, err := dialProducerConn(ctx, addr, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := conn.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if !frame.IsOK() {
		return fmt.Errorf("nsq: unexpected response to %s: %q", cmd.Name, frame.Payload)
	}
	return nil
}
