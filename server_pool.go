package nsq

import (
	"context"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/nsq/wire"
)

// NewServerPool creates the connection pool for one daemon.
// Connections are dialed and identified lazily, on first use.
func NewServerPool(addr string, config ProducerConfig) (*ServerPool, error) {
	constructor := config.constructor
	if constructor == nil {
		constructor = func(ctx context.Context) (*Connection, error) {
			return dialProducerConn(ctx, addr, config.Config)
		}
	}

	pool, err := config.Pool(constructor, config.MaxConnsPerServer)
	if err != nil {
		return nil, err
	}

	sp := &ServerPool{
		addr: addr,
		pool: pool,
	}
	if config.NewCircuitBreaker != nil {
		sp.circuitBreaker = config.NewCircuitBreaker(addr)
	}
	return sp, nil
}

// ServerPool wraps a pool and a circuit breaker with their daemon address.
type ServerPool struct {
	addr           string
	pool           Pool
	circuitBreaker *CircuitBreaker
}

func (sp *ServerPool) Address() string {
	return sp.addr
}

// ServerPoolStats contains stats for a single daemon pool
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      sp.addr,
		PoolStats: sp.pool.Stats(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// Execute sends cmd on a pooled connection and returns the response frame.
// The connection is destroyed when the error leaves it in an unknown state.
// The request goes through the daemon's circuit breaker when one is configured.
func (sp *ServerPool) Execute(ctx context.Context, cmd *wire.Command) (wire.Frame, error) {
	if sp.circuitBreaker == nil {
		return sp.execDirect(ctx, cmd)
	}

	return sp.circuitBreaker.Execute(func() (wire.Frame, error) {
		return sp.execDirect(ctx, cmd)
	})
}

func (sp *ServerPool) execDirect(ctx context.Context, cmd *wire.Command) (wire.Frame, error) {
	resource, err := sp.pool.Acquire(ctx)
	if err != nil {
		return wire.Frame{}, err
	}

	frame, err := resource.Value().Send(ctx, cmd)
	if err != nil {
		if wire.ShouldCloseConnection(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return frame, err
	}

	resource.Release()
	return frame, nil
}

// Close destroys all connections.
func (sp *ServerPool) Close() {
	sp.pool.Close()
}

// dialProducerConn dials addr and runs the publishing handshake: magic, IDENTIFY and AUTH.
func dialProducerConn(ctx context.Context, addr string, cfg Config) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	netConn, err := cfg.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &wire.ConnectionError{Op: "dial", Err: err}
	}

	conn := NewConnection(netConn, cfg.MaxFrameSize)
	conn.SetWriteTimeout(cfg.WriteTimeout)

	hsCtx, cancel := context.WithTimeout(ctx, cfg.ReadTimeout)
	defer cancel()

	if err := producerHandshake(hsCtx, conn, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func producerHandshake(ctx context.Context, conn *Connection, cfg Config) error {
	if err := sendMagic(conn); err != nil {
		return err
	}

	cc, err := identify(ctx, conn, cfg)
	if err != nil {
		return err
	}

	logger := cfg.Logger.With().Str("addr", conn.Addr()).Logger()
	return authenticate(ctx, conn, cfg, cc, logger)
}
