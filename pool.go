package nsq

import (
	"context"
	"errors"
	"time"
)

// ErrPoolClosed is returned by Acquire on a closed pool.
var ErrPoolClosed = errors.New("nsq: pool closed")

// Pool holds the producer connections to one daemon.
// Connections returned by the constructor have completed the handshake.
type Pool interface {
	// Acquire returns an idle connection or creates one, waiting for a release
	// when the pool is full.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle takes every idle connection, for health checks.
	AcquireAllIdle() []Resource

	Stats() PoolStats

	Close()
}

// Resource is a connection checked out of a Pool.
// Exactly one of Release, ReleaseUnused or Destroy must be called.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool.
	Release()

	// ReleaseUnused returns the connection without refreshing its idle time.
	ReleaseUnused()

	// Destroy closes the connection and frees its slot.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// PoolFactory creates a Pool from a connection constructor.
// NewChannelPool and NewPuddlePool are PoolFactory.
type PoolFactory func(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)
