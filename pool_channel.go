package nsq

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pior/nsq/internal/coarsetime"
)

// NewChannelPool creates the default Producer pool.
//
// Idle connections are reused most recently released first, so a pool sized
// for bursts shrinks back through MaxConnIdleTime once the burst is over.
// Acquires waiting on a full pool are served in arrival order: a released
// connection, or the slot of a destroyed one, is handed over on the waiter's
// channel.
func NewChannelPool(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	if maxSize < 1 {
		maxSize = 1
	}
	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
	}, nil
}

type channelResource struct {
	conn      *Connection
	pool      *channelPool
	createdAt time.Time
	lastUsed  time.Time
}

func (r *channelResource) Value() *Connection { return r.conn }

func (r *channelResource) Release() {
	r.lastUsed = coarsetime.Now()
	r.pool.put(r)
}

func (r *channelResource) ReleaseUnused() { r.pool.put(r) }

func (r *channelResource) Destroy() {
	_ = r.conn.Close()
	r.pool.stats.recordDeactivate()
	r.pool.stats.recordDestroy()
	r.pool.freeSlot()
}

func (r *channelResource) CreationTime() time.Time { return r.createdAt }

func (r *channelResource) IdleDuration() time.Duration { return coarsetime.Since(r.lastUsed) }

// handoff carries a released connection to a waiter, or nil when the waiter
// inherits a free slot and must dial.
type handoff chan *channelResource

type channelPool struct {
	constructor func(ctx context.Context) (*Connection, error)
	maxSize     int32

	mu      sync.Mutex
	idle    []*channelResource // stack, top is the most recently released
	slots   int32              // connections alive, idle or acquired
	waiters []handoff
	closed  bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, ErrPoolClosed
	}
	if res := p.popIdleLocked(); res != nil {
		p.mu.Unlock()
		return res, nil
	}
	if p.slots < p.maxSize {
		p.slots++
		p.mu.Unlock()
		return p.dial(ctx)
	}
	wait := make(handoff, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	start := time.Now()
	select {
	case res, ok := <-wait:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireWait(time.Since(start))
		if res == nil {
			return p.dial(ctx)
		}
		return res, nil

	case <-ctx.Done():
		p.abandon(wait)
		p.stats.recordAcquireError()
		return nil, ctx.Err()
	}
}

// dial fills a slot reserved by the caller.
func (p *channelPool) dial(ctx context.Context) (Resource, error) {
	conn, err := p.constructor(ctx)
	if err != nil {
		p.freeSlot()
		p.stats.recordAcquireError()
		return nil, err
	}

	p.stats.recordCreate()
	p.stats.recordActivate()

	now := coarsetime.Now()
	return &channelResource{conn: conn, pool: p, createdAt: now, lastUsed: now}, nil
}

// abandon withdraws a cancelled waiter. A handoff that raced with the
// cancellation is passed on.
func (p *channelPool) abandon(wait handoff) {
	p.mu.Lock()
	if i := slices.Index(p.waiters, wait); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	res, ok := <-wait
	switch {
	case !ok:
	case res == nil:
		p.freeSlot()
	default:
		p.put(res)
	}
}

func (p *channelPool) popIdleLocked() *channelResource {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	res := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	p.stats.recordAcquireFromIdle()
	return res
}

func (p *channelPool) nextWaiterLocked() handoff {
	if len(p.waiters) == 0 {
		return nil
	}
	wait := p.waiters[0]
	p.waiters = slices.Delete(p.waiters, 0, 1)
	return wait
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		_ = res.conn.Close()
		p.slots--
		p.stats.recordDeactivate()
		p.stats.recordDestroy()
		return
	}

	if wait := p.nextWaiterLocked(); wait != nil {
		wait <- res
		return
	}

	p.idle = append(p.idle, res)
	p.stats.recordRelease()
}

func (p *channelPool) freeSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		if wait := p.nextWaiterLocked(); wait != nil {
			wait <- nil
			return
		}
	}
	p.slots--
}

func (p *channelPool) AcquireAllIdle() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := make([]Resource, 0, len(p.idle))
	for res := p.popIdleLocked(); res != nil; res = p.popIdleLocked() {
		idle = append(idle, res)
	}
	return idle
}

func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, wait := range p.waiters {
		close(wait)
	}
	p.waiters = nil

	for res := p.popIdleLocked(); res != nil; res = p.popIdleLocked() {
		_ = res.conn.Close()
		p.slots--
		p.stats.recordDeactivate()
		p.stats.recordDestroy()
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
