package nsq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/nsq/internal/testutils"
)

var poolFactories = map[string]PoolFactory{
	"channel": NewChannelPool,
	"puddle":  NewPuddlePool,
}

type mockConstructor struct {
	calls atomic.Int32
	err   error
}

func (m *mockConstructor) new(ctx context.Context) (*Connection, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return NewConnection(testutils.NewConnectionMock(), 0), nil
}

func TestPool(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("reuses released connections", func(t *testing.T) {
				constructor := &mockConstructor{}
				pool, err := factory(constructor.new, 2)
				require.NoError(t, err)
				defer pool.Close()

				res, err := pool.Acquire(ctx)
				require.NoError(t, err)
				first := res.Value()
				res.Release()

				res, err = pool.Acquire(ctx)
				require.NoError(t, err)
				require.Same(t, first, res.Value())
				res.Release()

				require.Equal(t, int32(1), constructor.calls.Load())

				stats := pool.Stats()
				assert.Equal(t, uint64(2), stats.AcquireCount)
				assert.Equal(t, uint64(1), stats.CreatedConns)
				assert.Equal(t, int32(1), stats.TotalConns)
				assert.Equal(t, int32(1), stats.IdleConns)
				assert.Equal(t, int32(0), stats.ActiveConns)
			})

			t.Run("destroy closes the connection", func(t *testing.T) {
				constructor := &mockConstructor{}
				pool, err := factory(constructor.new, 2)
				require.NoError(t, err)
				defer pool.Close()

				res, err := pool.Acquire(ctx)
				require.NoError(t, err)
				conn := res.Value()
				res.Destroy()

				require.Eventually(t, conn.IsClosed, time.Second, time.Millisecond)

				res, err = pool.Acquire(ctx)
				require.NoError(t, err)
				require.NotSame(t, conn, res.Value())
				res.Release()

				require.Eventually(t, func() bool {
					return pool.Stats().DestroyedConns == 1
				}, time.Second, time.Millisecond)
			})

			t.Run("constructor errors are returned", func(t *testing.T) {
				dialErr := errors.New("refused")
				pool, err := factory((&mockConstructor{err: dialErr}).new, 2)
				require.NoError(t, err)
				defer pool.Close()

				_, err = pool.Acquire(ctx)
				require.ErrorIs(t, err, dialErr)
				assert.Equal(t, uint64(1), pool.Stats().AcquireErrors)
			})

			t.Run("acquire waits for a release when full", func(t *testing.T) {
				pool, err := factory((&mockConstructor{}).new, 1)
				require.NoError(t, err)
				defer pool.Close()

				res, err := pool.Acquire(ctx)
				require.NoError(t, err)

				acquired := make(chan Resource)
				go func() {
					r, err := pool.Acquire(ctx)
					if err == nil {
						acquired <- r
					}
				}()

				time.Sleep(20 * time.Millisecond)
				res.Release()

				select {
				case r := <-acquired:
					r.Release()
				case <-time.After(time.Second):
					t.Fatal("waiting acquire did not get the released connection")
				}
				assert.GreaterOrEqual(t, pool.Stats().AcquireWaitCount, uint64(1))
			})

			t.Run("acquire honors the context when full", func(t *testing.T) {
				pool, err := factory((&mockConstructor{}).new, 1)
				require.NoError(t, err)
				defer pool.Close()

				res, err := pool.Acquire(ctx)
				require.NoError(t, err)
				defer res.Release()

				waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
				defer cancel()
				_, err = pool.Acquire(waitCtx)
				require.ErrorIs(t, err, context.DeadlineExceeded)
			})

			t.Run("acquire all idle", func(t *testing.T) {
				pool, err := factory((&mockConstructor{}).new, 3)
				require.NoError(t, err)
				defer pool.Close()

				var held []Resource
				for range 3 {
					res, err := pool.Acquire(ctx)
					require.NoError(t, err)
					held = append(held, res)
				}
				for _, res := range held {
					res.Release()
				}

				idle := pool.AcquireAllIdle()
				require.Len(t, idle, 3)
				assert.Empty(t, pool.AcquireAllIdle())

				for _, res := range idle {
					res.ReleaseUnused()
				}
				idle = pool.AcquireAllIdle()
				assert.Len(t, idle, 3)
				for _, res := range idle {
					res.ReleaseUnused()
				}
			})

			t.Run("closed pool", func(t *testing.T) {
				pool, err := factory((&mockConstructor{}).new, 1)
				require.NoError(t, err)

				res, err := pool.Acquire(ctx)
				require.NoError(t, err)
				conn := res.Value()
				res.Release()

				pool.Close()
				require.True(t, conn.IsClosed())

				_, err = pool.Acquire(ctx)
				require.ErrorIs(t, err, ErrPoolClosed)
			})
		})
	}
}

func TestChannelPoolDiscardsReleasesAfterClose(t *testing.T) {
	pool, err := NewChannelPool((&mockConstructor{}).new, 1)
	require.NoError(t, err)

	res, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Close()
	res.Release()

	require.True(t, res.Value().IsClosed())
	stats := pool.Stats()
	assert.Equal(t, int32(0), stats.TotalConns)
	assert.Equal(t, int32(0), stats.ActiveConns)
}

func TestChannelPoolReusesMostRecentlyReleased(t *testing.T) {
	ctx := context.Background()
	pool, err := NewChannelPool((&mockConstructor{}).new, 2)
	require.NoError(t, err)
	defer pool.Close()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)

	first.Release()
	second.Release()

	res, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, second.Value(), res.Value())
	res.Release()
}

func TestChannelPoolHandsFreedSlotToWaiter(t *testing.T) {
	ctx := context.Background()
	constructor := &mockConstructor{}
	pool, err := NewChannelPool(constructor.new, 1)
	require.NoError(t, err)
	defer pool.Close()

	res, err := pool.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		r, err := pool.Acquire(ctx)
		if err == nil {
			r.Release()
		}
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	res.Destroy()

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not get the freed slot")
	}

	require.Equal(t, int32(2), constructor.calls.Load())
	stats := pool.Stats()
	assert.Equal(t, int32(1), stats.TotalConns)
	assert.Equal(t, uint64(1), stats.AcquireWaitCount)
}

func TestChannelPoolCloseWakesWaiters(t *testing.T) {
	ctx := context.Background()
	pool, err := NewChannelPool((&mockConstructor{}).new, 1)
	require.NoError(t, err)

	res, err := pool.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	res.Release()
	require.True(t, res.Value().IsClosed())
}
