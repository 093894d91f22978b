package sturdy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sturdy"
)

// pool_test.go
//
// Exercises checkout/checkin semantics: exclusive ownership of a leased
// connection, reuse of healthy returns, recycling of unhealthy ones, and
// the capacity bound.

func TestPool_ReusesHealthyConnection(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 2, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1, true)

	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c2, true)

	assert.Same(t, c1, c2, "healthy checkin should park the connection for reuse")
	assert.Equal(t, int64(1), driver.dialed.Load())
}

func TestPool_DiscardsUnhealthyConnection(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 2, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1, false)

	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(c2, true)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, sturdy.StatusDisconnected, c1.Status(), "discarded connection must be closed")
	assert.Equal(t, int64(2), driver.dialed.Load())
	assert.Equal(t, int64(1), pool.Stats().Discarded)
}

func TestPool_DiscardsConnectionAbandonedMidTransaction(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 2, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Begin(ctx))

	// The caller claims health but never closed the transaction; the pool
	// must not hand this connection to the next checkout.
	pool.Checkin(c1, true)

	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(c2, true)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, int64(1), pool.Stats().Discarded)
}

func TestPool_CapacityBoundBlocksUntilCheckin(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 1, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)

	// The pool is exhausted: a bounded wait times out.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Checkout(shortCtx)
	var connErr *sturdy.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "checkout", connErr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Checkin frees the slot for a waiting caller.
	done := make(chan error, 1)
	go func() {
		c, cerr := pool.Checkout(ctx)
		if cerr == nil {
			pool.Checkin(c, true)
		}
		done <- cerr
	}()
	pool.Checkin(c1, true)
	require.NoError(t, <-done)
}

func TestPool_RepingsStaleIdleConnection(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 1, 10*time.Millisecond)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1, true)

	time.Sleep(30 * time.Millisecond)
	driver.setPingErr(errors.New("connection reset"))

	// The idle connection sat past the probe interval and fails its ping, so
	// checkout dials a replacement.
	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(c2, true)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, int64(2), driver.dialed.Load())
	assert.Equal(t, int64(1), pool.Stats().Discarded)
}

func TestPool_FreshIdleConnectionSkipsPing(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 1, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1, true)

	// Even with pings failing, a recently parked connection is handed out
	// without a probe.
	driver.setPingErr(errors.New("connection reset"))
	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	defer pool.Checkin(c2, true)

	assert.Same(t, c1, c2)
}

func TestPool_DialFailureReleasesCapacity(t *testing.T) {
	driver := &fakeDriver{}
	driver.setConnectErr(&sturdy.ConnectionError{Op: "connect", Err: errors.New("refused")})
	pool := sturdy.NewPool(driver, 1, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	_, err := pool.Checkout(ctx)
	require.Error(t, err)

	// The failed dial must not leak its capacity token.
	driver.setConnectErr(nil)
	c, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c, true)
}

func TestPool_Stats(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 3, time.Minute)
	defer pool.Close()
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Idle)

	pool.Checkin(c1, true)
	pool.Checkin(c2, true)

	stats = pool.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, int64(2), stats.Dialed)
}

func TestPool_CloseRefusesNewCheckouts(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 2, time.Minute)
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1, true)

	require.NoError(t, pool.Close())
	assert.NoError(t, pool.Close(), "close is idempotent")

	_, err = pool.Checkout(ctx)
	assert.ErrorIs(t, err, sturdy.ErrPoolClosed)

	// The parked connection was closed with the pool.
	assert.Equal(t, sturdy.StatusDisconnected, c1.Status())
}

func TestPool_CheckinAfterCloseDiscards(t *testing.T) {
	driver := &fakeDriver{}
	pool := sturdy.NewPool(driver, 1, time.Minute)
	ctx := context.Background()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	pool.Checkin(c1, true)
	assert.Equal(t, sturdy.StatusDisconnected, c1.Status())
	assert.Equal(t, int64(1), pool.Stats().Discarded)
}
