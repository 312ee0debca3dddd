package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPool(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(3, zaptest.NewLogger(t))
	assert.Equal(t, 3, pool.Size())
	assert.True(t, pool.HasCapacity("ShellCommand", 1))

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Go(ctx, "ShellCommand", func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	assert.Equal(t, 1, pool.Available())
	assert.Equal(t, 2, pool.Running("ShellCommand"))
	assert.False(t, pool.HasCapacity("ShellCommand", 2))
	assert.True(t, pool.HasCapacity("ShellCommand", 0))
	assert.True(t, pool.HasCapacity("HttpRequest", 1))

	require.NoError(t, pool.Go(ctx, "HttpRequest", func() { <-release }))
	assert.False(t, pool.HasCapacity("HttpRequest", 0))

	// Full pool honors context cancellation
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, pool.Go(cancelled, "HttpRequest", func() {}), context.Canceled)

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	assert.False(t, pool.Wait(waitCtx))

	close(release)
	assert.True(t, pool.Wait(context.Background()))
	assert.Equal(t, 3, pool.Available())
	assert.Zero(t, pool.Running("ShellCommand"))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(2, zaptest.NewLogger(t))

	var current, peak atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Go(ctx, "ShellCommand", func() {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}))
	}
	require.True(t, pool.Wait(ctx))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
