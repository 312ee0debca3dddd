package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResourceManager(t *testing.T) {
	var cpuUsage atomic.Value
	cpuUsage.Store(10.0)
	sampler := func() (float64, float64, error) {
		return cpuUsage.Load().(float64), 40, nil
	}

	rm := NewResourceManager(ResourceLimits{MaxCPU: 90, MaxMemory: 50}, sampler, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rm.Start(ctx))
	defer rm.Stop()

	ok, reason := rm.Admit()
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, 40.0, rm.Stats().MemoryUsage)

	cpuUsage.Store(95.0)
	assert.Eventually(t, func() bool {
		ok, _ := rm.Admit()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, reason = rm.Admit()
	assert.Contains(t, reason, "cpu usage")

	t.Run("MemoryLimit", func(t *testing.T) {
		rm := NewResourceManager(ResourceLimits{MaxMemory: 30}, sampler, time.Hour, zaptest.NewLogger(t))
		rm.Collect()
		ok, reason := rm.Admit()
		assert.False(t, ok)
		assert.Contains(t, reason, "memory usage")
	})

	t.Run("Disabled", func(t *testing.T) {
		rm := NewResourceManager(ResourceLimits{}, func() (float64, float64, error) { return 100, 100, nil }, time.Hour, zaptest.NewLogger(t))
		rm.Collect()
		ok, _ := rm.Admit()
		assert.True(t, ok)
	})

	t.Run("SamplerError", func(t *testing.T) {
		rm := NewResourceManager(ResourceLimits{MaxCPU: 1}, func() (float64, float64, error) {
			return 0, 0, errors.New("no procfs")
		}, time.Hour, zaptest.NewLogger(t))
		rm.Collect()
		ok, _ := rm.Admit()
		assert.True(t, ok)
		assert.True(t, rm.Stats().CollectedAt.IsZero())
	})
}
