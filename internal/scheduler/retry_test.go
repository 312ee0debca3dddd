package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, time.Second, s.NextRetry(0))
	assert.Equal(t, 2*time.Second, s.NextRetry(1))
	assert.Equal(t, 8*time.Second, s.NextRetry(3))
	assert.Equal(t, 10*time.Second, s.NextRetry(4))
	assert.Equal(t, 10*time.Second, s.NextRetry(1000))

	t.Run("Uncapped", func(t *testing.T) {
		s := &ExponentialBackoff{InitialDelay: time.Second, Multiplier: 2}
		assert.Equal(t, 2*time.Second, s.NextRetry(1))
		assert.Equal(t, 4*time.Second, s.NextRetry(2))
		assert.Equal(t, 1024*time.Second, s.NextRetry(10))
		assert.Equal(t, time.Duration(math.MaxInt64), s.NextRetry(1000))
	})
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		Strategy:    &ExponentialBackoff{InitialDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2},
	}

	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(1))
	assert.False(t, p.ShouldRetry(2))

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	assert.Equal(t, 2*time.Minute, p.Delay(1, nil))
	override := 5 * time.Second
	assert.Equal(t, 5*time.Second, p.Delay(1, &override))

	negative := -time.Second
	assert.Zero(t, p.Delay(1, &negative))

	d := DefaultRetryPolicy()
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Equal(t, 30*time.Second, d.Delay(0, nil))
}
