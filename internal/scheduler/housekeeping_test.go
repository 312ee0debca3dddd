package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHousekeeper(t *testing.T) {
	_, err := NewHousekeeper("not a spec", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidHousekeepingSpec)

	h, err := NewHousekeeper("@every 1s", zaptest.NewLogger(t))
	require.NoError(t, err)

	runs := make(chan string, 10)
	h.Add("failing", func(context.Context, time.Time) error {
		runs <- "failing"
		return errors.New("boom")
	})
	h.Add("history", func(context.Context, time.Time) error {
		runs <- "history"
		return nil
	})

	t.Run("RunNow", func(t *testing.T) {
		h.RunNow(context.Background())
		assert.Equal(t, "failing", <-runs)
		assert.Equal(t, "history", <-runs, "failing job does not stop the rest")
	})

	t.Run("Scheduled", func(t *testing.T) {
		require.NoError(t, h.Start(context.Background()))
		defer h.Stop()
		assert.False(t, h.NextRun().IsZero())

		select {
		case name := <-runs:
			assert.Equal(t, "failing", name)
		case <-time.After(3 * time.Second):
			t.Fatal("housekeeping did not run")
		}
	})
}
