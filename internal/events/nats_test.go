package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/testutil"
)

func TestNATSPublisher(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	publisher, err := NewNATSPublisher(js, "ACTIVITIES", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer publisher.Close()

	// Reusing an existing stream works
	_, err = NewNATSPublisher(js, "ACTIVITIES", zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parent := "act-0"
	a := &model.Activity{ID: "act-1", Type: "ShellCommand", Attempts: 2, CausedBy: &parent, Queue: model.QueuePending}

	t.Run("LifecycleEvent", func(t *testing.T) {
		require.NoError(t, publisher.Publish(ctx, NewEvent(KindRetried, a, "worker-1").WithReason("exit status 1")))

		msgs, err := testutil.ConsumeMessages(js, ActivitySubject(KindRetried), time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var e Event
		require.NoError(t, json.Unmarshal(msgs[0], &e))
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, KindRetried, e.Kind)
		assert.Equal(t, "act-1", e.ActivityID)
		assert.Equal(t, "ShellCommand", e.ActivityType)
		assert.Equal(t, "worker-1", e.WorkerID)
		assert.Equal(t, 2, e.Attempts)
		assert.Equal(t, "act-0", e.CausedBy)
		assert.Equal(t, "exit status 1", e.Reason)
	})

	t.Run("Metrics", func(t *testing.T) {
		require.NoError(t, publisher.PublishMetrics(ctx, map[string]int{"pending": 3}))

		msgs, err := testutil.ConsumeMessages(js, MetricsSubject(), time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"pending":3}`, string(msgs[0]))
	})
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.PublishMetrics(context.Background(), nil))
	p.Close()
}
