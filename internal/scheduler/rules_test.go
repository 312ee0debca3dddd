package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/activity-orchestrator/internal/cronlite"
	"github.com/t77yq/activity-orchestrator/internal/model"
)

type recordingCreator struct {
	mu    sync.Mutex
	specs []model.Spec
	err   error
	known map[string]bool
}

func (c *recordingCreator) Known(activityType string) bool {
	return c.known == nil || c.known[activityType]
}

func (c *recordingCreator) Create(_ context.Context, spec model.Spec) (*model.Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.specs = append(c.specs, spec)
	return &model.Activity{ID: spec.Type + "-id", Type: spec.Type, Payload: spec.Payload}, nil
}

func (c *recordingCreator) count(activityType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.specs {
		if s.Type == activityType {
			n++
		}
	}
	return n
}

func TestNewRuleSchedulerRejectsBadRules(t *testing.T) {
	_, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "ShellCommand", Rule: "0 0 *"},
		{Type: "HttpRequest", Rule: "60 * *"},
	}, &recordingCreator{}, time.Now(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	var perr *cronlite.ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, cronlite.FieldMinute, perr.Field)
}

func TestNewRuleSchedulerRejectsUnknownTypes(t *testing.T) {
	creator := &recordingCreator{known: map[string]bool{"ShellCommand": true}}

	_, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "ShellCommand", Rule: "0 0 *"},
		{Type: "UnknownType", Rule: "* * *"},
	}, creator, time.Now(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownScheduleType)
	assert.Contains(t, err.Error(), "schedules[1] UnknownType")

	s, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "ShellCommand", Rule: "* * *"},
	}, creator, time.Now(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestExpressionRules(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 5, 58, 30, 0, time.UTC)
	creator := &recordingCreator{}

	s, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "ShellCommand", Rule: "0 6,15,22 *", Payload: json.RawMessage(`{"command":"backup"}`), FireOnFirstCycle: true},
	}, creator, start, zaptest.NewLogger(t))
	require.NoError(t, err)

	tick := func(ts time.Time) int {
		created, err := s.Evaluate(ctx, ts)
		require.NoError(t, err)
		return len(created)
	}

	assert.Zero(t, tick(start))
	assert.Zero(t, tick(start.Add(time.Minute)))

	// Several ticks within the matching minute fire once
	at6 := time.Date(2024, 3, 4, 6, 0, 1, 0, time.UTC)
	assert.Equal(t, 1, tick(at6))
	assert.Zero(t, tick(at6.Add(20*time.Second)))
	assert.Zero(t, tick(at6.Add(58*time.Second)))
	assert.Zero(t, tick(at6.Add(time.Minute)))

	// An overrun that skips past 15:00 and 22:00 catches up once
	assert.Equal(t, 1, tick(time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)))
	assert.Zero(t, tick(time.Date(2024, 3, 4, 23, 31, 0, 0, time.UTC)))

	assert.Equal(t, 1, tick(time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, 3, creator.count("ShellCommand"))
	assert.JSONEq(t, `{"command":"backup"}`, string(creator.specs[0].Payload))

	status := s.Status(time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC))
	require.Len(t, status, 1)
	assert.Equal(t, 3, status[0].Fired)
	require.NotNil(t, status[0].NextFire)
	assert.Equal(t, time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), *status[0].NextFire)
}

func TestStartInsideMatchingMinute(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 6, 0, 40, 0, time.UTC)

	t.Run("FiresOnFirstCycle", func(t *testing.T) {
		creator := &recordingCreator{}
		s, err := NewRuleScheduler([]model.ScheduleRule{
			{Type: "ShellCommand", Rule: "0 6 *", FireOnFirstCycle: true},
		}, creator, start, zaptest.NewLogger(t))
		require.NoError(t, err)

		created, err := s.Evaluate(ctx, start)
		require.NoError(t, err)
		assert.Len(t, created, 1)
	})

	t.Run("SkipsFirstCycle", func(t *testing.T) {
		creator := &recordingCreator{}
		s, err := NewRuleScheduler([]model.ScheduleRule{
			{Type: "ShellCommand", Rule: "0 6 *"},
		}, creator, start, zaptest.NewLogger(t))
		require.NoError(t, err)

		created, err := s.Evaluate(ctx, start)
		require.NoError(t, err)
		assert.Empty(t, created)

		created, err = s.Evaluate(ctx, start.Add(10*time.Second))
		require.NoError(t, err)
		assert.Empty(t, created)

		created, err = s.Evaluate(ctx, start.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, created, 1)
	})
}

func TestMacroRules(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC)
	creator := &recordingCreator{}

	s, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "HttpRequest", Rule: "@every 15m", FireOnFirstCycle: true},
		{Type: "WebhookNotice", Rule: "@every 2h"},
	}, creator, start, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Evaluate(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 1, creator.count("HttpRequest"), "first execution at startup")
	assert.Zero(t, creator.count("WebhookNotice"), "first cycle skipped")

	_, err = s.Evaluate(ctx, start.Add(14*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, creator.count("HttpRequest"))

	_, err = s.Evaluate(ctx, start.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, creator.count("HttpRequest"))

	_, err = s.Evaluate(ctx, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, creator.count("WebhookNotice"))
}

func TestFailedPublicationStaysDue(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	creator := &recordingCreator{err: errors.New("disk full")}

	s, err := NewRuleScheduler([]model.ScheduleRule{
		{Type: "ShellCommand", Rule: "* * *", FireOnFirstCycle: true},
	}, creator, start, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Evaluate(ctx, start)
	assert.ErrorContains(t, err, "disk full")

	creator.mu.Lock()
	creator.err = nil
	creator.mu.Unlock()

	created, err := s.Evaluate(ctx, start.Add(5*time.Second))
	require.NoError(t, err)
	assert.Len(t, created, 1)
}
