package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

func TestSQLiteHistory(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	history, err := NewSQLiteHistory(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer history.Close()

	startedAt := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	execution := &model.Execution{
		ID:           "exec-1",
		ActivityID:   "act-1",
		ActivityType: "ShellCommand",
		WorkerID:     "worker-1",
		Attempt:      1,
		Status:       model.ExecutionStatusRunning,
		Payload:      json.RawMessage(`{"command":"echo"}`),
		LogFile:      "/tmp/logs/ShellCommand.act-1.log",
		StartedAt:    startedAt,
	}

	t.Run("StoreAndGet", func(t *testing.T) {
		require.NoError(t, history.Store(ctx, execution))

		got, err := history.Get(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, "act-1", got.ActivityID)
		assert.Equal(t, model.ExecutionStatusRunning, got.Status)
		assert.JSONEq(t, `{"command":"echo"}`, string(got.Payload))
		assert.Equal(t, execution.LogFile, got.LogFile)
		assert.True(t, startedAt.Equal(got.StartedAt))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("Update", func(t *testing.T) {
		completedAt := startedAt.Add(3 * time.Second)
		execution.Status = model.ExecutionStatusSucceeded
		execution.Created = []string{"act-2", "act-3"}
		execution.CompletedAt = &completedAt
		execution.Duration = 3 * time.Second
		require.NoError(t, history.Update(ctx, execution))

		got, err := history.Get(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusSucceeded, got.Status)
		assert.Equal(t, []string{"act-2", "act-3"}, got.Created)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completedAt.Equal(*got.CompletedAt))
		assert.Equal(t, 3*time.Second, got.Duration)

		err = history.Update(ctx, &model.Execution{ID: "missing", Status: model.ExecutionStatusFailed})
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		require.NoError(t, history.Store(ctx, &model.Execution{
			ID:           "exec-2",
			ActivityID:   "act-9",
			ActivityType: "HttpRequest",
			WorkerID:     "worker-1",
			Status:       model.ExecutionStatusRunning,
			StartedAt:    startedAt.Add(time.Hour),
		}))

		all, err := history.List(ctx, HistoryFilter{}, 0, 10)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "exec-2", all[0].ID, "newest first")

		shell, err := history.List(ctx, HistoryFilter{ActivityType: "ShellCommand"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, shell, 1)
		assert.Equal(t, "exec-1", shell[0].ID)

		count, err := history.Count(ctx, HistoryFilter{Status: model.ExecutionStatusRunning})
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = history.Count(ctx, HistoryFilter{WorkerID: "worker-1", ActivityID: "act-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		deleted, err := history.DeleteBefore(ctx, startedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = history.Get(ctx, "exec-1")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("Reopen", func(t *testing.T) {
		require.NoError(t, history.Close())

		reopened, err := NewSQLiteHistory(dbPath, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer reopened.Close()

		count, err := reopened.Count(ctx, HistoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, count, "history survives restarts")
	})
}
