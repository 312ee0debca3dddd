package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/activity-orchestrator/internal/orchestrator"
	"github.com/t77yq/activity-orchestrator/internal/scheduler"
)

func writeConfig(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	content := "worker_id: worker-1\n" +
		"repository:\n  root: " + filepath.Join(dir, "repo") + "\n" +
		"history:\n  path: " + filepath.Join(dir, "history.db") + "\n" +
		strings.Join(extra, "")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	createType, createData, createCausedBy, createDelay = "", "", "", 0
	listJSON, checkAt, checkCount = false, "", 5

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestActivityCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "--config", cfg, "create", "--type", "ShellCommand", "--data", `{"command":"true"}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = runCLI(t, "--config", cfg, "list", "pending", "--json")
	require.NoError(t, err)
	var listed []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0]["id"])
	assert.Equal(t, "pending", listed[0]["queue"])

	out, err = runCLI(t, "--config", cfg, "list")
	require.NoError(t, err)
	assert.Regexp(t, `pending\s+1`, out)

	out, err = runCLI(t, "--config", cfg, "show", id)
	require.NoError(t, err)
	var shown map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "ShellCommand", shown["type"])
	assert.Equal(t, map[string]interface{}{"command": "true"}, shown["payload"])

	t.Run("Rejected", func(t *testing.T) {
		_, err := runCLI(t, "--config", cfg, "create", "--type", "NoSuchProcessor")
		assert.Error(t, err)

		_, err = runCLI(t, "--config", cfg, "create", "--type", "ShellCommand", "--data", "{")
		assert.Error(t, err)

		_, err = runCLI(t, "--config", cfg, "list", "archive")
		assert.Error(t, err)

		// Only failed records can be requeued
		_, err = runCLI(t, "--config", cfg, "requeue", id)
		assert.Error(t, err)
	})
}

func TestConfigErrorExitCode(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list")
	require.Error(t, err)
	assert.Equal(t, orchestrator.ExitConfig, orchestrator.ExitCode(err))
}

func TestRunRejectsUnknownScheduleType(t *testing.T) {
	cfg := writeConfig(t,
		"schedules:\n",
		"  - type: ShellCommand\n    rule: \"0 3 *\"\n",
		"  - type: NoSuchProcessor\n    rule: \"* * *\"\n")

	_, err := runCLI(t, "--config", cfg, "run")
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrUnknownScheduleType)
	assert.Equal(t, orchestrator.ExitConfig, orchestrator.ExitCode(err))
}

func TestCheckRule(t *testing.T) {
	out, err := runCLI(t, "check-rule", "0 6,15 *", "--at", "2024-03-04T10:00:00Z", "--count", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "hours: [6 15]")
	assert.Contains(t, out, "2024-03-04T15:00:00Z")
	assert.Contains(t, out, "2024-03-05T06:00:00Z")
	assert.Contains(t, out, "2024-03-05T15:00:00Z")

	out, err = runCLI(t, "check-rule", "@every 15m", "--at", "2024-03-04T10:00:00Z", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2024-03-04T10:30:00Z")

	_, err = runCLI(t, "check-rule", "61 * *")
	assert.Error(t, err)
}

func TestKnownTypes(t *testing.T) {
	configPath = writeConfig(t)
	cfg, repo, err := openAdmin()
	require.NoError(t, err)
	cfg.Repository.ForeignTypes = []string{"RemoteOnly"}

	known, err := adminKnownTypes(cfg, repo)
	require.NoError(t, err)
	assert.Contains(t, known, "ShellCommand")
	assert.Contains(t, known, "ActivityFailure")
	assert.Contains(t, known, "ArchiveActivities")
	assert.Contains(t, known, "RemoteOnly")
	assert.NotContains(t, known, "ContainerRun")
}
