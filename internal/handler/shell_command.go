package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// ShellCommandPayload represents the payload of ShellCommand activities
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    Duration          `json:"timeout"`

	// NoWorkExitCode, when set, reports a successful run without actual work
	NoWorkExitCode *int `json:"no_work_exit_code"`
}

// ShellCommandHandler runs a command on the local host
type ShellCommandHandler struct{}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler() *ShellCommandHandler {
	return &ShellCommandHandler{}
}

// Type implements processor.Processor
func (h *ShellCommandHandler) Type() string { return ShellCommandType }

// Execute runs the shell command
func (h *ShellCommandHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var payload ShellCommandPayload
	if outcome, ok := decode(a, &payload); !ok {
		return outcome, nil
	}
	if payload.Command == "" {
		return model.Abandon("command is required"), nil
	}
	logger := processor.Logger(ctx)

	// Create command context with timeout
	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout.Std())
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	cmd.WaitDelay = 5 * time.Second

	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}

	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	logger.Info("Executing shell command",
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	logger.Debug("Shell command output", zap.ByteString("output", output))

	if err == nil {
		return model.Success(), nil
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return model.Failure("command execution timed out"), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if payload.NoWorkExitCode != nil && code == *payload.NoWorkExitCode {
			return model.SuccessNoWork(), nil
		}
		return model.Failure(fmt.Sprintf("command exited with code %d: %s", code, tail(output, 512))), nil
	}
	return model.Outcome{}, fmt.Errorf("failed to run command: %w", err)
}
