package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// DockerClient is the subset of the docker API used to run containers
type DockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the docker daemon configured in the environment
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return docker, nil
}

// ContainerPayload represents the payload of ContainerRun activities
type ContainerPayload struct {
	Image      string            `json:"image"`
	Cmd        []string          `json:"cmd"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Binds      []string          `json:"binds"`
	Pull       bool              `json:"pull"`
	Timeout    Duration          `json:"timeout"`
}

// ContainerHandler runs an activity in a docker container. A non-zero exit
// code is a failure.
type ContainerHandler struct {
	docker DockerClient
}

// NewContainerHandler creates a new container handler
func NewContainerHandler(docker DockerClient) *ContainerHandler {
	return &ContainerHandler{docker: docker}
}

// Type implements processor.Processor
func (h *ContainerHandler) Type() string { return ContainerRunType }

// Execute runs the container to completion
func (h *ContainerHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var payload ContainerPayload
	if outcome, ok := decode(a, &payload); !ok {
		return outcome, nil
	}
	if payload.Image == "" {
		return model.Abandon("image is required"), nil
	}
	logger := processor.Logger(ctx)

	runCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, payload.Timeout.Std())
		defer cancel()
	}

	if payload.Pull {
		reader, err := h.docker.ImagePull(runCtx, payload.Image, image.PullOptions{})
		if err != nil {
			return model.Outcome{}, fmt.Errorf("failed to pull image: %w", err)
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return model.Outcome{}, fmt.Errorf("failed to pull image: %w", err)
		}
	}

	env := make([]string, 0, len(payload.Env))
	for k, v := range payload.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := h.docker.ContainerCreate(runCtx,
		&container.Config{
			Image:      payload.Image,
			Cmd:        payload.Cmd,
			Env:        env,
			WorkingDir: payload.WorkingDir,
			Labels: map[string]string{
				"activity.id":   a.ID,
				"activity.type": a.Type,
			},
		},
		&container.HostConfig{Binds: payload.Binds},
		nil, nil, "")
	if err != nil {
		return model.Outcome{}, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID
	logger = logger.With(zap.String("container_id", id))

	defer func() {
		// the run context may already be cancelled
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.docker.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", zap.Error(err))
		}
	}()

	if err := h.docker.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return model.Outcome{}, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Info("Container started", zap.String("image", payload.Image))

	statusCh, errCh := h.docker.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			return model.Failure("container execution timed out"), nil
		}
		return model.Outcome{}, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return model.Outcome{}, fmt.Errorf("failed to wait for container: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	output := h.collectLogs(runCtx, id, logger)

	logger.Info("Container finished", zap.Int64("exit_code", exitCode))
	if exitCode != 0 {
		return model.Failure(fmt.Sprintf("container exited with code %d: %s", exitCode, tail(output, 512))), nil
	}
	return model.Success(), nil
}

// collectLogs copies the container output into the execution log
func (h *ContainerHandler) collectLogs(ctx context.Context, id string, logger *zap.Logger) []byte {
	reader, err := h.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		logger.Warn("Failed to get container logs", zap.Error(err))
		return nil
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		logger.Warn("Failed to read container logs", zap.Error(err))
	}
	logger.Debug("Container output",
		zap.ByteString("stdout", stdout.Bytes()),
		zap.ByteString("stderr", stderr.Bytes()))

	return append(stdout.Bytes(), stderr.Bytes()...)
}
