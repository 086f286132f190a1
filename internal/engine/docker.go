package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Resource limits for one engine container.
	engineMemoryLimitBytes = 1024 * 1024 * 1024 // 1GB, model files are large
	engineCPUQuota         = 100000             // 1 CPU
	enginePidsLimit        = 128
)

// DockerRunner runs each engine invocation in a throwaway container
// built from a configured engine image. Isolation semantics match
// ProcessRunner: one container per call, no shared state, forced
// removal on timeout.
type DockerRunner struct {
	cli     *client.Client
	image   string
	runtime string
	timeout time.Duration
}

// NewDockerRunner creates a Docker-backed Runner using the ambient
// Docker environment (DOCKER_HOST etc.). runtime can be "" for the
// default runtime or "runsc" for gVisor.
func NewDockerRunner(image, runtime string, timeout time.Duration) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	slog.Info("Docker engine runner initialized", "image", image)
	return &DockerRunner{cli: cli, image: image, runtime: runtime, timeout: timeout}, nil
}

// Ping verifies Docker daemon connectivity.
func (r *DockerRunner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Invoke creates, starts, and waits for one engine container, then
// collects its demultiplexed output streams.
func (r *DockerRunner) Invoke(ctx context.Context, action Action, args Args) (*Result, error) {
	if err := args.Validate(action); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cfg := &container.Config{
		Image: r.image,
		Cmd:   args.argv(action),
	}
	hostCfg := &container.HostConfig{
		Runtime:     r.runtime,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    engineMemoryLimitBytes,
			CPUQuota:  engineCPUQuota,
			PidsLimit: ptr(int64(enginePidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create engine container: %w", err)
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		if err := r.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("Failed to remove engine container", "container_id", resp.ID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start engine container %s: %w", resp.ID, err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &InvocationError{Action: action, Kind: ErrTimeout, Cause: ctx.Err()}
		}
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("wait for engine container %s: %w", resp.ID, err)
	case <-waitCh:
		// Exit status is not authoritative; the engine prints its JSON
		// error on stdout before exiting non-zero.
	}

	stdout, stderr, err := r.collectLogs(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("collect engine container logs %s: %w", resp.ID, err)
	}

	return decodeResult(action, stdout, stderr)
}

func (r *DockerRunner) collectLogs(ctx context.Context, containerID string) (stdout, stderr []byte, err error) {
	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if closeErr := logs.Close(); closeErr != nil {
			slog.Debug("Failed to close log stream", "container_id", containerID, "error", closeErr)
		}
	}()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, logs); err != nil {
		return nil, nil, err
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

func ptr[T any](v T) *T {
	return &v
}
