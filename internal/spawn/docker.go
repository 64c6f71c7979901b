package spawn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/j-tyler/ken/internal/logger"
)

// DockerDriver spawns the agent inside a disposable container built
// from a configured image, with the session's working directory
// bind-mounted in. It is the alternative to ExecDriver for deployments
// that want the agent isolated from the host.
type DockerDriver struct {
	cli   *client.Client
	image string
	log   *logger.Logger
}

// NewDockerDriver builds a DockerDriver against the given Docker host
// (empty uses the default from environment) and image.
func NewDockerDriver(host, image string, log *logger.Logger) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("spawn: docker client: %w", err)
	}
	return &DockerDriver{cli: cli, image: image, log: log.WithFields(zap.String("component", "spawn.docker"))}, nil
}

type dockerHandle struct {
	cli         *client.Client
	containerID string
}

func (d *DockerDriver) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cfg := &container.Config{
		Image:        d.image,
		Cmd:          []string{"/bin/sh", "-c", "cat > /tmp/prompt.md && exec agent-entrypoint /tmp/prompt.md"},
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env: []string{
			"KEN_SESSION_ID=" + spec.SessionID,
			"KEN_MODE=" + spec.Mode,
			"KEN_SOCKET_PATH=/workspace/.ken/agent.sock", // WorkingDir is bind-mounted at /workspace
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.WorkingDir, Target: "/workspace"},
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("spawn: create container: %w", err)
	}

	attach, err := d.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("spawn: attach container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("spawn: start container: %w", err)
	}

	log := d.log.WithFields(zap.String("session_id", spec.SessionID), zap.String("container_id", created.ID))
	log.Info("agent container started")

	go writePromptAndPipeOutput(log, attach, spec.Prompt)

	return &dockerHandle{cli: d.cli, containerID: created.ID}, nil
}

func writePromptAndPipeOutput(log *logger.Logger, attach types.HijackedResponse, prompt string) {
	defer attach.Close()
	_, _ = io.WriteString(attach.Conn, prompt)
	_ = attach.CloseWrite()

	scanner := bufio.NewScanner(attach.Reader)
	for scanner.Scan() {
		log.Debug(scanner.Text(), zap.String("stream", "container"))
	}
}

func (h *dockerHandle) Wait(ctx context.Context) ExitResult {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitResult{Crashed: true, Err: err}
	case status := <-statusCh:
		crashed := status.StatusCode != 0
		return ExitResult{Crashed: crashed, ExitCode: int(status.StatusCode)}
	case <-ctx.Done():
		return ExitResult{Crashed: true, Err: ctx.Err()}
	}
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	timeout := 10
	return h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) Pid() string {
	return strings.TrimPrefix(h.containerID, "sha256:")
}
