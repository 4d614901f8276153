package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	dockerRestartTimeout = 5 // seconds
	dockerPingTimeout    = 5 * time.Second
)

// DockerClient implements Client using the Docker Engine API
type DockerClient struct {
	logger *zap.Logger
	cli    *client.Client
}

// NewDockerClient connects to the Docker daemon. An empty host falls back to
// DOCKER_HOST or the default socket.
func NewDockerClient(logger *zap.Logger, host string) (*DockerClient, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dockerPingTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w: %w", ErrEngineUnreachable, err)
	}

	return &DockerClient{logger: logger, cli: cli}, nil
}

// Create creates and starts a container for spec
func (d *DockerClient) Create(ctx context.Context, spec Spec) (Instance, error) {
	cfg, hostCfg := dockerContainerConfig(spec)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Instance{}, fmt.Errorf("docker container create failed: %w", dockerError(err))
	}
	for _, warning := range resp.Warnings {
		d.logger.Warn("docker create warning", zap.String("sandbox", spec.Name), zap.String("warning", warning))
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// AutoRemove only applies once started, remove the created container explicitly
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Instance{}, fmt.Errorf("docker container start failed: %w", dockerError(err))
	}

	return Instance{
		ID:     resp.ID,
		Name:   spec.Name,
		Image:  spec.Image,
		Status: StatusRunning,
	}, nil
}

// Status inspects the container and returns its state
func (d *DockerClient) Status(ctx context.Context, id string) (Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return StatusUnknown, fmt.Errorf("docker inspect %s: %w", shortID(id), dockerError(err))
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return StatusUnknown, nil
	}
	return Status(inspect.State.Status), nil
}

// Exec runs a command inside the container and waits for it to finish
func (d *DockerClient) Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec create failed: %w", dockerError(err))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec attach failed: %w", dockerError(err))
	}
	defer attach.Close()

	// Closing the hijacked connection unblocks StdCopy when ctx ends first
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{}, fmt.Errorf("docker exec output read failed: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec inspect failed: %w", dockerError(err))
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Restart restarts the container in place
func (d *DockerClient) Restart(ctx context.Context, id string) error {
	timeout := dockerRestartTimeout
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("docker restart %s: %w", shortID(id), dockerError(err))
	}
	return nil
}

// Kill sends SIGKILL to the container. AutoRemove deletes it afterwards.
func (d *DockerClient) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("docker kill %s: %w", shortID(id), dockerError(err))
	}
	return nil
}

// List returns the running containers created from image
func (d *DockerClient) List(ctx context.Context, image string) ([]Instance, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("ancestor", image)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker list: %w", dockerError(err))
	}

	instances := make([]Instance, 0, len(containers))
	for _, c := range containers {
		name := c.Labels[LabelName]
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		instances = append(instances, Instance{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: Status(c.State),
		})
	}
	return instances, nil
}

// PruneStopped removes stopped containers carrying the managed label
func (d *DockerClient) PruneStopped(ctx context.Context) (PruneReport, error) {
	report, err := d.cli.ContainersPrune(ctx, filters.NewArgs(filters.Arg("label", LabelManaged+"=true")))
	if err != nil {
		return PruneReport{}, fmt.Errorf("docker prune: %w", dockerError(err))
	}
	return PruneReport{
		Deleted:        report.ContainersDeleted,
		SpaceReclaimed: report.SpaceReclaimed,
	}, nil
}

// Close closes the underlying API client
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// dockerContainerConfig builds the container and host configuration for spec
func dockerContainerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Env:             spec.Env,
		Labels:          spec.Labels(),
		WorkingDir:      spec.MountPath,
		Tty:             true,
		OpenStdin:       true,
		NetworkDisabled: true,
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: container.NetworkMode("none"),
		Binds:       []string{bindSpec(spec)},
		Resources: container.Resources{
			CpusetCpus: spec.CPUSetCPUs,
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemorySwapBytes,
		},
	}

	return cfg, hostCfg
}

func bindSpec(spec Spec) string {
	return fmt.Sprintf("%s:%s:rw", spec.HostPath, spec.MountPath)
}

// dockerError tags Docker API errors with the engine sentinel errors
func dockerError(err error) error {
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %w", ErrInstanceGone, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", ErrEngineUnreachable, err)
	default:
		return err
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
