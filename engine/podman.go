package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PodmanClient implements Client by driving the podman command line
type PodmanClient struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// PodmanClientOption defines a functional option for PodmanClient
type PodmanClientOption func(*PodmanClient)

// WithPodmanCommandRunner sets the CommandRunner for PodmanClient
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanClientOption {
	return func(p *PodmanClient) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanBinary sets the podman executable used by PodmanClient
func WithPodmanBinary(binary string) PodmanClientOption {
	return func(p *PodmanClient) {
		if binary != "" {
			p.binary = binary
		}
	}
}

// NewPodmanClient creates a new PodmanClient with default implementations and optional interfaces
func NewPodmanClient(logger *zap.Logger, opts ...PodmanClientOption) *PodmanClient {
	p := &PodmanClient{
		logger:    logger,
		binary:    "podman",
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Create runs a detached, auto-removed container for spec
func (p *PodmanClient) Create(ctx context.Context, spec Spec) (Instance, error) {
	stdout, err := p.run(ctx, p.runArgs(spec)...)
	if err != nil {
		return Instance{}, fmt.Errorf("podman run failed: %w", err)
	}

	id := lastLine(stdout)
	if id == "" {
		return Instance{}, fmt.Errorf("podman run returned empty id")
	}
	p.logger.Debug("podman container started", zap.String("sandbox", spec.Name), zap.String("id", shortID(id)))

	return Instance{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		Status: StatusRunning,
	}, nil
}

func (p *PodmanClient) runArgs(spec Spec) []string {
	args := []string{
		p.binary, "run",
		"--detach",
		"--rm",  // Remove container once stopped
		"--tty", // Keep the container alive without a foreground process
		"--interactive",
		"--network", "none",
		"--volume", bindSpec(spec),
		"--workdir", spec.MountPath,
	}

	if spec.CPUSetCPUs != "" {
		args = append(args, "--cpuset-cpus", spec.CPUSetCPUs)
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.MemoryBytes, 10))
	}
	if spec.MemorySwapBytes > 0 {
		args = append(args, "--memory-swap", strconv.FormatInt(spec.MemorySwapBytes, 10))
	}

	for _, kv := range spec.Env {
		args = append(args, "--env", kv)
	}

	for _, key := range []string{LabelManaged, LabelName, LabelIndex} {
		args = append(args, "--label", key+"="+spec.Labels()[key])
	}

	return append(args, spec.Image)
}

// Status reads the container state with podman inspect
func (p *PodmanClient) Status(ctx context.Context, id string) (Status, error) {
	stdout, err := p.run(ctx, p.binary, "inspect", "--type", "container", "--format", "{{.State.Status}}", id)
	if err != nil {
		return StatusUnknown, fmt.Errorf("podman inspect %s: %w", shortID(id), err)
	}
	return Status(strings.TrimSpace(stdout)), nil
}

// Exec runs a command inside the container
func (p *PodmanClient) Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error) {
	if len(opts.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("no command provided")
	}

	args := []string{p.binary, "exec"}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	for _, kv := range opts.Env {
		args = append(args, "--env", kv)
	}
	args = append(args, id)
	args = append(args, opts.Cmd...)

	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, "", args)
	if err != nil {
		return ExecResult{}, fmt.Errorf("podman exec failed: %w", err)
	}
	// Exit codes 125-127 come from podman itself, not from the command
	if exitCode >= 125 && exitCode <= 127 && isMissingContainer(stderr) {
		return ExecResult{}, fmt.Errorf("podman exec %s: %w: %s", shortID(id), ErrInstanceGone, strings.TrimSpace(stderr))
	}

	return ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}, nil
}

// Restart restarts the container in place
func (p *PodmanClient) Restart(ctx context.Context, id string) error {
	if _, err := p.run(ctx, p.binary, "restart", id); err != nil {
		return fmt.Errorf("podman restart %s: %w", shortID(id), err)
	}
	return nil
}

// Kill sends SIGKILL to the container
func (p *PodmanClient) Kill(ctx context.Context, id string) error {
	if _, err := p.run(ctx, p.binary, "kill", "--signal", "KILL", id); err != nil {
		return fmt.Errorf("podman kill %s: %w", shortID(id), err)
	}
	return nil
}

// List returns the running containers created from image
func (p *PodmanClient) List(ctx context.Context, image string) ([]Instance, error) {
	stdout, err := p.run(ctx, p.binary, "ps",
		"--filter", "ancestor="+image,
		"--format", "{{.ID}}\t{{.Names}}\t{{.State}}")
	if err != nil {
		return nil, fmt.Errorf("podman ps: %w", err)
	}

	var instances []Instance
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		inst := Instance{ID: fields[0], Image: image, Status: StatusRunning}
		if len(fields) > 1 {
			inst.Name = fields[1]
		}
		if len(fields) > 2 {
			inst.Status = Status(fields[2])
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// PruneStopped removes stopped containers carrying the managed label
func (p *PodmanClient) PruneStopped(ctx context.Context) (PruneReport, error) {
	stdout, err := p.run(ctx, p.binary, "container", "prune", "--force", "--filter", "label="+LabelManaged+"=true")
	if err != nil {
		return PruneReport{}, fmt.Errorf("podman prune: %w", err)
	}

	var report PruneReport
	for _, line := range strings.Split(stdout, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			report.Deleted = append(report.Deleted, id)
		}
	}
	return report, nil
}

// Close is a no-op, the command line keeps no connection open
func (*PodmanClient) Close() error {
	return nil
}

// run executes a podman command, turning a non-zero exit code into an error
func (p *PodmanClient) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, "", args)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngineUnreachable, err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if isMissingContainer(msg) {
			return "", fmt.Errorf("%w: %s", ErrInstanceGone, msg)
		}
		if strings.Contains(msg, "Cannot connect") || strings.Contains(msg, "unable to connect") {
			return "", fmt.Errorf("%w: %s", ErrEngineUnreachable, msg)
		}
		return "", fmt.Errorf("exit code %d: %s", exitCode, msg)
	}
	return stdout, nil
}

func isMissingContainer(stderr string) bool {
	msg := strings.ToLower(stderr)
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no container with name or id")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
