package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalClient implements Client without any container engine (for development only).
//
// Instances are bookkeeping records; Exec runs commands directly on the host
// inside the directory that would have been bound into the container. There is
// no isolation whatsoever.
type LocalClient struct {
	logger    *zap.Logger
	cmdRunner CommandRunner

	mu        sync.Mutex
	instances map[string]*localInstance
}

type localInstance struct {
	Instance
	spec Spec
}

// LocalClientOption defines a functional option for LocalClient
type LocalClientOption func(*LocalClient)

// WithLocalCommandRunner sets the CommandRunner for LocalClient
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalClientOption {
	return func(l *LocalClient) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalClient creates a new LocalClient with default implementations and optional interfaces
func NewLocalClient(logger *zap.Logger, opts ...LocalClientOption) *LocalClient {
	l := &LocalClient{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
		instances: make(map[string]*localInstance),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Create registers a running instance for spec
func (l *LocalClient) Create(_ context.Context, spec Spec) (Instance, error) {
	if _, err := os.Stat(spec.HostPath); err != nil {
		return Instance{}, fmt.Errorf("host path for %s: %w", spec.Name, err)
	}

	inst := Instance{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:   spec.Name,
		Image:  spec.Image,
		Status: StatusRunning,
	}

	l.mu.Lock()
	l.instances[inst.ID] = &localInstance{Instance: inst, spec: spec}
	l.mu.Unlock()

	l.logger.Warn("local backend provides no isolation", zap.String("sandbox", spec.Name), zap.String("id", shortID(inst.ID)))
	return inst, nil
}

// Status returns the recorded state of the instance
func (l *LocalClient) Status(_ context.Context, id string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inst, ok := l.instances[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("local instance %s: %w", shortID(id), ErrInstanceGone)
	}
	return inst.Status, nil
}

// Exec runs the command on the host. The working directory is translated from
// the mount path to the host path.
func (l *LocalClient) Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error) {
	if len(opts.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("no command provided")
	}

	l.mu.Lock()
	inst, ok := l.instances[id]
	var spec Spec
	if ok {
		spec = inst.spec
	}
	l.mu.Unlock()
	if !ok {
		return ExecResult{}, fmt.Errorf("local instance %s: %w", shortID(id), ErrInstanceGone)
	}

	dir := spec.HostPath
	if opts.WorkingDir != "" && opts.WorkingDir != spec.MountPath {
		rel := strings.TrimPrefix(opts.WorkingDir, strings.TrimSuffix(spec.MountPath, "/"))
		dir = spec.HostPath + rel
	}

	stdout, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, dir, opts.Cmd)
	if err != nil {
		return ExecResult{}, fmt.Errorf("local exec failed: %w", err)
	}

	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// Restart marks the instance running again
func (l *LocalClient) Restart(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	inst, ok := l.instances[id]
	if !ok {
		return fmt.Errorf("local instance %s: %w", shortID(id), ErrInstanceGone)
	}
	inst.Status = StatusRunning
	return nil
}

// Kill forgets the instance, mirroring auto-removal on stop
func (l *LocalClient) Kill(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.instances[id]; !ok {
		return fmt.Errorf("local instance %s: %w", shortID(id), ErrInstanceGone)
	}
	delete(l.instances, id)
	return nil
}

// SetStatus overrides the recorded state of an instance
func (l *LocalClient) SetStatus(id string, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	inst, ok := l.instances[id]
	if !ok {
		return fmt.Errorf("local instance %s: %w", shortID(id), ErrInstanceGone)
	}
	inst.Status = status
	return nil
}

// List returns the live instances created from image
func (l *LocalClient) List(_ context.Context, image string) ([]Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Instance
	for _, inst := range l.instances {
		if inst.Image == image && inst.Status.Live() {
			out = append(out, inst.Instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PruneStopped forgets every instance that is no longer live
func (l *LocalClient) PruneStopped(_ context.Context) (PruneReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report PruneReport
	for id, inst := range l.instances {
		if !inst.Status.Live() {
			delete(l.instances, id)
			report.Deleted = append(report.Deleted, id)
		}
	}
	sort.Strings(report.Deleted)
	return report, nil
}

// Close is a no-op
func (*LocalClient) Close() error {
	return nil
}
