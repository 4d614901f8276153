package engine

import (
	"context"
	"errors"
	"strconv"
)

// Status is the lifecycle state reported by the container engine for an instance
type Status string

// Instance states as reported by Docker and Podman
const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusPaused     Status = "paused"
	StatusRemoving   Status = "removing"
	StatusExited     Status = "exited"
	StatusDead       Status = "dead"
	StatusUnknown    Status = "unknown"
)

// Live reports whether an instance in this state can still serve a sandbox
func (s Status) Live() bool {
	switch s {
	case StatusRunning, StatusRestarting, StatusCreated:
		return true
	default:
		return false
	}
}

// Labels attached to every instance created by the pool
const (
	LabelManaged = "sandpool.managed"
	LabelName    = "sandpool.name"
	LabelIndex   = "sandpool.index"
)

var (
	// ErrInstanceGone is returned when the engine no longer knows the instance
	ErrInstanceGone = errors.New("instance gone")
	// ErrEngineUnreachable is returned when the engine cannot be contacted
	ErrEngineUnreachable = errors.New("engine unreachable")
)

// Spec describes the instance to create for one sandbox
type Spec struct {
	Name            string
	Index           int
	Image           string
	Env             []string
	CPUSetCPUs      string
	MemoryBytes     int64
	MemorySwapBytes int64
	HostPath        string
	MountPath       string
}

// Labels returns the ownership labels for the instance described by s
func (s Spec) Labels() map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelName:    s.Name,
		LabelIndex:   strconv.Itoa(s.Index),
	}
}

// Instance identifies a container created by the engine
type Instance struct {
	ID     string
	Name   string
	Image  string
	Status Status
}

// ExecOptions describes a command to run inside an instance
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        []string
}

// ExecResult represents the result of a command run inside an instance
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// PruneReport summarises the removal of stopped instances
type PruneReport struct {
	Deleted        []string
	SpaceReclaimed uint64
}

// Client is the capability set the pool needs from a container engine
type Client interface {
	// Create creates and starts an instance
	Create(ctx context.Context, spec Spec) (Instance, error)
	// Status reloads the live status of an instance
	Status(ctx context.Context, id string) (Status, error)
	// Exec runs a command inside a running instance
	Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error)
	// Restart restarts the instance, keeping its identity and mounts
	Restart(ctx context.Context, id string) error
	// Kill stops the instance with SIGKILL
	Kill(ctx context.Context, id string) error
	// List returns the running instances created from image
	List(ctx context.Context, image string) ([]Instance, error)
	// PruneStopped removes stopped instances carrying the managed label
	PruneStopped(ctx context.Context) (PruneReport, error)
	// Close releases the resources held by the client
	Close() error
}
