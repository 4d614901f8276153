package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/isdmx/sandpool/engine"
)

// Handle is one pooled sandbox: a container instance paired with the host
// directory bound into it. Handles are owned by their Pool and never outlive it.
//
// All mutable fields are guarded by the pool mutex.
type Handle struct {
	pool  *Pool
	name  string
	index int
	env   *Environment

	instance       engine.Instance
	status         engine.Status
	available      bool
	leased         bool
	repairing      bool
	pendingRemoval bool
	acquiredAt     time.Time
	lease          string

	holdoff    *backoff.ExponentialBackOff
	retryAfter time.Time
}

// HandleInfo is a point-in-time view of a Handle
type HandleInfo struct {
	Name           string        `json:"name"`
	Index          int           `json:"index"`
	InstanceID     string        `json:"instance_id"`
	Status         engine.Status `json:"status"`
	Available      bool          `json:"available"`
	Leased         bool          `json:"leased"`
	Repairing      bool          `json:"repairing"`
	PendingRemoval bool          `json:"pending_removal"`
	AcquiredAt     time.Time     `json:"acquired_at"`
	RetryAfter     time.Time     `json:"retry_after"`
}

func newHandle(ctx context.Context, p *Pool, name string, index int) (*Handle, error) {
	h := &Handle{
		pool:    p,
		name:    name,
		index:   index,
		env:     NewEnvironment(p.fs, p.opts.VolumeHost, name, p.opts.DefaultFiles),
		holdoff: newHoldoff(p.opts.RepairHoldoffMax),
	}

	inst, err := p.build(ctx, h)
	if err != nil {
		return nil, err
	}

	h.instance = inst
	h.status = inst.Status
	h.available = true

	p.logger.Info("sandbox created",
		zap.String("sandbox", name),
		zap.Int("index", index),
		zap.String("id", inst.ID),
		zap.String("path", h.env.Path()))

	return h, nil
}

// Name returns the stable name of the sandbox (c0, c1, ...)
func (h *Handle) Name() string {
	return h.name
}

// Index returns the position of the sandbox in the pool
func (h *Handle) Index() int {
	return h.index
}

// EnvironmentPath returns the host directory bound into the sandbox
func (h *Handle) EnvironmentPath() string {
	return h.env.Path()
}

// InstanceID returns the ID of the container currently backing the sandbox
func (h *Handle) InstanceID() string {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.instance.ID
}

// Lease returns the ID of the current checkout, or "" when not leased
func (h *Handle) Lease() string {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.lease
}

// AcquiredAt returns when the sandbox was last checked out
func (h *Handle) AcquiredAt() time.Time {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.acquiredAt
}

// NeedsReset reports whether the instance is unhealthy or flagged for removal
func (h *Handle) NeedsReset() bool {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.needsResetLocked()
}

func (h *Handle) needsResetLocked() bool {
	return h.pendingRemoval || !h.status.Live()
}

func (h *Handle) infoLocked() HandleInfo {
	return HandleInfo{
		Name:           h.name,
		Index:          h.index,
		InstanceID:     h.instance.ID,
		Status:         h.status,
		Available:      h.available,
		Leased:         h.leased,
		Repairing:      h.repairing,
		PendingRemoval: h.pendingRemoval,
		AcquiredAt:     h.acquiredAt,
		RetryAfter:     h.retryAfter,
	}
}

// Exec runs cmd inside the sandbox, in the mounted environment directory
func (h *Handle) Exec(ctx context.Context, cmd []string) (engine.ExecResult, error) {
	p := h.pool

	p.mu.Lock()
	if !h.leased {
		p.mu.Unlock()
		return engine.ExecResult{}, ErrNotLeased
	}
	id := h.instance.ID
	p.mu.Unlock()

	return p.client.Exec(ctx, id, engine.ExecOptions{
		Cmd:        cmd,
		WorkingDir: p.opts.VolumeContainer,
	})
}

// Release returns the sandbox to the pool after wiping its environment and
// restarting the instance. On failure the sandbox stays out of circulation and
// is rebuilt by the next refresh.
func (h *Handle) Release(ctx context.Context) error {
	p := h.pool

	p.mu.Lock()
	if !h.leased {
		p.mu.Unlock()
		return ErrNotLeased
	}
	if p.closed {
		h.leased = false
		h.lease = ""
		p.mu.Unlock()
		return ErrPoolClosed
	}
	id := h.instance.ID
	lease := h.lease
	flagged := h.pendingRemoval
	p.mu.Unlock()

	var err error
	if !flagged {
		err = h.reset(ctx, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h.leased = false
	h.lease = ""
	if err != nil {
		h.pendingRemoval = true
	} else if !flagged {
		h.status = engine.StatusRunning
	}
	h.available = !h.pendingRemoval && !p.closed

	held := p.now().Sub(h.acquiredAt)
	p.observeLocked()
	p.metrics.released(err == nil)

	if err != nil {
		p.logger.Error("failed to reset sandbox, scheduled for repair",
			zap.String("sandbox", h.name),
			zap.String("lease", lease),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrReleaseFailed, h.name, err)
	}

	if flagged {
		p.logger.Warn("released sandbox flagged for removal",
			zap.String("sandbox", h.name),
			zap.String("lease", lease),
			zap.Duration("held", held))
		return nil
	}

	p.logger.Info("sandbox released",
		zap.String("sandbox", h.name),
		zap.String("lease", lease),
		zap.Duration("held", held))
	return nil
}

// reset wipes the environment inside and outside the instance, re-seeds it and
// restarts the instance
func (h *Handle) reset(ctx context.Context, id string) error {
	p := h.pool

	exists, err := h.env.Exists()
	if err != nil {
		return fmt.Errorf("failed to stat environment: %w", err)
	}

	if exists && len(p.opts.CleanupCommand) > 0 {
		res, err := p.client.Exec(ctx, id, engine.ExecOptions{
			Cmd:        p.opts.CleanupCommand,
			WorkingDir: p.opts.VolumeContainer,
		})
		if err != nil {
			return fmt.Errorf("cleanup command failed: %w", err)
		}
		if res.ExitCode != 0 {
			// Files owned by the container user may survive, the host side removal below covers them
			p.logger.Debug("cleanup command exited non-zero",
				zap.String("sandbox", h.name),
				zap.Int("exit_code", res.ExitCode),
				zap.String("stderr", res.Stderr))
		}
	}

	if err := h.env.Reset(); err != nil {
		return err
	}

	if err := p.client.Restart(ctx, id); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}

	return nil
}
