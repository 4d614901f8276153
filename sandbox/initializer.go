package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandpool/config"
	"github.com/isdmx/sandpool/engine"
)

// Initialize creates a pool and populates it, see Pool.Start
func Initialize(ctx context.Context, logger *zap.Logger, client engine.Client, opts Options, options ...Option) (*Pool, error) {
	p := New(logger, client, opts, options...)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPoolFromConfig creates a pool from configuration and binds it to the fx
// lifecycle: populated on start, shut down on stop
func NewPoolFromConfig(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, client engine.Client, metrics *Metrics) (*Pool, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	p := New(logger, client, opts, WithMetrics(metrics))

	lc.Append(fx.Hook{
		OnStart: p.Start,
		OnStop:  p.Shutdown,
	})

	return p, nil
}

// Start brings the pool to its initial state. Leftovers of previous runs are
// cleaned up (stopped instances pruned, running instances of the image killed,
// environment root removed) and Options.Size sandboxes named c0..cN-1 are
// created. The pool lock is held throughout so no sandbox can be acquired
// before the pool is ready.
//
// Any failure is fatal and wraps ErrStartup. Instances created before the
// failure are killed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: %w", ErrStartup, ErrPoolClosed)
	}
	if p.started {
		return fmt.Errorf("%w: pool already started", ErrStartup)
	}

	start := p.now()
	p.logger.Info("initializing sandbox pool",
		zap.Int("size", p.opts.Size),
		zap.String("image", p.opts.Image),
		zap.String("volume_host", p.opts.VolumeHost))

	if err := p.cleanupLocked(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	handles := make([]*Handle, 0, p.opts.Size)
	for i := range p.opts.Size {
		h, err := newHandle(ctx, p, fmt.Sprintf("c%d", i), i)
		if err != nil {
			for _, created := range handles {
				if killErr := p.client.Kill(ctx, created.instance.ID); killErr != nil {
					err = multierr.Append(err, killErr)
				}
			}
			if rmErr := p.fs.RemoveAll(p.opts.VolumeHost); rmErr != nil {
				err = multierr.Append(err, rmErr)
			}
			return fmt.Errorf("%w: sandbox c%d: %w", ErrStartup, i, err)
		}
		handles = append(handles, h)
	}

	p.handles = handles
	p.started = true
	p.observeLocked()

	p.logger.Info("sandbox pool ready",
		zap.Int("size", len(handles)),
		zap.Duration("elapsed", p.now().Sub(start)))
	return nil
}

// cleanupLocked removes what previous runs left behind
func (p *Pool) cleanupLocked(ctx context.Context) error {
	if p.opts.SettleDelay > 0 {
		select {
		case <-time.After(p.opts.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	report, err := p.client.PruneStopped(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune stopped instances: %w", err)
	}
	p.logger.Info("pruned stopped instances",
		zap.Int("deleted", len(report.Deleted)),
		zap.Uint64("space_reclaimed", report.SpaceReclaimed))

	instances, err := p.client.List(ctx, p.opts.Image)
	if err != nil {
		return fmt.Errorf("failed to list instances of %s: %w", p.opts.Image, err)
	}
	for _, inst := range instances {
		if err := p.client.Kill(ctx, inst.ID); err != nil && !errors.Is(err, engine.ErrInstanceGone) {
			return fmt.Errorf("failed to kill leftover instance %s: %w", inst.Name, err)
		}
		p.logger.Info("killed leftover instance",
			zap.String("id", inst.ID),
			zap.String("name", inst.Name))
	}

	if err := p.fs.RemoveAll(p.opts.VolumeHost); err != nil {
		return fmt.Errorf("failed to remove environment root %s: %w", p.opts.VolumeHost, err)
	}

	return nil
}
