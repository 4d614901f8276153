package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/sandpool/engine"
)

// Pool owns a fixed set of sandboxes and hands them out one holder at a time.
//
// A single mutex guards the availability flags of every Handle. Acquisition
// never blocks on container I/O; health scans hold the lock for the duration
// of the status lookups, bounded by Options.StatusTimeout.
type Pool struct {
	logger  *zap.Logger
	client  engine.Client
	fs      FileSystem
	metrics *Metrics
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	handles []*Handle
	started bool
	closed  bool

	repairs *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Stats counts the sandboxes of a pool by state
type Stats struct {
	Size           int `json:"size"`
	Available      int `json:"available"`
	Leased         int `json:"leased"`
	Repairing      int `json:"repairing"`
	PendingRemoval int `json:"pending_removal"`
}

// Option defines a functional option for Pool
type Option func(*Pool)

// WithFileSystem sets the FileSystem used for sandbox environments
func WithFileSystem(fs FileSystem) Option {
	return func(p *Pool) {
		p.fs = fs
	}
}

// WithMetrics sets the Prometheus metrics recorded by the pool
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New creates an empty pool. Start populates it.
func New(logger *zap.Logger, client engine.Client, opts Options, options ...Option) *Pool {
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		client:  client,
		fs:      RealFileSystem{},
		opts:    opts,
		now:     time.Now,
		repairs: semaphore.NewWeighted(int64(opts.MaxConcurrentRepairs)),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// Size returns the number of sandboxes in the pool
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Acquire checks out the first available sandbox in index order. It never
// waits: (nil, false) means the pool is exhausted.
func (p *Pool) Acquire() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}

	for _, h := range p.handles {
		if !h.available {
			continue
		}

		h.available = false
		h.leased = true
		h.acquiredAt = p.now()
		h.lease = uuid.NewString()

		p.observeLocked()
		p.metrics.acquired()
		p.logger.Info("sandbox acquired",
			zap.String("sandbox", h.name),
			zap.String("id", h.instance.ID),
			zap.String("lease", h.lease))

		return h, true
	}

	p.metrics.exhausted()
	p.logger.Debug("no sandbox available", zap.Int("size", len(p.handles)))
	return nil, false
}

// Refresh reloads the status of every sandbox and schedules repairs for the
// unhealthy ones that are not checked out. It returns the number of repairs
// scheduled; repairs complete in the background.
func (p *Pool) Refresh(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	start := p.now()
	for _, h := range p.handles {
		if h.repairing {
			continue
		}
		p.reloadLocked(ctx, h)
	}

	now := p.now()
	scheduled := 0
	for _, h := range p.handles {
		if h.repairing || !h.needsResetLocked() {
			continue
		}

		if h.leased {
			p.logger.Debug("unhealthy sandbox is checked out, repair deferred",
				zap.String("sandbox", h.name),
				zap.String("lease", h.lease))
			continue
		}

		h.available = false
		if now.Before(h.retryAfter) {
			continue
		}

		h.repairing = true
		p.wg.Add(1)
		go p.repair(h, h.instance.ID)
		scheduled++
	}

	p.observeLocked()
	p.metrics.refreshed(p.now().Sub(start))
	if scheduled > 0 {
		p.logger.Info("sandbox repairs scheduled", zap.Int("count", scheduled))
	}

	return scheduled
}

func (p *Pool) reloadLocked(ctx context.Context, h *Handle) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StatusTimeout)
	defer cancel()

	status, err := p.client.Status(ctx, h.instance.ID)
	if err != nil {
		if !h.pendingRemoval {
			p.logger.Warn("sandbox status lookup failed, marking for removal",
				zap.String("sandbox", h.name),
				zap.String("id", h.instance.ID),
				zap.Bool("gone", errors.Is(err, engine.ErrInstanceGone)),
				zap.Error(err))
		}
		h.pendingRemoval = true
		h.status = engine.StatusUnknown
		return
	}

	if status != h.status && !status.Live() {
		p.logger.Warn("sandbox instance unhealthy",
			zap.String("sandbox", h.name),
			zap.String("id", h.instance.ID),
			zap.String("status", string(status)))
	}
	h.status = status
}

// Stats returns the current sandbox counts
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Size: len(p.handles)}
	for _, h := range p.handles {
		switch {
		case h.available:
			s.Available++
		case h.leased:
			s.Leased++
		default:
			s.Repairing++
		}
		if h.pendingRemoval {
			s.PendingRemoval++
		}
	}
	return s
}

func (p *Pool) observeLocked() {
	p.metrics.observeStats(p.statsLocked())
}

// Snapshot returns a view of every sandbox in index order
func (p *Pool) Snapshot() []HandleInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]HandleInfo, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h.infoLocked())
	}
	return out
}

// Wait blocks until every scheduled repair has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, waits for in-flight repairs, kills every
// instance and removes the environment root
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	for _, h := range p.handles {
		h.available = false
	}
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for repairs: %w", ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, h := range p.handles {
		if h.leased {
			p.logger.Warn("shutting down checked out sandbox",
				zap.String("sandbox", h.name),
				zap.String("lease", h.lease))
		}
		if killErr := p.client.Kill(ctx, h.instance.ID); killErr != nil && !errors.Is(killErr, engine.ErrInstanceGone) {
			err = multierr.Append(err, fmt.Errorf("kill %s: %w", h.name, killErr))
		}
	}

	if rmErr := p.fs.RemoveAll(p.opts.VolumeHost); rmErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove environments: %w", rmErr))
	}

	p.observeLocked()
	p.logger.Info("sandbox pool shut down", zap.Int("size", len(p.handles)), zap.Error(err))
	return err
}

// spec describes the instance backing h
func (p *Pool) spec(h *Handle) engine.Spec {
	return engine.Spec{
		Name:            h.name,
		Index:           h.index,
		Image:           p.opts.Image,
		Env:             p.opts.Env,
		CPUSetCPUs:      p.opts.CPUSetCPUs,
		MemoryBytes:     p.opts.MemoryBytes,
		MemorySwapBytes: p.opts.MemorySwapBytes,
		HostPath:        h.env.Path(),
		MountPath:       p.opts.VolumeContainer,
	}
}

// build prepares the environment of h, creates its instance and seeds the
// default files
func (p *Pool) build(ctx context.Context, h *Handle) (engine.Instance, error) {
	if err := h.env.Prepare(); err != nil {
		return engine.Instance{}, err
	}

	inst, err := p.client.Create(ctx, p.spec(h))
	if err != nil {
		return engine.Instance{}, fmt.Errorf("failed to create instance for %s: %w", h.name, err)
	}

	if err := h.env.Seed(); err != nil {
		if killErr := p.client.Kill(ctx, inst.ID); killErr != nil {
			err = multierr.Append(err, killErr)
		}
		return engine.Instance{}, err
	}

	return inst, nil
}
