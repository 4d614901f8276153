package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/isdmx/sandpool/engine"
)

const (
	repairInitialInterval  = 500 * time.Millisecond
	repairMaxInterval      = 5 * time.Second
	holdoffInitialInterval = 10 * time.Second
)

// newHoldoff returns the backoff spacing repair attempts of one sandbox across
// refresh cycles. A zero max disables the hold-off.
func newHoldoff(limit time.Duration) *backoff.ExponentialBackOff {
	if limit <= 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(holdoffInitialInterval, limit)
	b.MaxInterval = limit
	b.Multiplier = 2
	return b
}

func newRepairBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = repairInitialInterval
	b.MaxInterval = repairMaxInterval
	return b
}

// repair replaces the instance of h with a fresh one. Runs in its own
// goroutine, at most Options.MaxConcurrentRepairs at a time.
func (p *Pool) repair(h *Handle, oldID string) {
	defer p.wg.Done()

	if err := p.repairs.Acquire(p.ctx, 1); err != nil {
		p.mu.Lock()
		h.repairing = false
		p.mu.Unlock()
		return
	}
	defer p.repairs.Release(1)

	start := p.now()
	logger := p.logger.With(zap.String("sandbox", h.name), zap.Int("index", h.index))
	logger.Info("repairing sandbox", zap.String("old_id", oldID))

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.RepairTimeout)
	defer cancel()

	if err := p.client.Kill(ctx, oldID); err != nil && !errors.Is(err, engine.ErrInstanceGone) {
		logger.Warn("failed to kill old instance", zap.String("old_id", oldID), zap.Error(err))
	}

	inst, err := backoff.Retry(ctx,
		func() (engine.Instance, error) {
			return p.build(ctx, h)
		},
		backoff.WithBackOff(newRepairBackoff()),
		backoff.WithMaxTries(uint(p.opts.RepairAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("repair attempt failed, retrying", zap.Duration("next", next), zap.Error(err))
		}),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	h.repairing = false
	elapsed := p.now().Sub(start)
	p.metrics.repaired(err == nil, elapsed)

	if err != nil {
		h.pendingRemoval = true
		if h.holdoff != nil {
			h.retryAfter = p.now().Add(h.holdoff.NextBackOff())
		}
		p.observeLocked()
		logger.Error("failed to repair sandbox",
			zap.Duration("elapsed", elapsed),
			zap.Time("retry_after", h.retryAfter),
			zap.Error(err))
		return
	}

	h.instance = inst
	h.status = inst.Status
	h.pendingRemoval = false
	h.retryAfter = time.Time{}
	if h.holdoff != nil {
		h.holdoff.Reset()
	}
	h.available = !p.closed
	p.observeLocked()

	logger.Info("sandbox repaired",
		zap.String("id", inst.ID),
		zap.Duration("elapsed", elapsed))
}
