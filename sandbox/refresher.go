package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/sandpool/config"
)

// Refresher runs Pool.Refresh on a cron schedule. A run still in progress
// causes the next tick to be skipped.
type Refresher struct {
	logger   *zap.Logger
	pool     *Pool
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewRefresher creates a Refresher for pool. schedule accepts standard cron
// expressions and descriptors such as "@every 10s".
func NewRefresher(logger *zap.Logger, pool *Pool, schedule string) (*Refresher, error) {
	cl := cronLogger{logger: logger.Sugar()}
	r := &Refresher{
		logger:   logger,
		pool:     pool,
		schedule: schedule,
		timeout:  pool.opts.StatusTimeout * time.Duration(max(pool.opts.Size, 1)),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}

	return r, nil
}

// NewRefresherFromConfig creates a Refresher and binds it to the fx lifecycle
func NewRefresherFromConfig(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, pool *Pool) (*Refresher, error) {
	r, err := NewRefresher(logger, pool, cfg.Refresh.Schedule)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: r.Stop,
	})

	return r, nil
}

// Start begins running refreshes in the background
func (r *Refresher) Start() {
	r.logger.Info("starting sandbox refresher", zap.String("schedule", r.schedule))
	r.cron.Start()
}

// Stop stops the schedule and waits for a running refresh to finish
func (r *Refresher) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		r.logger.Info("sandbox refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs one refresh immediately and returns the number of repairs scheduled
func (r *Refresher) Trigger(ctx context.Context) int {
	return r.pool.Refresh(ctx)
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if n := r.Trigger(ctx); n > 0 {
		r.logger.Debug("refresh completed", zap.Int("repairs", n))
	}
}

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
