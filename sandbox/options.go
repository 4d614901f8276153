package sandbox

import (
	"fmt"
	"time"

	"github.com/isdmx/sandpool/config"
)

// Options holds the settings of a sandbox pool
type Options struct {
	Size            int
	Image           string
	Env             []string
	CPUSetCPUs      string
	MemoryBytes     int64
	MemorySwapBytes int64
	VolumeHost      string
	VolumeContainer string
	DefaultFiles    string
	CleanupCommand  []string

	SettleDelay          time.Duration
	StatusTimeout        time.Duration
	MaxConcurrentRepairs int
	RepairAttempts       int
	RepairTimeout        time.Duration
	RepairHoldoffMax     time.Duration
}

// OptionsFromConfig converts the application configuration into pool options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	memory, err := cfg.Pool.MemoryBytes()
	if err != nil {
		return Options{}, fmt.Errorf("invalid pool.memory_limit: %w", err)
	}
	swap, err := cfg.Pool.MemorySwapBytes()
	if err != nil {
		return Options{}, fmt.Errorf("invalid pool.memory_swap_limit: %w", err)
	}

	return Options{
		Size:                 cfg.Pool.Size,
		Image:                cfg.Pool.Image,
		Env:                  cfg.Pool.Env,
		CPUSetCPUs:           cfg.Pool.CPUSetCPUs,
		MemoryBytes:          memory,
		MemorySwapBytes:      swap,
		VolumeHost:           cfg.Pool.VolumeHost,
		VolumeContainer:      cfg.Pool.VolumeContainer,
		DefaultFiles:         cfg.Pool.DefaultFiles,
		CleanupCommand:       cfg.Pool.CleanupCommand,
		SettleDelay:          cfg.Runtime.SettleDelay,
		StatusTimeout:        cfg.Runtime.StatusTimeout,
		MaxConcurrentRepairs: cfg.Refresh.MaxConcurrentRepairs,
		RepairAttempts:       cfg.Refresh.RepairAttempts,
		RepairTimeout:        cfg.Refresh.RepairTimeout,
		RepairHoldoffMax:     cfg.Refresh.RepairHoldoffMax,
	}, nil
}

func (o *Options) applyDefaults() {
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 5 * time.Second
	}
	if o.MaxConcurrentRepairs <= 0 {
		o.MaxConcurrentRepairs = 1
	}
	if o.RepairAttempts <= 0 {
		o.RepairAttempts = 1
	}
	if o.RepairTimeout <= 0 {
		o.RepairTimeout = 2 * time.Minute
	}
}
