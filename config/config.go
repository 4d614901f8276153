package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Refresh RefreshConfig `mapstructure:"refresh" yaml:"refresh"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// RuntimeConfig holds container engine configuration
type RuntimeConfig struct {
	Backend            string        `mapstructure:"backend" yaml:"backend"`
	DockerHost         string        `mapstructure:"docker_host" yaml:"docker_host"`
	PodmanPath         string        `mapstructure:"podman_path" yaml:"podman_path"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend" yaml:"enable_local_backend"`
	SettleDelay        time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StatusTimeout      time.Duration `mapstructure:"status_timeout" yaml:"status_timeout"`
}

// PoolConfig holds the sandbox pool configuration
type PoolConfig struct {
	Size            int      `mapstructure:"size" yaml:"size"`
	Image           string   `mapstructure:"image" yaml:"image"`
	Env             []string `mapstructure:"env" yaml:"env"`
	CPUSetCPUs      string   `mapstructure:"cpuset_cpus" yaml:"cpuset_cpus"`
	MemoryLimit     string   `mapstructure:"memory_limit" yaml:"memory_limit"`
	MemorySwapLimit string   `mapstructure:"memory_swap_limit" yaml:"memory_swap_limit"`
	VolumeHost      string   `mapstructure:"volume_host" yaml:"volume_host"`
	VolumeContainer string   `mapstructure:"volume_container" yaml:"volume_container"`
	DefaultFiles    string   `mapstructure:"default_files" yaml:"default_files"`
	CleanupCommand  []string `mapstructure:"cleanup_command" yaml:"cleanup_command"`
}

// RefreshConfig holds the health check and repair configuration
type RefreshConfig struct {
	Schedule             string        `mapstructure:"schedule" yaml:"schedule"`
	MaxConcurrentRepairs int           `mapstructure:"max_concurrent_repairs" yaml:"max_concurrent_repairs"`
	RepairAttempts       int           `mapstructure:"repair_attempts" yaml:"repair_attempts"`
	RepairTimeout        time.Duration `mapstructure:"repair_timeout" yaml:"repair_timeout"`
	RepairHoldoffMax     time.Duration `mapstructure:"repair_holdoff_max" yaml:"repair_holdoff_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// EnvPrefix is the prefix of environment variables overriding configuration keys.
const EnvPrefix = "SANDPOOL"

// legacyEnv maps configuration keys to the variable names used by older deployments.
var legacyEnv = map[string]string{
	"pool.size":              "DOCKER_COUNT",
	"pool.image":             "DOCKER_IMAGE",
	"pool.cpuset_cpus":       "DOCKER_CPUSET_CPUS",
	"pool.memory_limit":      "DOCKER_MEM_LIMIT",
	"pool.memory_swap_limit": "DOCKER_MEMSWAP_LIMIT",
	"pool.volume_host":       "DOCKER_VOLUME_HOST",
	"pool.volume_container":  "DOCKER_VOLUME_CONTAINER",
	"pool.default_files":     "DOCKER_DEFAULT_FILES",
	"pool.env":               "DOCKER_ENV_VAR",
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config.
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the configuration. When path is empty the default
// search locations are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("error binding environment for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.backend", "docker")
	v.SetDefault("runtime.docker_host", "")
	v.SetDefault("runtime.podman_path", "podman")
	v.SetDefault("runtime.enable_local_backend", false)
	v.SetDefault("runtime.settle_delay", 500*time.Millisecond)
	v.SetDefault("runtime.status_timeout", 5*time.Second)

	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.image", "sandpool/sandbox:latest")
	v.SetDefault("pool.env", []string{})
	v.SetDefault("pool.cpuset_cpus", "0")
	v.SetDefault("pool.memory_limit", "100m")
	v.SetDefault("pool.memory_swap_limit", "200m")
	v.SetDefault("pool.volume_host", "/tmp/sandpool/environments")
	v.SetDefault("pool.volume_container", "/home/sandbox/")
	v.SetDefault("pool.default_files", "./default_files")
	v.SetDefault("pool.cleanup_command", []string{"/bin/sh", "-c", "rm -rf -- * .[!.]* ..?*"})

	v.SetDefault("refresh.schedule", "@every 10s")
	v.SetDefault("refresh.max_concurrent_repairs", 4)
	v.SetDefault("refresh.repair_attempts", 3)
	v.SetDefault("refresh.repair_timeout", 2*time.Minute)
	v.SetDefault("refresh.repair_holdoff_max", 5*time.Minute)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Flat list of independent checks
func (c *Config) validate() error {
	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Runtime.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Runtime.Backend] {
		return fmt.Errorf("unsupported runtime.backend: %s", c.Runtime.Backend)
	}

	if c.Runtime.SettleDelay < 0 {
		return fmt.Errorf("runtime.settle_delay must not be negative, got: %s", c.Runtime.SettleDelay)
	}

	if c.Runtime.StatusTimeout <= 0 {
		return fmt.Errorf("runtime.status_timeout must be positive, got: %s", c.Runtime.StatusTimeout)
	}

	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got: %d", c.Pool.Size)
	}

	if c.Pool.Image == "" {
		return fmt.Errorf("pool.image must not be empty")
	}

	memory, err := c.Pool.MemoryBytes()
	if err != nil {
		return fmt.Errorf("invalid pool.memory_limit: %w", err)
	}

	swap, err := c.Pool.MemorySwapBytes()
	if err != nil {
		return fmt.Errorf("invalid pool.memory_swap_limit: %w", err)
	}

	if memory > 0 && swap > 0 && swap < memory {
		return fmt.Errorf("pool.memory_swap_limit (%s) must not be lower than pool.memory_limit (%s)",
			c.Pool.MemorySwapLimit, c.Pool.MemoryLimit)
	}

	if c.Pool.VolumeHost == "" {
		return fmt.Errorf("pool.volume_host must not be empty")
	}

	if c.Pool.VolumeContainer == "" {
		return fmt.Errorf("pool.volume_container must not be empty")
	}

	if c.Pool.DefaultFiles == "" {
		return fmt.Errorf("pool.default_files must not be empty")
	}

	for _, kv := range c.Pool.Env {
		if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
			return fmt.Errorf("invalid pool.env entry: %q, must be KEY=VALUE", kv)
		}
	}

	if len(c.Pool.CleanupCommand) == 0 {
		return fmt.Errorf("pool.cleanup_command must not be empty")
	}

	if c.Refresh.Schedule == "" {
		return fmt.Errorf("refresh.schedule must not be empty")
	}

	if c.Refresh.MaxConcurrentRepairs <= 0 {
		return fmt.Errorf("refresh.max_concurrent_repairs must be positive, got: %d", c.Refresh.MaxConcurrentRepairs)
	}

	if c.Refresh.RepairAttempts <= 0 {
		return fmt.Errorf("refresh.repair_attempts must be positive, got: %d", c.Refresh.RepairAttempts)
	}

	if c.Refresh.RepairTimeout <= 0 {
		return fmt.Errorf("refresh.repair_timeout must be positive, got: %s", c.Refresh.RepairTimeout)
	}

	if c.Refresh.RepairHoldoffMax < 0 {
		return fmt.Errorf("refresh.repair_holdoff_max must not be negative, got: %s", c.Refresh.RepairHoldoffMax)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// MemoryBytes returns the memory ceiling in bytes, 0 when unset.
func (p PoolConfig) MemoryBytes() (int64, error) {
	return parseSize(p.MemoryLimit)
}

// MemorySwapBytes returns the memory+swap ceiling in bytes, 0 when unset.
func (p PoolConfig) MemorySwapBytes() (int64, error) {
	return parseSize(p.MemorySwapLimit)
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
