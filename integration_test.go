package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandpool/config"
	"github.com/isdmx/sandpool/engine"
	"github.com/isdmx/sandpool/logger"
	"github.com/isdmx/sandpool/sandbox"
)

// writeConfig creates a configuration file for the local backend rooted in a
// temporary directory
func writeConfig(t *testing.T, size int) (string, string) {
	t.Helper()

	root := t.TempDir()
	defaults := filepath.Join(root, "default_files")
	require.NoError(t, os.MkdirAll(defaults, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defaults, "main.py"), []byte("print('hello')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(defaults, ".env"), []byte("MODE=test\n"), 0o600))

	content := fmt.Sprintf(`runtime:
  backend: local
  enable_local_backend: true
  settle_delay: 0s
pool:
  size: %d
  image: sandpool/integration:latest
  volume_host: %s
  default_files: %s
refresh:
  schedule: "@every 1h"
  repair_attempts: 1
  repair_holdoff_max: 0s
logging:
  mode: development
  level: debug
`, size, filepath.Join(root, "environments"), defaults)

	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, root
}

// TestIntegrationConfigLoggerEngine tests the integration between config, logger and engine packages
func TestIntegrationConfigLoggerEngine(t *testing.T) {
	path, _ := writeConfig(t, 3)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Runtime.Backend)
	assert.Equal(t, 3, cfg.Pool.Size)

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, log)

	client, err := engine.NewClient(log, cfg)
	require.NoError(t, err)
	assert.IsType(t, &engine.LocalClient{}, client)
	assert.NoError(t, client.Close())

	cfg.Runtime.EnableLocalBackend = false
	_, err = engine.NewClient(log, cfg)
	assert.Error(t, err)
}

// TestIntegrationPoolLifecycle drives a pool on the local backend end to end
func TestIntegrationPoolLifecycle(t *testing.T) {
	path, root := writeConfig(t, 3)
	ctx := context.Background()

	cfg, err := config.Load(path)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	client, err := engine.NewClient(log, cfg)
	require.NoError(t, err)
	local, ok := client.(*engine.LocalClient)
	require.True(t, ok)

	opts, err := sandbox.OptionsFromConfig(cfg)
	require.NoError(t, err)

	pool, err := sandbox.Initialize(ctx, log, client, opts)
	require.NoError(t, err)

	instances, err := client.List(ctx, cfg.Pool.Image)
	require.NoError(t, err)
	assert.Len(t, instances, 3)

	t.Run("ExecAndRelease", func(t *testing.T) {
		h, ok := pool.Acquire()
		require.True(t, ok)
		assert.Equal(t, "c0", h.Name())

		res, err := h.Exec(ctx, []string{"/bin/sh", "-c", "cat main.py && echo result > out.txt"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "print('hello')\n", res.Stdout)
		assert.FileExists(t, filepath.Join(h.EnvironmentPath(), "out.txt"))

		require.NoError(t, h.Release(ctx))
		assert.NoFileExists(t, filepath.Join(h.EnvironmentPath(), "out.txt"))
		assert.FileExists(t, filepath.Join(h.EnvironmentPath(), ".env"))
	})

	t.Run("ExhaustionAndRecovery", func(t *testing.T) {
		var held []*sandbox.Handle
		for range 3 {
			h, ok := pool.Acquire()
			require.True(t, ok)
			held = append(held, h)
		}

		_, ok := pool.Acquire()
		assert.False(t, ok)

		for _, h := range held {
			require.NoError(t, h.Release(ctx))
		}
		assert.Equal(t, 3, pool.Stats().Available)
	})

	t.Run("RefreshRepairsDeadSandbox", func(t *testing.T) {
		refresher, err := sandbox.NewRefresher(log, pool, cfg.Refresh.Schedule)
		require.NoError(t, err)

		var dead sandbox.HandleInfo
		for _, info := range pool.Snapshot() {
			if info.Name == "c2" {
				dead = info
			}
		}
		require.NoError(t, local.SetStatus(dead.InstanceID, engine.StatusExited))

		assert.Equal(t, 1, refresher.Trigger(ctx))
		require.Eventually(t, func() bool {
			return pool.Stats().Available == 3
		}, 5*time.Second, 20*time.Millisecond)

		for _, info := range pool.Snapshot() {
			if info.Name == "c2" {
				assert.NotEqual(t, dead.InstanceID, info.InstanceID)
				assert.Equal(t, engine.StatusRunning, info.Status)
			}
		}
	})

	t.Run("RestartCleansLeftovers", func(t *testing.T) {
		// A second pool against the same engine replaces the first one's instances
		again, err := sandbox.Initialize(ctx, log, client, opts)
		require.NoError(t, err)

		instances, err := client.List(ctx, cfg.Pool.Image)
		require.NoError(t, err)
		assert.Len(t, instances, 3)

		for _, info := range again.Snapshot() {
			assert.True(t, info.Available)
		}
		pool = again
	})

	require.NoError(t, pool.Shutdown(ctx))
	assert.NoDirExists(t, filepath.Join(root, "environments"))

	instances, err = client.List(ctx, cfg.Pool.Image)
	require.NoError(t, err)
	assert.Empty(t, instances)
}
