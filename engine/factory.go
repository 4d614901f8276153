package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandpool/config"
)

// NewClient creates the engine client selected by runtime.backend
func NewClient(logger *zap.Logger, cfg *config.Config) (Client, error) {
	switch cfg.Runtime.Backend {
	case "docker":
		return NewDockerClient(logger, cfg.Runtime.DockerHost)
	case "podman":
		return NewPodmanClient(logger, WithPodmanBinary(cfg.Runtime.PodmanPath)), nil
	case "local":
		if !cfg.Runtime.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set runtime.enable_local_backend")
		}
		return NewLocalClient(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Runtime.Backend)
	}
}
