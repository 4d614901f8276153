// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and environment variables. It covers the
// container engine backend, the sandbox pool (size, image, resource limits,
// volume layout, default file set) and the health check schedule.
//
// Variables from older deployments (DOCKER_COUNT, DOCKER_IMAGE, ...) are
// still honored next to the SANDPOOL_ prefixed names.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Pool size: %d\n", cfg.Pool.Size)
package config
