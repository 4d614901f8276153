// Package main is the entry point for the sandpool daemon.
//
// The daemon keeps a fixed number of container sandboxes running, each with a
// host directory seeded from a default file set. Unhealthy sandboxes are
// detected on a cron schedule and rebuilt in the background.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and cobra
// for the command line.
//
// Usage:
//
//	sandpool --config config.yaml --metrics-addr :9090
//	sandpool config
package main
