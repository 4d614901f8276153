// Package engine provides access to the container engine backing each sandbox.
//
// The engine package defines the Client interface, the narrow capability set
// the sandbox pool needs (create, status, exec, restart, kill, list, prune),
// and concrete implementations for different backends: the Docker Engine API,
// the Podman command line, and a local backend for development that runs
// commands directly on the host.
//
// Usage:
//
//	client, err := engine.NewClient(logger, cfg)
//	inst, err := client.Create(ctx, engine.Spec{
//	    Name:      "c0",
//	    Image:     "sandpool/sandbox:latest",
//	    HostPath:  "/tmp/sandpool/environments/c0",
//	    MountPath: "/home/sandbox/",
//	})
package engine
