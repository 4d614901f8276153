// Package sandbox maintains a fixed-size pool of pre-provisioned container
// sandboxes.
//
// Each sandbox (Handle) pairs a container instance with a host directory that
// is bound read-write into it and seeded from a default file set. Callers check
// a sandbox out with Pool.Acquire, run commands in it and hand it back with
// Handle.Release, which wipes the directory and restarts the instance so the
// next holder starts from a clean state. A Refresher periodically calls
// Pool.Refresh to detect dead instances and rebuild them in the background.
//
// Usage:
//
//	pool, err := sandbox.Initialize(ctx, logger, client, opts)
//	h, ok := pool.Acquire()
//	if !ok {
//	    return sandbox.ErrNoSandboxAvailable
//	}
//	defer h.Release(ctx)
//	result, err := h.Exec(ctx, []string{"python3", "main.py"})
package sandbox
