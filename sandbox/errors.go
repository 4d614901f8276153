package sandbox

import "errors"

var (
	// ErrNoSandboxAvailable is the capacity signal for callers that need an
	// error value when Acquire finds no free sandbox
	ErrNoSandboxAvailable = errors.New("no sandbox currently available")
	// ErrNotLeased is returned when releasing or using a sandbox that is not checked out
	ErrNotLeased = errors.New("sandbox is not checked out")
	// ErrReleaseFailed wraps cleanup or restart failures during Release
	ErrReleaseFailed = errors.New("sandbox release failed")
	// ErrStartup wraps any failure of the pool initialization sequence
	ErrStartup = errors.New("sandbox pool startup failed")
	// ErrPoolClosed is returned once the pool has been shut down
	ErrPoolClosed = errors.New("sandbox pool is shut down")
)
