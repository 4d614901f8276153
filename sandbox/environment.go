package sandbox

import (
	"fmt"
	"path/filepath"
)

// Environment is the host directory bound into one sandbox instance
type Environment struct {
	path     string
	defaults string
	fs       FileSystem
}

// NewEnvironment returns the environment named name under root, seeded from
// the default file set in defaults
func NewEnvironment(fs FileSystem, root, name, defaults string) *Environment {
	return &Environment{
		path:     filepath.Join(root, name),
		defaults: defaults,
		fs:       fs,
	}
}

// Path returns the host path of the environment
func (e *Environment) Path() string {
	return e.path
}

// Exists reports whether the environment directory is present on disk
func (e *Environment) Exists() (bool, error) {
	return e.fs.DirExists(e.path)
}

// Prepare deletes the environment directory if present and recreates it empty
func (e *Environment) Prepare() error {
	if err := e.fs.RemoveAll(e.path); err != nil {
		return fmt.Errorf("failed to remove environment %s: %w", e.path, err)
	}
	if err := e.fs.MkdirAll(e.path, DirPermission); err != nil {
		return fmt.Errorf("failed to create environment %s: %w", e.path, err)
	}
	return nil
}

// Seed copies every entry of the default file set into the environment
func (e *Environment) Seed() error {
	entries, err := e.fs.ReadDir(e.defaults)
	if err != nil {
		return fmt.Errorf("failed to read default files %s: %w", e.defaults, err)
	}

	for _, entry := range entries {
		src := filepath.Join(e.defaults, entry.Name())
		dst := filepath.Join(e.path, entry.Name())

		if entry.IsDir() {
			err = e.fs.CopyTree(src, dst)
		} else {
			err = e.fs.CopyFile(src, dst)
		}
		if err != nil {
			return fmt.Errorf("failed to copy default file %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// Reset restores the environment to the default file set
func (e *Environment) Reset() error {
	if err := e.Prepare(); err != nil {
		return err
	}
	return e.Seed()
}
