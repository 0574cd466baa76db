package main

import (
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
)

// Paths holds every filesystem location the CLI needs, resolved once
// at command startup.
type Paths struct {
	// Root is the workspace root the pipeline operates on.
	Root string
	// StateDir is <root>/.foreman.
	StateDir string
	// ConfigPath is the TOML runtime config inside StateDir.
	ConfigPath string
	// PipelinesPath is the stage-to-agent mapping inside StateDir.
	PipelinesPath string
	// RegistryPath is the SQLite registry projection inside StateDir.
	RegistryPath string
	// SnapshotsPath is the task snapshot table inside StateDir.
	SnapshotsPath string
}

// ResolvePaths resolves all paths from an explicit root. When root is
// empty, FOREMAN_ROOT is consulted, then the current directory.
func ResolvePaths(root string) (Paths, error) {
	if root == "" {
		root = os.Getenv("FOREMAN_ROOT")
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Paths{}, fmt.Errorf("get working directory: %w", err)
		}
		root = wd
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve root %s: %w", root, err)
	}

	stateDir := filepath.Join(abs, protocol.ForemanDir)
	return Paths{
		Root:          abs,
		StateDir:      stateDir,
		ConfigPath:    filepath.Join(stateDir, protocol.ConfigFile),
		PipelinesPath: filepath.Join(stateDir, protocol.PipelinesFile),
		RegistryPath:  filepath.Join(stateDir, protocol.RegistryFile),
		SnapshotsPath: filepath.Join(stateDir, protocol.SnapshotsFile),
	}, nil
}

// RequireInit returns an error unless the state directory exists.
func (p Paths) RequireInit() error {
	info, err := os.Stat(p.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s is not initialized (run `foreman init` first)", p.Root)
		}
		return fmt.Errorf("stat %s: %w", p.StateDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", p.StateDir)
	}
	return nil
}
