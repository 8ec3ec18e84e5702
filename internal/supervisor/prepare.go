// Package supervisor implements spec.md §4.E: the inner process that
// runs as pid 1 inside the privileged container, assembles a minimal
// runtime root from the host's own /usr, and supervises the filesystem
// server plus the emulator.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// HostUsrPath is the fixed path the Outer Runner (4.F) mounts the host's
// /usr into, read-only, inside the privileged container.
const HostUsrPath = "/run/bcvk/host-usr"

// topLevelSymlinks are the conventional symlinks synthesized in the
// scratch root so the host's /usr layout resolves under the standard
// FHS paths a freshly pivoted process expects.
var topLevelSymlinks = map[string]string{
	"bin":   "usr/bin",
	"lib":   "usr/lib",
	"lib64": "usr/lib64",
	"sbin":  "usr/sbin",
}

// emptyDirs are created but never populated; the inner processes mount
// their own tmpfs/procfs/etc over them as needed.
var emptyDirs = []string{"etc", "var", "dev", "proc", "run", "sys", "tmp"}

// Prepare assembles the scratch root at scratchDir and pivots the
// process into it, per spec.md §4.E. It must run before any other
// component in this process starts, since it changes the process's
// root filesystem.
func Prepare(scratchDir string) error {
	if err := os.MkdirAll(filepath.Join(scratchDir, "usr"), 0o755); err != nil {
		return fmt.Errorf("supervisor: create usr mountpoint: %w", err)
	}
	if err := unix.Mount(HostUsrPath, filepath.Join(scratchDir, "usr"), "", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("supervisor: bind host usr: %w", err)
	}

	for name, target := range topLevelSymlinks {
		link := filepath.Join(scratchDir, name)
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("supervisor: symlink %s -> %s: %w", link, target, err)
		}
	}

	for _, name := range emptyDirs {
		if err := os.MkdirAll(filepath.Join(scratchDir, name), 0o755); err != nil {
			return fmt.Errorf("supervisor: create %s: %w", name, err)
		}
	}

	pivotDir := filepath.Join(scratchDir, ".pivot_root")
	if err := os.MkdirAll(pivotDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: create pivot directory: %w", err)
	}
	if err := unix.PivotRoot(scratchDir, pivotDir); err != nil {
		return fmt.Errorf("supervisor: pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("supervisor: chdir to new root: %w", err)
	}

	return nil
}
