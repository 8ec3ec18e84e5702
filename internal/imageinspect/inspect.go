// Package imageinspect implements spec.md §4.A: given an image reference,
// produce ImageFacts or fail with one of the five typed error kinds.
package imageinspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/cgwalters/bcvk/arch"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/logging"
)

// Inspecting is the narrow contract this package needs from the runtime:
// label inspection and merged-filesystem mounting. PodmanRuntime satisfies
// it; tests substitute a fake.
type Inspecting interface {
	InspectImage(ctx context.Context, ref string) (containerrt.ImageLabels, error)
	MergedFilesystem(ctx context.Context, ref string) (string, error)
}

// GlobFS abstracts filesystem globbing so tests can inject an in-memory
// tree instead of a real mounted overlay.
type GlobFS interface {
	Glob(pattern string) ([]string, error)
	Stat(path string) (bool, error)
}

// Inspect implements spec.md §4.A end to end.
func Inspect(ctx context.Context, ref string, rt Inspecting, fsys GlobFS, logger *slog.Logger) (Facts, error) {
	logger = logging.Ensure(logger).With("component", "imageinspect", "ref", ref)

	labels, err := rt.InspectImage(ctx, ref)
	if err != nil {
		return Facts{}, &Error{Kind: ErrImageNotFound, Reference: ref, Detail: err.Error()}
	}

	if labels.Labels[BootcLabel] != BootcLabelValue {
		return Facts{}, &Error{Kind: ErrNotBootc, Reference: ref}
	}

	merged, err := rt.MergedFilesystem(ctx, ref)
	if err != nil {
		return Facts{}, &Error{Kind: ErrImageNotFound, Reference: ref, Detail: err.Error()}
	}

	kernelPath, err := findKernel(fsys, merged)
	if err != nil {
		return Facts{}, &Error{Kind: ErrKernelNotFound, Reference: ref, Detail: err.Error()}
	}

	initramfsPath := conventionalInitramfs(kernelPath)
	if ok, _ := fsys.Stat(initramfsPath); !ok {
		return Facts{}, &Error{Kind: ErrInitramfsNotFound, Reference: ref, Detail: initramfsPath}
	}

	imgArch := arch.Normalize(labels.Architecture)
	if imgArch == "" || !imgArch.HostNative() {
		return Facts{}, &Error{Kind: ErrArchUnsupported, Reference: ref, Detail: labels.Architecture}
	}

	sizeEstimate, sizeErr := estimateRootFSSize(ref, labels.RootFSSizeBytes)
	if sizeErr != nil {
		logger.Warn("root filesystem size estimate unavailable", "error", sizeErr)
	}

	return Facts{
		Reference:          ref,
		ImageID:             labels.ID,
		IsBootc:             true,
		KernelPath:          kernelPath,
		InitramfsPath:       initramfsPath,
		Arch:                imgArch,
		RootFSSizeEstimate:  sizeEstimate,
		MergedFSPath:        merged,
	}, nil
}

// findKernel globs /usr/lib/modules/*/vmlinuz inside the merged overlay,
// requiring exactly one match per spec.md §4.A.
func findKernel(fsys GlobFS, mergedRoot string) (string, error) {
	pattern := filepath.Join(mergedRoot, "usr", "lib", "modules", "*", "vmlinuz")
	matches, err := fsys.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no kernel matches %q", pattern)
	}
	if len(matches) > 1 {
		sort.Strings(matches)
		return "", fmt.Errorf("expected exactly one kernel, found %d: %v", len(matches), matches)
	}
	return matches[0], nil
}

// conventionalInitramfs returns the initramfs path next to kernelPath,
// using the naming convention bootc images ship (initramfs.img alongside
// vmlinuz in the same versioned directory). No regeneration is attempted
// if it's missing (spec.md §4.A).
func conventionalInitramfs(kernelPath string) string {
	return filepath.Join(filepath.Dir(kernelPath), "initramfs.img")
}

// estimateRootFSSize reads the image's manifest to sum per-layer sizes, as
// a best-effort, advisory estimate (spec.md §3, §4.A). Falls back to the
// size already reported by `podman image inspect` if the registry
// round-trip fails, since the estimate is never used to gate execution.
func estimateRootFSSize(ref string, podmanReportedSize int64) (int64, error) {
	manifest, err := crane.Manifest(ref)
	if err != nil {
		if podmanReportedSize > 0 {
			return podmanReportedSize, nil
		}
		return 0, fmt.Errorf("fetch manifest for size estimate: %w", err)
	}

	// crane.Manifest returns raw JSON; decode just enough to sum layer sizes.
	type rawManifest struct {
		Layers []struct {
			Size int64 `json:"size"`
		} `json:"layers"`
	}
	var decoded rawManifest
	var total int64
	if err := json.Unmarshal(manifest, &decoded); err != nil {
		if podmanReportedSize > 0 {
			return podmanReportedSize, nil
		}
		return 0, fmt.Errorf("decode manifest: %w", err)
	}
	for _, l := range decoded.Layers {
		total += l.Size
	}
	if total == 0 {
		return podmanReportedSize, nil
	}
	return total, nil
}
