package imageinspect

import "github.com/cgwalters/bcvk/arch"

// BootcLabel is the OCI label that marks an image as a complete bootable
// Linux system (spec.md §3 "Image facts").
const BootcLabel = "containers.bootc"

// BootcLabelValue is the only value of BootcLabel that qualifies.
const BootcLabelValue = "1"

// Facts is the read-only record produced by Inspect. Once created it is
// never mutated (spec.md §3 invariant).
type Facts struct {
	Reference     string
	ImageID       string
	IsBootc       bool
	KernelPath    string
	InitramfsPath string
	Arch          arch.Architecture
	// RootFSSizeEstimate is advisory only; it is never used to gate
	// execution (spec.md §4.A).
	RootFSSizeEstimate int64
	MergedFSPath       string
}
