// Package ephemeral implements spec.md §4.G: the public entry point for
// "run this image as a VM until it stops", binding the Inspector,
// Credential Encoder, Filesystem Server, Emulator Launcher, and
// Container Runtime together.
package ephemeral

import (
	"fmt"
	"strings"
)

// NetworkMode is the run request's network selection.
type NetworkMode int

const (
	NetworkNone NetworkMode = iota
	NetworkUserModeNAT
	NetworkNamedBridge
)

// MinimumMemoryBytes is the floor enforced by Validate.
const MinimumMemoryBytes = 256 * 1024 * 1024

// HostStorageTag is the fixed in-guest virtiofs tag the host's
// container-storage pass-through (HostStorageRO) is exported under, so
// the Disk Installer's one-shot unit always knows where to point
// STORAGE_OPTS regardless of what other bind mounts a run carries.
const HostStorageTag = "hoststorage"

// GuestMountPath returns the conventional in-guest mount point for a
// virtio-fs tag, matching the naming the filesystem table entries use for
// every bind-mounted (non-root) export.
func GuestMountPath(tag string) string {
	return "/run/virtiofs-mnt-" + tag
}

// BindMount is one host-directory export, matching spec.md §3's ordered
// bind-mount list.
type BindMount struct {
	HostPath string
	Tag      string
	Writable bool
}

// DiskAttachment is one host-file disk to attach, matching spec.md §3's
// disk-attach list.
type DiskAttachment struct {
	HostFile string
	Tag      string
}

// SideChannel is one virtio-serial capture, matching spec.md §3's
// side-channel list.
type SideChannel struct {
	Tag      string
	HostFile string
}

// RunRequest is the user's intent for a single ephemeral or installation
// run (spec.md §3 "Run request"). The zero value already carries sane
// defaults except where Go's zero value collides with a meaningful
// default (e.g. MemoryBytes), which New fills in.
type RunRequest struct {
	MemoryBytes       int64
	VCPUs             int
	ExtraKernelArgs   []string
	Network           NetworkMode
	ConsoleAttach     bool
	DebugShell        bool
	AutoRemove        bool
	Detach            bool
	ContainerName     string
	BindMounts        []BindMount
	HostStorageRO     bool
	GenerateKeypair   bool
	InjectedUnitDir   string
	Disks             []DiskAttachment
	OneShotExecute    string
	SideChannels      []SideChannel
	UserModeSSHPort   int
	BridgeName        string // NetworkNamedBridge only
	SwapBytes         int64
}

// DefaultMemoryBytes and DefaultVCPUs are applied by New when the caller
// leaves the corresponding field at its zero value.
const (
	DefaultMemoryBytes = 2 * 1024 * 1024 * 1024
	DefaultVCPUs       = 2
)

// New returns a RunRequest with defaults for fields left at zero.
func New() RunRequest {
	return RunRequest{
		MemoryBytes: DefaultMemoryBytes,
		VCPUs:       DefaultVCPUs,
	}
}

// Validate enforces spec.md §4.G step 2: memory floor, vCPU floor, safe
// filenames, no bind-mount tag collisions, a valid SSH port under
// user-mode networking, a bridge name in named-bridge mode. It mutates nothing; callers freeze req after a
// successful call.
func (req RunRequest) Validate() error {
	if req.MemoryBytes < MinimumMemoryBytes {
		return fmt.Errorf("ephemeral: memory %d below minimum %d", req.MemoryBytes, MinimumMemoryBytes)
	}
	if req.VCPUs < 1 {
		return fmt.Errorf("ephemeral: vCPU count must be at least 1, got %d", req.VCPUs)
	}

	tags := make(map[string]struct{})
	for _, bm := range req.BindMounts {
		if err := validateTag(bm.Tag); err != nil {
			return fmt.Errorf("ephemeral: bind mount %q: %w", bm.HostPath, err)
		}
		if _, dup := tags[bm.Tag]; dup {
			return fmt.Errorf("ephemeral: duplicate bind-mount tag %q", bm.Tag)
		}
		tags[bm.Tag] = struct{}{}
	}
	for _, disk := range req.Disks {
		if err := validateTag(disk.Tag); err != nil {
			return fmt.Errorf("ephemeral: disk %q: %w", disk.HostFile, err)
		}
		if _, dup := tags[disk.Tag]; dup {
			return fmt.Errorf("ephemeral: duplicate disk tag %q", disk.Tag)
		}
		tags[disk.Tag] = struct{}{}
	}
	for _, sc := range req.SideChannels {
		if err := validateTag(sc.Tag); err != nil {
			return fmt.Errorf("ephemeral: side channel %q: %w", sc.HostFile, err)
		}
		if _, dup := tags[sc.Tag]; dup {
			return fmt.Errorf("ephemeral: duplicate side-channel tag %q", sc.Tag)
		}
		tags[sc.Tag] = struct{}{}
	}

	if req.Network == NetworkUserModeNAT && req.UserModeSSHPort != 0 {
		if req.UserModeSSHPort < 1 || req.UserModeSSHPort > 65535 {
			return fmt.Errorf("ephemeral: invalid user-mode SSH port %d", req.UserModeSSHPort)
		}
	}
	if req.Network == NetworkNamedBridge && req.BridgeName == "" {
		return fmt.Errorf("ephemeral: named-bridge network mode requires a bridge name")
	}

	return nil
}

// validateTag rejects tags that would be unsafe as a filesystem path
// component or guest device name fragment.
func validateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("empty tag")
	}
	if strings.ContainsAny(tag, "/\\ \t\n\x00") {
		return fmt.Errorf("tag %q contains unsafe characters", tag)
	}
	return nil
}
