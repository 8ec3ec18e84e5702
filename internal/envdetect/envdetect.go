// Package envdetect probes the host for the capabilities every other
// component assumes are already there — /dev/kvm access, the container
// runtime binary, a virtiofsd binary — and reports the first missing one
// by name, supplementing spec.md §7.2's "Environment" error category
// (which spec.md itself only names, without saying who detects it) with
// a concrete preflight a caller can run before anything expensive starts.
package envdetect

import (
	"fmt"
	"os"
	"os/exec"
)

// Capability names a single thing this package checks for. They match
// spec.md §7.2's own wording ("KVM unavailable, container runtime
// missing, hypervisor manager unreachable, insufficient permissions on
// a host device") so a Missing error can be surfaced verbatim.
type Capability string

const (
	CapabilityKVM             Capability = "kvm"
	CapabilityContainerRuntime Capability = "container-runtime"
	CapabilityVirtiofsd       Capability = "virtiofsd"
)

// Missing is returned by Check when a required capability is absent.
// Its Error text names the specific capability, per spec.md §7.2's
// "reported with the specific missing capability named".
type Missing struct {
	Capability Capability
	Detail     string
}

func (e *Missing) Error() string {
	return fmt.Sprintf("envdetect: %s unavailable: %s", e.Capability, e.Detail)
}

// Report is the full preflight result, surfaced by `bcvk doctor`.
// `ephemeral run` does not run this check before starting a container.
type Report struct {
	KVMAvailable        bool
	KVMDetail           string
	RuntimeBinaryPath   string
	RuntimeAvailable    bool
	RuntimeDetail       string
	VirtiofsdPath       string
	VirtiofsdAvailable  bool
	VirtiofsdDetail     string
}

// OK reports whether every probed capability is present.
func (r Report) OK() bool {
	return r.KVMAvailable && r.RuntimeAvailable && r.VirtiofsdAvailable
}

// FirstMissing returns the first absent capability as a *Missing error,
// or nil if the report is OK. Callers that only care about "can I
// proceed" use this instead of walking Report's fields themselves.
func (r Report) FirstMissing() error {
	if !r.KVMAvailable {
		return &Missing{Capability: CapabilityKVM, Detail: r.KVMDetail}
	}
	if !r.RuntimeAvailable {
		return &Missing{Capability: CapabilityContainerRuntime, Detail: r.RuntimeDetail}
	}
	if !r.VirtiofsdAvailable {
		return &Missing{Capability: CapabilityVirtiofsd, Detail: r.VirtiofsdDetail}
	}
	return nil
}

// Options narrows which binaries Check looks for, so callers can probe
// for the runtime they've actually configured (podman vs docker) and
// the virtiofsd binary name their platform ships.
type Options struct {
	RuntimeBinary   string // e.g. "podman"; required
	VirtiofsdBinary string // e.g. "virtiofsd"; required
}

// Check runs every probe and returns a Report. It never returns an
// error itself — a missing capability is data, not a Check failure;
// callers that want an error use Report.FirstMissing.
func Check(opts Options) Report {
	var r Report

	r.KVMAvailable, r.KVMDetail = checkKVM()

	if opts.RuntimeBinary != "" {
		if path, err := exec.LookPath(opts.RuntimeBinary); err == nil {
			r.RuntimeBinaryPath = path
			r.RuntimeAvailable = true
		} else {
			r.RuntimeDetail = fmt.Sprintf("%q not found on PATH", opts.RuntimeBinary)
		}
	} else {
		r.RuntimeDetail = "no runtime binary configured"
	}

	if opts.VirtiofsdBinary != "" {
		if path, err := exec.LookPath(opts.VirtiofsdBinary); err == nil {
			r.VirtiofsdPath = path
			r.VirtiofsdAvailable = true
		} else {
			r.VirtiofsdDetail = fmt.Sprintf("%q not found on PATH", opts.VirtiofsdBinary)
		}
	} else {
		r.VirtiofsdDetail = "no virtiofsd binary configured"
	}

	return r
}

// checkKVM opens /dev/kvm for read-write rather than just os.Stat-ing
// it, since a stat succeeds even when the calling user lacks the
// permission bits to actually use the device — the failure mode
// internal/qemu.Launcher would otherwise hit only once qemu itself
// tries to open it.
func checkKVM() (ok bool, detail string) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "/dev/kvm does not exist"
		}
		if os.IsPermission(err) {
			return false, "/dev/kvm exists but is not accessible (permission denied)"
		}
		return false, err.Error()
	}
	f.Close()
	return true, ""
}
