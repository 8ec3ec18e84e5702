// Package netbridge implements spec.md §3/§4.D's named-bridge network
// mode: create a tap device, enslave it to a pre-existing bridge on the
// host, and hand the open file back so internal/qemu.Launcher can pass
// it through to the emulator as an inherited file descriptor.
//
// The privileged container the Inner Supervisor runs in has its own
// network namespace; the named bridge it must attach to lives in the
// host's. AttachTap briefly enters the host namespace to do the
// netlink work, then returns to the caller's own namespace before
// handing back the tap's file descriptor — the fd itself is not
// namespace-scoped, only the link membership is, so the emulator can
// use it from the container's namespace once attached.
package netbridge

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// HostNetnsPath is the conventional path to the host's network
// namespace as seen from inside the privileged container, following
// the same fixed-path convention internal/ephemeral uses for its
// virtiofs mount tags: a process with --pid=host can always resolve
// its real init through /proc/1.
const HostNetnsPath = "/proc/1/ns/net"

// Attachment is a tap device now enslaved to a named bridge, with its
// kernel file descriptor still open for the caller to pass to qemu.
type Attachment struct {
	TapName string
	File    *os.File
}

// AttachTap creates tapName (if it doesn't already exist), enslaves it
// to bridgeName, brings it up, and returns the open tap file — all
// performed inside the host network namespace regardless of which
// namespace the calling goroutine started in.
func AttachTap(bridgeName, tapName string) (*Attachment, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("netbridge: get current netns: %w", err)
	}
	defer origin.Close()

	hostNS, err := netns.GetFromPath(HostNetnsPath)
	if err != nil {
		return nil, fmt.Errorf("netbridge: open host netns %s: %w", HostNetnsPath, err)
	}
	defer hostNS.Close()

	if err := netns.Set(hostNS); err != nil {
		return nil, fmt.Errorf("netbridge: enter host netns: %w", err)
	}
	defer netns.Set(origin)

	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return nil, fmt.Errorf("netbridge: bridge %q not found: %w", bridgeName, err)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Queues:    1,
		Flags:     netlink.TUNTAP_ONE_QUEUE | netlink.TUNTAP_VNET_HDR,
	}
	if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, fmt.Errorf("netbridge: create tap %q: %w", tapName, err)
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil, fmt.Errorf("netbridge: lookup tap %q: %w", tapName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil && !errors.Is(err, syscall.EBUSY) {
		return nil, fmt.Errorf("netbridge: attach %q to %q: %w", tapName, bridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("netbridge: bring %q up: %w", tapName, err)
	}

	if len(tap.Fds) == 0 {
		return nil, fmt.Errorf("netbridge: tap %q produced no open file descriptor", tapName)
	}
	return &Attachment{TapName: tapName, File: tap.Fds[0]}, nil
}

// Detach closes the tap's file descriptor. It does not remove the tap
// link itself — qemu exiting and closing its end is what tears the
// device down, matching the teacher's own preference for the kernel's
// own cleanup over explicit teardown calls where one suffices.
func (a *Attachment) Detach() error {
	if a == nil || a.File == nil {
		return nil
	}
	return a.File.Close()
}

// GenerateTapName derives a short, kernel-legal (IFNAMSIZ, 15 usable
// characters) tap device name from a container or domain name, so
// repeated runs for the same instance reuse the same interface name.
func GenerateTapName(instanceName string) string {
	const prefix = "bcvk-"
	const maxLen = 15
	name := prefix + instanceName
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
