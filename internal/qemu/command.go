package qemu

import (
	"fmt"

	"github.com/cgwalters/bcvk/arch"
)

// NetworkMode selects how the emulator's guest network device is wired,
// mirroring spec.md §3's run-request network-mode field one layer down
// (the Outer Runner's ephemeral.NetworkMode is translated into this one
// by the inner-mode entrypoint).
type NetworkMode int

const (
	NetworkNone NetworkMode = iota
	NetworkUserModeNAT
	NetworkNamedBridge
)

// RootFSProtocol names the filesystem-server wire protocol used for the
// rootfs-export character device. bcvk only uses virtiofs today but the
// kernel cmdline fragment is parameterized the way the teacher's own
// command builder parameterizes transport type.
const RootFSProtocol = "virtiofs"

// RootFSTag is the fixed in-guest mount tag the kernel cmdline's
// root=rootfs and 4.C's rootfs VirtioFSDevice.Tag must agree on.
const RootFSTag = "rootfs"

// SideChannel is one requested virtio-serial capture, matching
// RunRequest's side-channel list in spec.md §3.
type SideChannel struct {
	Tag      string
	HostFile string
}

// DiskAttachment is one requested virtio-blk disk, matching RunRequest's
// disk-attach list in spec.md §3.
type DiskAttachment struct {
	Path   string
	Tag    string
	Format string
}

// VirtioFSMount is one non-root virtio-fs export beyond the mandatory
// rootfs device, matching RunRequest's bind-mount and host-storage
// pass-through lists in spec.md §3. Each entry must have already been
// started by internal/virtiofs and its socket ready before Build runs.
type VirtioFSMount struct {
	SocketPath  string
	Tag         string
	MemoryBytes int64
}

// BuildRequest carries everything the Emulator Launcher needs to
// assemble a command line, per spec.md §4.D's contract (image facts, a
// run request, a credential bundle, and ready sockets from 4.C).
type BuildRequest struct {
	Binary string // qemu-system-<arch>, from arch.Architecture.QEMUSystemBinary
	Arch   arch.Architecture

	MemoryBytes int64
	VCPUs       int

	KernelPath    string
	InitramfsPath string
	ExtraKernelArgs []string

	RootFSSocketPath string
	RootFSMemoryBytes int64

	// ExtraMounts are additional virtio-fs exports beyond the mandatory
	// rootfs device (bind mounts, host-storage pass-through).
	ExtraMounts []VirtioFSMount

	Disks        []DiskAttachment
	SideChannels []SideChannel

	Network        NetworkMode
	UserModeSSHPort int // NetworkUserModeNAT only; 0 omits the hostfwd rule
	// BridgeTapFD is the emulator-process-local fd number for a tap
	// device internal/netbridge already created and enslaved to a named
	// host bridge. Launcher.Run is responsible for making this fd land
	// at that number via cmd.ExtraFiles; Build itself performs no I/O.
	BridgeTapFD int

	// CredentialOEMStrings are already-rendered SMBIOS type-11 values
	// from internal/credentials.Credential.SMBIOSOEMString.
	CredentialOEMStrings []string

	// ConsoleAttach binds the primary serial to stdio; otherwise it is
	// redirected to ConsoleLogFile.
	ConsoleAttach  bool
	ConsoleLogFile string

	QMPSocketPath string

	RequireKVM bool
}

// Build assembles the full qemu-system argument list for req. It never
// starts a process; Launcher.Run does that.
func Build(req BuildRequest) ([]string, error) {
	if req.KernelPath == "" {
		return nil, fmt.Errorf("qemu: build request missing kernel path")
	}
	if req.RootFSSocketPath == "" {
		return nil, fmt.Errorf("qemu: build request missing rootfs socket")
	}

	var args Arguments
	args.Add(
		ArgMachine("q35"),
		ArgCPU("host"),
		ArgSMP(req.VCPUs),
		ArgMemory(int(req.MemoryBytes/(1024*1024))),
		ArgEnableKVM,
		ArgNoGraphic,
		ArgKernel(req.KernelPath),
	)
	if req.InitramfsPath != "" {
		args.Add(ArgInitrd(req.InitramfsPath))
	}
	args.Add(ArgAppend(kernelCmdline(req)...))

	if req.QMPSocketPath != "" {
		args.Add(ArgQMP("unix:" + req.QMPSocketPath + ",server,nowait"))
	}

	var devices []Device
	devices = append(devices, VirtioFSDevice{
		SocketPath:  req.RootFSSocketPath,
		Tag:         RootFSTag,
		MemoryBytes: req.RootFSMemoryBytes,
	})
	for _, mount := range req.ExtraMounts {
		devices = append(devices, VirtioFSDevice{
			SocketPath:  mount.SocketPath,
			Tag:         mount.Tag,
			MemoryBytes: mount.MemoryBytes,
		})
	}
	for _, disk := range req.Disks {
		devices = append(devices, VirtioBlkDevice{Path: disk.Path, Tag: disk.Tag, Format: disk.Format})
	}
	if len(req.SideChannels) > 0 {
		devices = append(devices, VirtioSerialControllerDevice{})
		for _, sc := range req.SideChannels {
			devices = append(devices, VirtioSerialPortDevice{Tag: sc.Tag, HostFile: sc.HostFile})
		}
	}
	for _, oem := range req.CredentialOEMStrings {
		devices = append(devices, SMBIOSCredentialDevice{OEMString: oem})
	}
	switch req.Network {
	case NetworkUserModeNAT:
		devices = append(devices, UserModeNetworkDevice{SSHHostPort: req.UserModeSSHPort})
	case NetworkNamedBridge:
		devices = append(devices, BridgeNetworkDevice{FD: req.BridgeTapFD})
	case NetworkNone:
		// No network device at all.
	}
	args.Add(BuildDeviceArgs(devices)...)

	if req.ConsoleAttach {
		args.Add(ArgSerial("mon:stdio"))
	} else if req.ConsoleLogFile != "" {
		args.Add(ArgSerial("file:" + req.ConsoleLogFile))
	}

	return args.Build()
}

// kernelCmdline composes the guest kernel command line per spec.md §4.D:
// rootfstype matching the filesystem-server protocol, root=rootfs
// matching 4.C's tag, selinux and volatile-overlay flags, plus any
// user-supplied extra fragments.
func kernelCmdline(req BuildRequest) []string {
	cmdline := []string{
		"rootfstype=" + RootFSProtocol,
		"root=" + RootFSTag,
		"selinux=0",
		"systemd.volatile=overlay",
	}
	return append(cmdline, req.ExtraKernelArgs...)
}
