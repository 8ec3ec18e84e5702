package qemu

import "fmt"

// Device is one qemu-system device contributing arguments to the final
// command line — the same shape as vfkit's VMComponent, adapted to this
// package's Arguments builder instead of a raw string slice.
type Device interface {
	Args() Arguments
}

// VirtioFSDevice binds a virtiofsd socket (from internal/virtiofs) to a
// virtio-fs PCI device with a shared-memory backing object, per spec.md
// §4.D. Queue size 1024 and a single NUMA node placement are mandatory
// for the filesystem server to function.
type VirtioFSDevice struct {
	SocketPath  string
	Tag         string
	MemoryBytes int64
	ChardevID   string
}

func (d VirtioFSDevice) Args() Arguments {
	chardevID := d.ChardevID
	if chardevID == "" {
		chardevID = "vfs-" + d.Tag
	}
	memObjID := "mem-" + d.Tag

	return Arguments{
		ArgChardev("socket", "id="+chardevID, "path="+d.SocketPath),
		ArgDevice("vhost-user-fs-pci", "chardev="+chardevID, "tag="+d.Tag, "queue-size=1024"),
		ArgObject("memory-backend-file", "id="+memObjID,
			fmt.Sprintf("size=%d", d.MemoryBytes), "mem-path=/dev/shm", "share=on"),
		ArgNumaNode("node", "memdev="+memObjID),
	}
}

// VirtioBlkDevice attaches a disk-backed virtio-blk device. The in-guest
// device path is /dev/disk/by-id/virtio-<tag>, a naming contract the
// Disk Installer depends on (spec.md §4.D).
type VirtioBlkDevice struct {
	Path   string
	Tag    string
	Format string // "raw" or "qcow2"
}

func (d VirtioBlkDevice) Args() Arguments {
	driveID := "drive-" + d.Tag
	format := d.Format
	if format == "" {
		format = "raw"
	}
	return Arguments{
		ArgDrive("file="+d.Path, "if=none", "id="+driveID, "format="+format),
		ArgDevice("virtio-blk-pci", "drive="+driveID, "serial="+d.Tag),
	}
}

// VirtioSerialPortDevice is one side-channel capture port, named in the
// guest to match its tag (spec.md §4.D).
type VirtioSerialPortDevice struct {
	Tag      string
	HostFile string
}

func (d VirtioSerialPortDevice) Args() Arguments {
	chardevID := "serial-" + d.Tag
	return Arguments{
		ArgChardev("file", "id="+chardevID, "path="+d.HostFile),
		ArgDevice("virtserialport", "chardev="+chardevID, "name="+d.Tag),
	}
}

// VirtioSerialControllerDevice is the multi-port bus that side-channel
// ports attach to; it must be added once before any VirtioSerialPortDevice.
type VirtioSerialControllerDevice struct{}

func (VirtioSerialControllerDevice) Args() Arguments {
	return Arguments{ArgDevice("virtio-serial")}
}

// UserModeNetworkDevice is the "none"-of-the-above default network
// shape: qemu's own SLIRP-backed user-mode NAT, optionally forwarding
// one host TCP port to guest port 22 so the caller can SSH in without
// any bridge or tap setup on the host.
type UserModeNetworkDevice struct {
	ID          string
	SSHHostPort int // 0 omits the hostfwd rule
}

func (d UserModeNetworkDevice) Args() Arguments {
	id := d.ID
	if id == "" {
		id = "net0"
	}
	netdevArgs := []string{"user", "id=" + id}
	if d.SSHHostPort != 0 {
		netdevArgs = append(netdevArgs, fmt.Sprintf("hostfwd=tcp::%d-:22", d.SSHHostPort))
	}
	return Arguments{
		ArgNetdev(netdevArgs...),
		ArgDevice("virtio-net-pci", "netdev="+id),
	}
}

// BridgeNetworkDevice attaches a pre-opened tap file descriptor (from
// internal/netbridge, which created the tap and enslaved it to a named
// host bridge before the emulator started) as the guest's network
// device. FD is the file descriptor's number inside the emulator's own
// process, which Launcher.Run arranges via cmd.ExtraFiles.
type BridgeNetworkDevice struct {
	ID string
	FD int
}

func (d BridgeNetworkDevice) Args() Arguments {
	id := d.ID
	if id == "" {
		id = "net0"
	}
	return Arguments{
		ArgNetdev("tap", "id="+id, fmt.Sprintf("fd=%d", d.FD)),
		ArgDevice("virtio-net-pci", "netdev="+id),
	}
}

// SMBIOSCredentialDevice renders one firmware credential as a type-11
// SMBIOS OEM string (spec.md §4.D). The value is already fully encoded
// by internal/credentials.
type SMBIOSCredentialDevice struct {
	OEMString string
}

func (d SMBIOSCredentialDevice) Args() Arguments {
	return Arguments{ArgSMBIOS("type=11", "value="+d.OEMString)}
}

// BuildDeviceArgs flattens a list of Devices into one Arguments slice, in
// order, for composition into the full command line.
func BuildDeviceArgs(devices []Device) Arguments {
	var out Arguments
	for _, d := range devices {
		out.Add(d.Args()...)
	}
	return out
}
