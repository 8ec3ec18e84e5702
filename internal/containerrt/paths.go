package containerrt

// Fixed in-container paths the privileged container is always started
// with (spec.md §4.F). The Inner Supervisor and Filesystem Server agree
// on these paths by convention, not by negotiation at run time.
const (
	// ContainerHostUsrPath is where the host's /usr lands, read-only.
	ContainerHostUsrPath = "/run/bcvk/host-usr"
	// ContainerTargetRootPath is where the target bootc image's merged
	// filesystem lands, read-only — this is how the rootfs-export
	// filesystem server finds its contents without a second pull.
	ContainerTargetRootPath = "/run/bcvk/target-root"
	// ContainerStoragePath is where the host's container-storage
	// directory lands, read-only, used by the Disk Installer so the
	// in-VM installer can read the source image directly.
	ContainerStoragePath = "/run/bcvk/host-storage"
	// ContainerDisksDir is the parent directory under which each
	// disk-attach entry's host file is bound in, one file per tag.
	ContainerDisksDir = "/run/bcvk/disks"
	// ContainerSideChannelsDir is the parent directory under which each
	// side-channel capture file is bound in, one file per tag.
	ContainerSideChannelsDir = "/run/bcvk/side-channels"
	// ContainerUnitsDir is where an injected unit directory lands, when
	// the run request carries one.
	ContainerUnitsDir = "/run/bcvk/units"
)
