package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/arch"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/credentials"
	"github.com/cgwalters/bcvk/internal/ephemeral"
	"github.com/cgwalters/bcvk/internal/logging"
	"github.com/cgwalters/bcvk/internal/netbridge"
	"github.com/cgwalters/bcvk/internal/qemu"
	"github.com/cgwalters/bcvk/internal/supervisor"
	"github.com/cgwalters/bcvk/internal/virtiofs"
)

// innerScratchRoot is where the Inner Supervisor assembles its pivoted
// runtime root (spec.md §4.E). pivotPrefix is where the container's
// original root (and every fixed /run/bcvk/* path the Outer Runner bound
// in) lands once supervisor.Prepare has pivoted away from it.
const (
	innerScratchRoot = "/run/bcvk-inner-root"
	pivotPrefix      = "/.pivot_root"
	socketDir        = "/run/bcvk/sockets"
)

// pivoted translates a path that was valid before supervisor.Prepare
// pivoted the root filesystem into one valid after.
func pivoted(p string) string {
	return filepath.Join(pivotPrefix, p)
}

// innerRunFlags is the inner-mode entrypoint's own flag set, reconstructed
// from the RunRequest fields SelfImage.InnerArgs serialized into argv
// (spec.md §9 "Cyclic inner-outer relationship" — this is the inner half
// of that cycle).
type innerRunFlags struct {
	memoryBytes   int64
	vcpus         int
	kernelArgs    []string
	network       string
	sshPort       int
	bridgeName    string
	consoleAttach bool
	debugShell    bool
	execute       string
	disks         []string
	sideChannels  []string
	binds         []string
	hostStorageRO bool
	units         bool
	credentials   []string
	swapBytes     int64
	instanceName  string
}

func newInnerRunCommand(logger *slog.Logger) *cobra.Command {
	flags := &innerRunFlags{}

	cmd := &cobra.Command{
		Use:    "__inner-run",
		Short:  "Internal entrypoint run inside the privileged container",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInner(cmd.Context(), logger, flags)
		},
	}

	fs := cmd.Flags()
	fs.Int64Var(&flags.memoryBytes, "memory-bytes", ephemeral.DefaultMemoryBytes, "Guest memory in bytes")
	fs.IntVar(&flags.vcpus, "vcpus", ephemeral.DefaultVCPUs, "Guest vCPU count")
	fs.StringArrayVar(&flags.kernelArgs, "kernel-arg", nil, "Extra kernel command-line fragment (repeatable)")
	fs.StringVar(&flags.network, "network", "none", "Network mode: none, user, or bridge")
	fs.IntVar(&flags.sshPort, "ssh-port", 0, "Host port forwarded to guest:22 under user-mode networking")
	fs.StringVar(&flags.bridgeName, "bridge", "", "Host bridge name under named-bridge networking")
	fs.BoolVar(&flags.consoleAttach, "console-attach", false, "Bind the guest's primary serial console to this process's stdio")
	fs.BoolVar(&flags.debugShell, "debug-shell", false, "Drop into a shell inside the prepared container instead of booting the guest")
	fs.StringVar(&flags.execute, "execute", "", "One-shot command to run instead of a full boot")
	fs.StringArrayVar(&flags.disks, "disk", nil, "disk-attach tag[:format] bound in under "+containerrt.ContainerDisksDir+" (repeatable)")
	fs.StringArrayVar(&flags.sideChannels, "side-channel", nil, "Side-channel tag bound in under "+containerrt.ContainerSideChannelsDir+" (repeatable)")
	fs.StringArrayVar(&flags.binds, "bind", nil, "Bind-mount tag[:rw] bound in under /run/bcvk/binds (repeatable)")
	fs.BoolVar(&flags.hostStorageRO, "host-storage-ro", false, "Export the host container-storage pass-through read-only")
	fs.BoolVar(&flags.units, "units", false, "Encode first-boot units found under "+containerrt.ContainerUnitsDir+" as credentials")
	fs.StringArrayVar(&flags.credentials, "credential", nil, "Pre-rendered SMBIOS type-11 credential OEM string (repeatable)")
	fs.Int64Var(&flags.swapBytes, "swap-bytes", 0, "Guest swap size in bytes (0 disables)")
	fs.StringVar(&flags.instanceName, "instance-name", "", "Instance name, used for bridge tap naming and logging")

	return cmd
}

func runInner(ctx context.Context, logger *slog.Logger, flags *innerRunFlags) error {
	logger = logging.Ensure(logger).With("component", "inner-run")

	if err := os.MkdirAll(innerScratchRoot, 0o755); err != nil {
		return fmt.Errorf("inner-run: create scratch root: %w", err)
	}
	if err := supervisor.Prepare(innerScratchRoot); err != nil {
		return fmt.Errorf("inner-run: prepare root: %w", err)
	}

	if flags.debugShell {
		return runDebugShell(ctx, logger)
	}

	kernelPath, initramfsPath, err := locateKernel(pivoted(containerrt.ContainerTargetRootPath))
	if err != nil {
		return fmt.Errorf("inner-run: %w", err)
	}

	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("inner-run: create socket dir: %w", err)
	}

	exports := []virtiofs.Export{{
		HostPath:   pivoted(containerrt.ContainerTargetRootPath),
		Tag:        qemu.RootFSTag,
		SocketPath: filepath.Join(socketDir, qemu.RootFSTag+".sock"),
		Policy:     virtiofs.ReadOnly,
	}}

	var mounts []qemu.VirtioFSMount
	for _, raw := range flags.binds {
		tag, writable := splitFlag(raw)
		export := virtiofs.Export{
			HostPath:   pivoted("/run/bcvk/binds/" + tag),
			Tag:        tag,
			SocketPath: filepath.Join(socketDir, tag+".sock"),
			Policy:     virtiofs.ReadOnly,
		}
		if writable == "rw" {
			export.Policy = virtiofs.ReadWrite
		}
		exports = append(exports, export)
		mounts = append(mounts, qemu.VirtioFSMount{SocketPath: export.SocketPath, Tag: tag, MemoryBytes: flags.memoryBytes})
	}
	if flags.hostStorageRO {
		export := virtiofs.Export{
			HostPath:   pivoted(containerrt.ContainerStoragePath),
			Tag:        ephemeral.HostStorageTag,
			SocketPath: filepath.Join(socketDir, ephemeral.HostStorageTag+".sock"),
			Policy:     virtiofs.ReadOnly,
		}
		exports = append(exports, export)
		mounts = append(mounts, qemu.VirtioFSMount{SocketPath: export.SocketPath, Tag: export.Tag, MemoryBytes: flags.memoryBytes})
	}

	var disks []qemu.DiskAttachment
	for _, raw := range flags.disks {
		tag, format := splitFlag(raw)
		if format == "" {
			format = "raw"
		}
		disks = append(disks, qemu.DiskAttachment{
			Path:   pivoted(filepath.Join(containerrt.ContainerDisksDir, tag)),
			Tag:    tag,
			Format: format,
		})
	}

	var sideChannels []qemu.SideChannel
	for _, tag := range flags.sideChannels {
		sideChannels = append(sideChannels, qemu.SideChannel{
			Tag:      tag,
			HostFile: pivoted(filepath.Join(containerrt.ContainerSideChannelsDir, tag)),
		})
	}

	credentialStrings := append([]string{}, flags.credentials...)
	if flags.units {
		unitCreds, err := encodeInjectedUnits(pivoted(containerrt.ContainerUnitsDir))
		if err != nil {
			return fmt.Errorf("inner-run: %w", err)
		}
		credentialStrings = append(credentialStrings, unitCreds...)
	}

	kernelArgs := append([]string{}, flags.kernelArgs...)

	if flags.execute != "" {
		execCreds, err := encodeUnit(executeUnitFilename, executeUnitContent(flags.execute))
		if err != nil {
			return fmt.Errorf("inner-run: %w", err)
		}
		credentialStrings = append(credentialStrings, execCreds...)
		kernelArgs = append(kernelArgs, "systemd.default_target=poweroff.target")
	}

	if flags.swapBytes > 0 {
		swapPath := filepath.Join(socketDir, "swap.img")
		if err := createSwapFile(swapPath, flags.swapBytes); err != nil {
			return fmt.Errorf("inner-run: %w", err)
		}
		disks = append(disks, qemu.DiskAttachment{Path: swapPath, Tag: swapDiskTag, Format: "raw"})
		swapCreds, err := encodeUnit(swapUnitFilename, swapUnitContent())
		if err != nil {
			return fmt.Errorf("inner-run: %w", err)
		}
		credentialStrings = append(credentialStrings, swapCreds...)
	}

	networkMode, err := parseNetworkMode(flags.network)
	if err != nil {
		return err
	}

	buildReq := qemu.BuildRequest{
		Binary:               arch.Host().QEMUSystemBinary(),
		Arch:                 arch.Host(),
		MemoryBytes:          flags.memoryBytes,
		VCPUs:                flags.vcpus,
		KernelPath:           kernelPath,
		InitramfsPath:        initramfsPath,
		ExtraKernelArgs:      kernelArgs,
		RootFSSocketPath:     exports[0].SocketPath,
		RootFSMemoryBytes:    flags.memoryBytes,
		ExtraMounts:          mounts,
		Disks:                disks,
		SideChannels:         sideChannels,
		Network:              networkMode,
		UserModeSSHPort:      flags.sshPort,
		CredentialOEMStrings: credentialStrings,
		ConsoleAttach:        flags.consoleAttach,
		QMPSocketPath:        filepath.Join(socketDir, "qmp.sock"),
		RequireKVM:           true,
	}

	var tapFile *os.File
	if networkMode == qemu.NetworkNamedBridge {
		tapName := netbridge.GenerateTapName(flags.instanceName)
		attachment, err := netbridge.AttachTap(flags.bridgeName, tapName)
		if err != nil {
			return fmt.Errorf("inner-run: attach bridge tap: %w", err)
		}
		defer attachment.Detach()
		tapFile = attachment.File
	}

	supReq := supervisor.RunRequest{
		Exports:       exports,
		QEMURequest:   buildReq,
		BridgeTapFile: tapFile,
	}
	if flags.consoleAttach {
		supReq.QEMUStdin = os.Stdin
		supReq.QEMUStdout = os.Stdout
		supReq.QEMUStderr = os.Stderr
	}

	result, err := supervisor.Run(ctx, supReq, logger)
	if err != nil {
		return fmt.Errorf("inner-run: %w", err)
	}
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

// runDebugShell implements spec.md §3's debug-shell flag, grounded on
// the original implementation's debug mode: once supervisor.Prepare has
// assembled the pivoted root, hand the operator an interactive shell
// inside it instead of locating a kernel and launching the emulator, so
// the prepared rootfs (pivoted(containerrt.ContainerTargetRootPath)) and
// any bind mounts can be inspected directly.
func runDebugShell(ctx context.Context, logger *slog.Logger) error {
	logger.Info("debug shell: dropping to an interactive shell instead of booting the guest")
	cmd := exec.CommandContext(ctx, "/bin/sh")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = pivoted(containerrt.ContainerTargetRootPath)
	return cmd.Run()
}

// splitFlag splits a "tag" or "tag:suffix" repeatable flag value.
func splitFlag(raw string) (tag, suffix string) {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

func parseNetworkMode(value string) (qemu.NetworkMode, error) {
	switch value {
	case "", "none":
		return qemu.NetworkNone, nil
	case "user":
		return qemu.NetworkUserModeNAT, nil
	case "bridge":
		return qemu.NetworkNamedBridge, nil
	default:
		return qemu.NetworkNone, fmt.Errorf("inner-run: unknown network mode %q", value)
	}
}

func locateKernel(targetRoot string) (kernelPath, initramfsPath string, err error) {
	matches, err := filepath.Glob(filepath.Join(targetRoot, "usr", "lib", "modules", "*", "vmlinuz"))
	if err != nil {
		return "", "", fmt.Errorf("glob kernel: %w", err)
	}
	if len(matches) != 1 {
		return "", "", fmt.Errorf("expected exactly one kernel under %s, found %d", targetRoot, len(matches))
	}
	kernelPath = matches[0]
	initramfsPath = filepath.Join(filepath.Dir(kernelPath), "initramfs.img")
	if _, statErr := os.Stat(initramfsPath); statErr != nil {
		return "", "", fmt.Errorf("initramfs not found at %s: %w", initramfsPath, statErr)
	}
	return kernelPath, initramfsPath, nil
}

// encodeInjectedUnits reads every file in unitDir and returns their
// already-rendered SMBIOS credential OEM strings.
func encodeInjectedUnits(unitDir string) ([]string, error) {
	entries, err := os.ReadDir(unitDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read injected unit dir: %w", err)
	}

	var units []credentials.UnitFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(unitDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read unit %s: %w", entry.Name(), err)
		}
		units = append(units, credentials.UnitFile{Filename: entry.Name(), Content: content})
	}
	if len(units) == 0 {
		return nil, nil
	}

	var enc credentials.Encoder
	creds, err := enc.Encode(credentials.Request{Units: units})
	if err != nil {
		return nil, fmt.Errorf("encode injected units: %w", err)
	}
	strs := make([]string, len(creds))
	for i, c := range creds {
		strs[i] = c.SMBIOSOEMString()
	}
	return strs, nil
}

// encodeUnit is encodeInjectedUnits' single-file counterpart, used for
// the units this package synthesizes itself (--execute, --swap-bytes)
// rather than reading from the injected-unit directory.
func encodeUnit(filename, content string) ([]string, error) {
	var enc credentials.Encoder
	creds, err := enc.Encode(credentials.Request{
		Units: []credentials.UnitFile{{Filename: filename, Content: []byte(content)}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode unit %s: %w", filename, err)
	}
	strs := make([]string, len(creds))
	for i, c := range creds {
		strs[i] = c.SMBIOSOEMString()
	}
	return strs, nil
}

// executeUnitFilename names the one-shot unit --execute synthesizes.
const executeUnitFilename = "bcvk-execute.service"

// executeUnitContent renders a one-shot unit that runs cmd through the
// shell and is pulled in by reaching poweroff.target, mirroring
// internal/diskinstall's installer unit: the caller also sets
// systemd.default_target=poweroff.target, so WantedBy=default.target
// here means "run once while powering off", not "run at normal boot".
func executeUnitContent(cmd string) string {
	return fmt.Sprintf(`[Unit]
Description=bcvk one-shot execute
DefaultDependencies=no
After=basic.target
Before=shutdown.target

[Service]
Type=oneshot
ExecStart=/bin/sh -c %s
StandardOutput=journal+console
StandardError=journal+console

[Install]
WantedBy=default.target
`, shellQuote(cmd))
}

// swapDiskTag names the swap-backed virtio-blk device's in-guest device
// path: /dev/disk/by-id/virtio-<swapDiskTag>, the same naming contract
// internal/diskinstall's output disk uses.
const swapDiskTag = "swap"

const swapUnitFilename = "bcvk-swap.service"

// swapUnitContent renders a unit that formats and activates the
// swap-backed virtio-blk device at normal boot, run early enough
// (After=local-fs.target) that the guest has its swap space for the
// rest of the boot.
func swapUnitContent() string {
	device := "/dev/disk/by-id/virtio-" + swapDiskTag
	return fmt.Sprintf(`[Unit]
Description=bcvk ephemeral swap
DefaultDependencies=no
After=local-fs.target
Before=sysinit.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/sbin/mkswap %[1]s
ExecStart=/sbin/swapon %[1]s
ExecStop=/sbin/swapoff %[1]s

[Install]
WantedBy=sysinit.target
`, device)
}

// createSwapFile creates a sparse, privately-backed swap image of the
// requested size, the backing store for the swap-disk DiskAttachment
// bcvk-swap.service activates.
func createSwapFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create swap file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("size swap file: %w", err)
	}
	return nil
}

// shellQuote wraps cmd in single quotes for a `sh -c` argument, escaping
// any single quotes cmd itself contains.
func shellQuote(cmd string) string {
	return "'" + strings.ReplaceAll(cmd, "'", `'\''`) + "'"
}

// innerArgsFor translates a RunRequest and its already-encoded host-side
// credentials into the __inner-run subcommand's own flags, closing
// spec.md §9's cyclic inner-outer relationship.
func innerArgsFor(targetRef string, req ephemeral.RunRequest, creds []credentials.Credential) []string {
	args := []string{
		"__inner-run",
		"--memory-bytes", strconv.FormatInt(req.MemoryBytes, 10),
		"--vcpus", strconv.Itoa(req.VCPUs),
	}
	for _, arg := range req.ExtraKernelArgs {
		args = append(args, "--kernel-arg", arg)
	}

	switch req.Network {
	case ephemeral.NetworkUserModeNAT:
		args = append(args, "--network", "user")
		if req.UserModeSSHPort != 0 {
			args = append(args, "--ssh-port", strconv.Itoa(req.UserModeSSHPort))
		}
	case ephemeral.NetworkNamedBridge:
		args = append(args, "--network", "bridge", "--bridge", req.BridgeName)
	default:
		args = append(args, "--network", "none")
	}

	if req.ConsoleAttach {
		args = append(args, "--console-attach")
	}
	if req.DebugShell {
		args = append(args, "--debug-shell")
	}
	if req.OneShotExecute != "" {
		args = append(args, "--execute", req.OneShotExecute)
	}
	for _, bm := range req.BindMounts {
		if bm.Writable {
			args = append(args, "--bind", bm.Tag+":rw")
		} else {
			args = append(args, "--bind", bm.Tag)
		}
	}
	if req.HostStorageRO {
		args = append(args, "--host-storage-ro")
	}
	for _, disk := range req.Disks {
		args = append(args, "--disk", disk.Tag)
	}
	for _, sc := range req.SideChannels {
		args = append(args, "--side-channel", sc.Tag)
	}
	if req.InjectedUnitDir != "" {
		args = append(args, "--units")
	}
	if req.SwapBytes != 0 {
		args = append(args, "--swap-bytes", strconv.FormatInt(req.SwapBytes, 10))
	}
	if req.ContainerName != "" {
		args = append(args, "--instance-name", req.ContainerName)
	}
	for _, c := range creds {
		args = append(args, "--credential", c.SMBIOSOEMString())
	}

	return args
}
