package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/ephemeral"
)

func newEphemeralCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ephemeral",
		Short: "Run bootc images as transient, container-lifetime VMs",
	}
	cmd.AddCommand(
		newEphemeralRunCommand(logger, flags),
		newEphemeralRunSSHCommand(logger, flags),
		newEphemeralSSHCommand(logger, flags),
	)
	return cmd
}

// runFlags are the knobs shared by `ephemeral run` and `ephemeral run-ssh`,
// matching RunRequest's fields one to one (spec.md §3).
type runFlags struct {
	memoryMB      int64
	vcpus         int
	kernelArgs    []string
	network       string
	sshPort       int
	bridgeName    string
	console       bool
	debugShell    bool
	detach        bool
	autoRemove    bool
	name          string
	binds         []string
	roBinds       []string
	hostStorageRO bool
	sshKeygen     bool
	execute       string
	disks         []string
	sideChannels  []string
	unitDir       string
	swapMB        int64
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	fs := cmd.Flags()
	fs.Int64Var(&rf.memoryMB, "memory", ephemeral.DefaultMemoryBytes/(1024*1024), "Guest memory in MiB")
	fs.IntVar(&rf.vcpus, "vcpus", ephemeral.DefaultVCPUs, "Guest vCPU count")
	fs.StringArrayVar(&rf.kernelArgs, "karg", nil, "Extra kernel command-line fragment (repeatable)")
	fs.StringVar(&rf.network, "net", "user", "Network mode: none, user, or bridge:<name>")
	fs.IntVar(&rf.sshPort, "ssh-port", 0, "Host port forwarded to guest:22 under user-mode networking (0 picks a free port)")
	fs.BoolVar(&rf.console, "console", false, "Attach the guest's serial console to this terminal")
	fs.BoolVar(&rf.debugShell, "debug-shell", false, "Drop into a shell inside the prepared container instead of booting the guest")
	fs.BoolVar(&rf.detach, "detach", false, "Start the container and return immediately")
	fs.BoolVar(&rf.autoRemove, "rm", false, "Remove the container once the guest exits")
	fs.StringVar(&rf.name, "name", "", "Container name override (a name is generated when omitted)")
	fs.StringArrayVar(&rf.binds, "bind", nil, "host:tag writable bind mount (repeatable)")
	fs.StringArrayVar(&rf.roBinds, "ro-bind", nil, "host:tag read-only bind mount (repeatable)")
	fs.BoolVar(&rf.hostStorageRO, "bind-storage-ro", false, "Pass the host's container storage through read-only")
	fs.BoolVar(&rf.sshKeygen, "ssh-keygen", true, "Generate an ephemeral SSH keypair and inject its public half")
	fs.StringVar(&rf.execute, "execute", "", "Run this command instead of a full boot, then power off")
	fs.StringArrayVar(&rf.disks, "mount-disk-file", nil, "host:tag disk attachment (repeatable)")
	fs.StringArrayVar(&rf.sideChannels, "virtio-serial-out", nil, "host:tag virtio-serial capture file (repeatable)")
	fs.StringVar(&rf.unitDir, "systemd-units", "", "Directory of first-boot systemd unit files to inject")
	fs.Int64Var(&rf.swapMB, "swap", 0, "Guest swap size in MiB (0 disables)")
}

func (rf *runFlags) toRequest() (ephemeral.RunRequest, error) {
	req := ephemeral.New()
	req.MemoryBytes = rf.memoryMB * 1024 * 1024
	req.VCPUs = rf.vcpus
	req.ExtraKernelArgs = rf.kernelArgs
	req.ConsoleAttach = rf.console
	req.DebugShell = rf.debugShell
	req.Detach = rf.detach
	req.AutoRemove = rf.autoRemove
	req.ContainerName = rf.name
	req.HostStorageRO = rf.hostStorageRO
	req.GenerateKeypair = rf.sshKeygen
	req.InjectedUnitDir = rf.unitDir
	req.OneShotExecute = rf.execute
	req.SwapBytes = rf.swapMB * 1024 * 1024

	switch {
	case rf.network == "none":
		req.Network = ephemeral.NetworkNone
	case rf.network == "user" || rf.network == "":
		req.Network = ephemeral.NetworkUserModeNAT
		req.UserModeSSHPort = rf.sshPort
		if req.UserModeSSHPort == 0 {
			port, err := randomHostPort()
			if err != nil {
				return ephemeral.RunRequest{}, fmt.Errorf("allocate host SSH port: %w", err)
			}
			req.UserModeSSHPort = port
		}
	case strings.HasPrefix(rf.network, "bridge:"):
		req.Network = ephemeral.NetworkNamedBridge
		req.BridgeName = strings.TrimPrefix(rf.network, "bridge:")
	default:
		return ephemeral.RunRequest{}, fmt.Errorf("unknown --net value %q (want none, user, or bridge:<name>)", rf.network)
	}

	for _, raw := range rf.binds {
		hostPath, tag, err := splitHostTag(raw)
		if err != nil {
			return ephemeral.RunRequest{}, fmt.Errorf("--bind: %w", err)
		}
		req.BindMounts = append(req.BindMounts, ephemeral.BindMount{HostPath: hostPath, Tag: tag, Writable: true})
	}
	for _, raw := range rf.roBinds {
		hostPath, tag, err := splitHostTag(raw)
		if err != nil {
			return ephemeral.RunRequest{}, fmt.Errorf("--ro-bind: %w", err)
		}
		req.BindMounts = append(req.BindMounts, ephemeral.BindMount{HostPath: hostPath, Tag: tag, Writable: false})
	}
	for _, raw := range rf.disks {
		hostPath, tag, err := splitHostTag(raw)
		if err != nil {
			return ephemeral.RunRequest{}, fmt.Errorf("--mount-disk-file: %w", err)
		}
		req.Disks = append(req.Disks, ephemeral.DiskAttachment{HostFile: hostPath, Tag: tag})
	}
	for _, raw := range rf.sideChannels {
		hostPath, tag, err := splitHostTag(raw)
		if err != nil {
			return ephemeral.RunRequest{}, fmt.Errorf("--virtio-serial-out: %w", err)
		}
		req.SideChannels = append(req.SideChannels, ephemeral.SideChannel{HostFile: hostPath, Tag: tag})
	}

	if err := req.Validate(); err != nil {
		return ephemeral.RunRequest{}, err
	}
	return req, nil
}

func splitHostTag(raw string) (hostPath, tag string, err error) {
	idx := strings.LastIndexByte(raw, ':')
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", fmt.Errorf("expected host:tag, got %q", raw)
	}
	return raw[:idx], raw[idx+1:], nil
}

// randomHostPort asks the kernel for an unused TCP port by binding
// 127.0.0.1:0 and immediately releasing it, so user-mode networking
// always has a host SSH port to forward even when --ssh-port is left
// at its zero-value default (spec.md §8 scenario 1's no-flags happy
// path).
func randomHostPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("no open port found: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func newEphemeralRunCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <image>",
		Args:  cobra.ExactArgs(1),
		Short: "Run a bootc image as an ephemeral VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.toRequest()
			if err != nil {
				return err
			}
			orch, err := newOrchestrator(flags, logger, false)
			if err != nil {
				return err
			}
			instance, err := orch.Run(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			reportInstance(instance)
			return nil
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func newEphemeralRunSSHCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var sshCommand []string
	cmd := &cobra.Command{
		Use:   "run-ssh <image> [-- command...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Run a bootc image as an ephemeral VM and SSH into it, binding guest lifetime to the SSH session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rf.sshKeygen = true
			if rf.network == "" {
				rf.network = "user"
			}
			req, err := rf.toRequest()
			if err != nil {
				return err
			}
			req.Detach = true
			req.AutoRemove = true

			orch, err := newOrchestrator(flags, logger, false)
			if err != nil {
				return err
			}
			instance, err := orch.Run(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			sshCommand = args[1:]
			sshErr := sshInto(cmd.Context(), "127.0.0.1", instance.Request.UserModeSSHPort, instance.PrivateKeyPath, sshCommand)
			if rmErr := orch.Runtime.Remove(context.Background(), instance.ContainerID); rmErr != nil {
				logger.Warn("failed to remove ephemeral container after SSH session", "container", instance.ContainerID, "error", rmErr)
			}
			return sshErr
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func newEphemeralSSHCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		host    string
		port    int
		keyPath string
	)
	cmd := &cobra.Command{
		Use:   "ssh [-- command...]",
		Short: "SSH into a running ephemeral VM given its connection details",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sshInto(cmd.Context(), host, port, keyPath, args)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Guest SSH host")
	cmd.Flags().IntVar(&port, "port", 0, "Guest SSH port (required)")
	cmd.Flags().StringVar(&keyPath, "identity", "", "Private key path (required)")
	return cmd
}

// sshInto execs the system ssh client against a running guest. bcvk
// itself never implements the SSH wire protocol; it composes the same
// OpenSSH client every operator already has, matching spec.md §6's
// `ephemeral ssh` contract.
func sshInto(ctx context.Context, host string, port int, keyPath string, command []string) error {
	if port == 0 {
		return fmt.Errorf("ssh: no guest SSH port available (was the run started with --net user?)")
	}
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", strconv.Itoa(port),
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, "root@"+host)
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func reportInstance(instance ephemeral.Instance) {
	fmt.Printf("container: %s\n", instance.ContainerID)
	if instance.Request.UserModeSSHPort != 0 {
		fmt.Printf("ssh: ssh -p %d root@127.0.0.1\n", instance.Request.UserModeSSHPort)
	}
	if instance.PrivateKeyPath != "" {
		fmt.Printf("private key: %s\n", instance.PrivateKeyPath)
	}
}
