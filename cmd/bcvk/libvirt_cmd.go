package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/credentials"
	"github.com/cgwalters/bcvk/internal/libvirtdomain"
	"github.com/cgwalters/bcvk/internal/sshkey"
)

func newLibvirtCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "libvirt",
		Short: "Manage persistent, libvirt-backed VMs",
	}
	cmd.AddCommand(
		newLibvirtUploadCommand(logger, flags),
		newLibvirtCreateCommand(logger, flags),
		newLibvirtListCommand(logger, flags),
		newLibvirtStartCommand(logger, flags),
		newLibvirtStopCommand(logger, flags),
		newLibvirtSSHCommand(logger, flags),
		newLibvirtRemoveCommand(logger, flags),
		newLibvirtInspectCommand(logger, flags),
	)
	return cmd
}

func newLibvirtUploadCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "upload <disk-file>",
		Args:  cobra.ExactArgs(1),
		Short: "Upload a disk image into a libvirt storage pool as a new volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, pool)
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()
			volumePath, err := ctrl.Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(volumePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "Destination storage pool")
	return cmd
}

func newLibvirtCreateCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		pool        string
		name        string
		memoryMB    int64
		vcpus       int
		diskFormat  string
		sshPort     int
		sourceImage string
		genKeypair  bool
	)
	cmd := &cobra.Command{
		Use:   "create <volume-name>",
		Args:  cobra.ExactArgs(1),
		Short: "Define a persistent domain from an already-uploaded disk volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			ctrl, err := newController(flags, logger, pool)
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()

			desc := libvirtdomain.DomainDescriptor{
				Name:            name,
				MemoryBytes:     memoryMB * 1024 * 1024,
				VCPUs:           vcpus,
				DiskPath:        args[0],
				DiskFormat:      diskFormat,
				UserModeSSHPort: sshPort,
				SourceImage:     sourceImage,
			}

			if genKeypair {
				pair, err := sshkey.Generate()
				if err != nil {
					return fmt.Errorf("generate keypair: %w", err)
				}
				root, err := newCacheRoot(flags)
				if err != nil {
					return err
				}
				instanceDir, err := root.InstanceDir(name)
				if err != nil {
					return err
				}
				keyPath, err := root.WritePrivateKey(instanceDir, pair.PrivateKeyPEM)
				if err != nil {
					return err
				}
				var enc credentials.Encoder
				creds, err := enc.Encode(credentials.Request{AuthorizedKeys: pair.AuthorizedKey})
				if err != nil {
					return err
				}
				desc.Credentials = creds
				desc.SSHKeyPath = keyPath
			}

			domainName, err := ctrl.Create(cmd.Context(), desc)
			if err != nil {
				return err
			}
			fmt.Println(domainName)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "Storage pool the disk volume lives in")
	cmd.Flags().StringVar(&name, "name", "", "Domain name (required)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 2048, "Guest memory in MiB")
	cmd.Flags().IntVar(&vcpus, "vcpus", 2, "Guest vCPU count")
	cmd.Flags().StringVar(&diskFormat, "disk-format", "raw", "Disk volume format: raw or qcow2")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 0, "Host port forwarded to guest:22 under user-mode networking")
	cmd.Flags().StringVar(&sourceImage, "source-image", "", "Source bootc image reference, recorded as domain metadata")
	cmd.Flags().BoolVar(&genKeypair, "ssh-keygen", true, "Generate an SSH keypair and embed its public half as a credential")
	return cmd
}

func newLibvirtListCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var pool string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bcvk-managed persistent domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, pool)
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()

			records, err := ctrl.List(cmd.Context(), !all)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "State", "Source Image", "SSH Port"})
			for _, r := range records {
				sshPort := ""
				if r.SSHPort != 0 {
					sshPort = fmt.Sprintf("%d", r.SSHPort)
				}
				table.Append([]string{r.Name, string(r.State), r.SourceImage, sshPort})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "Storage pool (unused by list but kept for symmetry with other verbs)")
	cmd.Flags().BoolVar(&all, "all", false, "Include domains not managed by bcvk")
	return cmd
}

func newLibvirtInspectCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "inspect <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show everything bcvk knows about one persistent domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, pool)
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()

			records, err := ctrl.List(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, r := range records {
				if r.Name == args[0] {
					fmt.Printf("name: %s\nstate: %s\nsource image: %s\nssh port: %d\nours: %t\n",
						r.Name, r.State, r.SourceImage, r.SSHPort, r.IsOurs())
					return nil
				}
			}
			return fmt.Errorf("no such domain %q", args[0])
		},
	}
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "Storage pool (unused by inspect but kept for symmetry with other verbs)")
	return cmd
}

func newLibvirtStartCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Start a defined persistent domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, "")
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()
			return ctrl.Start(cmd.Context(), args[0])
		},
	}
	return cmd
}

func newLibvirtStopCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop a running persistent domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, "")
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()
			return ctrl.Stop(cmd.Context(), args[0])
		},
	}
	return cmd
}

func newLibvirtRemoveCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var stopFirst bool
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Undefine a persistent domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, "")
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()
			if stopFirst {
				if err := ctrl.Stop(cmd.Context(), args[0]); err != nil {
					logger.Warn("stop before remove failed, continuing", "error", err)
				}
			}
			return ctrl.Remove(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&stopFirst, "stop", false, "Stop the domain first if it's running")
	return cmd
}

func newLibvirtSSHCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh <name> [-- command...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "SSH into a persistent domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(flags, logger, "")
			if err != nil {
				return err
			}
			defer ctrl.Conn.Close()
			host, port, keyPath, err := ctrl.SSH(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return sshInto(cmd.Context(), host, port, keyPath, args[1:])
		},
	}
	return cmd
}
