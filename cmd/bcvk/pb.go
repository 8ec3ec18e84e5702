package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/compat/podmanbootc"
)

// newPodmanBootcCommand wires the legacy podman-bootc verb compatibility
// shim (spec.md §9's manager-first resolution of the "legacy registry"
// open question), for operators migrating existing `pb` scripts.
func newPodmanBootcCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var legacyRegistry string

	cmd := &cobra.Command{
		Use:   "pb",
		Short: "Legacy podman-bootc-compatible verbs, backed by the same persistent-domain manager",
	}
	cmd.PersistentFlags().StringVar(&legacyRegistry, "legacy-registry", "", "Path to a legacy podman-bootc JSON registry, consulted only for display-field backfill")

	newShim := func() (*podmanbootc.Shim, func(), error) {
		ctrl, err := newController(flags, logger, "")
		if err != nil {
			return nil, nil, err
		}
		return &podmanbootc.Shim{Controller: ctrl, LegacyRegistryPath: legacyRegistry}, func() { ctrl.Conn.Close() }, nil
	}

	cmd.AddCommand(
		newPbListCommand(newShim),
		newPbSSHCommand(newShim),
		newPbStartCommand(newShim),
		newPbStopCommand(newShim),
		newPbRemoveCommand(newShim),
	)
	return cmd
}

type shimFactory func() (*podmanbootc.Shim, func(), error)

func newPbListCommand(newShim shimFactory) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs (legacy `pb list` compatibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shim, closeFn, err := newShim()
			if err != nil {
				return err
			}
			defer closeFn()

			summaries, err := shim.List(cmd.Context(), podmanbootc.ListOptions{All: all})
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Running", "Source Image", "SSH Port"})
			for _, s := range summaries {
				sshPort := ""
				if s.SSHPort != 0 {
					sshPort = fmt.Sprintf("%d", s.SSHPort)
				}
				table.Append([]string{s.Name, fmt.Sprintf("%t", s.Running), s.SourceImage, sshPort})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include stopped VMs")
	return cmd
}

func newPbSSHCommand(newShim shimFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh <name> [-- command...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "SSH into a VM (legacy `pb ssh` compatibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shim, closeFn, err := newShim()
			if err != nil {
				return err
			}
			defer closeFn()

			host, port, keyPath, err := shim.SSH(cmd.Context(), podmanbootc.SSHOptions{Name: args[0]})
			if err != nil {
				return err
			}
			return sshInto(cmd.Context(), host, port, keyPath, args[1:])
		},
	}
	return cmd
}

func newPbStartCommand(newShim shimFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Start a VM (legacy `pb start` compatibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shim, closeFn, err := newShim()
			if err != nil {
				return err
			}
			defer closeFn()
			return shim.Start(cmd.Context(), podmanbootc.StartOptions{Name: args[0]})
		},
	}
}

func newPbStopCommand(newShim shimFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop a VM (legacy `pb stop` compatibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shim, closeFn, err := newShim()
			if err != nil {
				return err
			}
			defer closeFn()
			return shim.Stop(cmd.Context(), podmanbootc.StopOptions{Name: args[0]})
		},
	}
}

func newPbRemoveCommand(newShim shimFactory) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a VM (legacy `pb remove` compatibility)",
		RunE: func(cmd *cobra.Command, args []string) error {
			shim, closeFn, err := newShim()
			if err != nil {
				return err
			}
			defer closeFn()
			return shim.Remove(cmd.Context(), podmanbootc.RemoveOptions{Name: args[0], Stop: stop})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "Stop the VM before removing it")
	return cmd
}
