package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/imageinspect"
)

func newImagesCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect locally available bootc images",
	}
	cmd.AddCommand(newImagesListCommand(logger, flags))
	return cmd
}

func newImagesListCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <image>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Report bootc facts (kernel, initramfs, architecture) for one or more images",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime := containerrt.NewPodman(flags.runtimeBinary, logger)
			fsys := imageinspect.OSFilesystem{}

			var facts []imageinspect.Facts
			for _, ref := range args {
				f, err := imageinspect.Inspect(cmd.Context(), ref, runtime, fsys, logger)
				if err != nil {
					return err
				}
				facts = append(facts, f)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(facts)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Reference", "Image ID", "Arch", "Kernel", "Est. Root Size"})
			for _, f := range facts {
				table.Append([]string{
					f.Reference,
					shortID(f.ImageID),
					f.Arch.String(),
					f.KernelPath,
					fmt.Sprintf("%d MiB", f.RootFSSizeEstimate/(1024*1024)),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON instead of a table")
	return cmd
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
