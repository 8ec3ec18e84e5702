package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/diskinstall"
)

func newToDiskCommand(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var (
		format        string
		sizeGB        int64
		filesystem    string
		rootSizeGB    int64
		console       bool
		keepOnFailure bool
	)

	cmd := &cobra.Command{
		Use:   "to-disk <image> <output-file>",
		Args:  cobra.ExactArgs(2),
		Short: "Install a bootc image onto a bootable disk image file",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := diskinstall.Request{
				SourceImage:          args[0],
				TargetDiskPath:       args[1],
				Format:               diskinstall.Format(format),
				Options:              diskinstall.Options{Filesystem: filesystem},
				ConsoleAttach:        console,
				KeepPartialOnFailure: keepOnFailure,
			}
			if sizeGB != 0 {
				req.DiskSizeBytes = sizeGB * 1024 * 1024 * 1024
			}
			if rootSizeGB != 0 {
				req.Options.RootSizeBytes = rootSizeGB * 1024 * 1024 * 1024
			}

			orch, err := newOrchestrator(flags, logger, false)
			if err != nil {
				return err
			}
			installer := &diskinstall.Installer{
				Orchestrator:   orch,
				Inspector:      containerrt.NewPodman(flags.runtimeBinary, logger),
				Logger:         logger,
				ProgressWriter: progressWriterFor(console),
			}

			result, err := installer.Install(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes), manifest %s\n", req.TargetDiskPath, result.DiskSizeBytes, result.ManifestPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(diskinstall.FormatRaw), "Disk image format: raw or qcow2")
	cmd.Flags().Int64Var(&sizeGB, "size", 0, "Disk size in GiB (0 auto-resolves from the image's estimated root filesystem size)")
	cmd.Flags().StringVar(&filesystem, "filesystem", "", "Root filesystem type override passed to bootc install")
	cmd.Flags().Int64Var(&rootSizeGB, "root-size", 0, "Root partition size in GiB override")
	cmd.Flags().BoolVar(&console, "console", false, "Attach the installer VM's serial console to this terminal")
	cmd.Flags().BoolVar(&keepOnFailure, "keep-partial", false, "Preserve the partially-written disk file if installation fails")

	return cmd
}

func progressWriterFor(console bool) io.Writer {
	if console {
		return nil
	}
	return os.Stderr
}
