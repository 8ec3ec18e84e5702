package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/envdetect"
	"github.com/cgwalters/bcvk/internal/virtiofs"
)

func newDoctorCommand(logger *slog.Logger) *cobra.Command {
	var runtimeBinary string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host for the capabilities bcvk needs (KVM, container runtime, virtiofsd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := envdetect.Check(envdetect.Options{RuntimeBinary: runtimeBinary, VirtiofsdBinary: virtiofs.Binary})
			printCheck("kvm", report.KVMAvailable, report.KVMDetail)
			printCheck("container runtime", report.RuntimeAvailable, report.RuntimeDetail)
			printCheck("virtiofsd", report.VirtiofsdAvailable, report.VirtiofsdDetail)

			if err := report.FirstMissing(); err != nil {
				return err
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&runtimeBinary, "runtime", "podman", "Container runtime binary to look for")
	return cmd
}

func printCheck(name string, ok bool, detail string) {
	status := "ok"
	if !ok {
		status = "MISSING: " + detail
	}
	fmt.Printf("%-20s %s\n", name, status)
}
