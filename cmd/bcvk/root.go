package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/config"
)

const defaultLogLevel = "info"

// globalFlags holds the persistent flags every subcommand shares, mirroring
// the teacher root command's single logLevel var but widened to the knobs
// this tool's components need (runtime binary, libvirt URI, cache root,
// the image the binary itself ships in).
type globalFlags struct {
	logLevel      string
	runtimeBinary string
	connectURI    string
	cacheRoot     string
	selfImage     string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	env, envErr := config.Load()

	flags := &globalFlags{
		logLevel:      defaultLogLevel,
		runtimeBinary: config.DefaultRuntimeBinary,
		connectURI:    config.DefaultConnectionURI,
		selfImage:     config.DefaultSelfImage,
	}
	if envErr == nil {
		flags.runtimeBinary = env.RuntimeBinary
		flags.connectURI = env.ConnectionURI
		flags.cacheRoot = env.CacheRoot
		flags.selfImage = env.SelfImage
	}

	root := &cobra.Command{
		Use:           "bcvk",
		Short:         "Run bootc container images as virtual machines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&flags.runtimeBinary, "runtime", flags.runtimeBinary, "Container runtime binary (podman or docker-compatible)")
	root.PersistentFlags().StringVar(&flags.connectURI, "connect-uri", flags.connectURI, "Libvirt connection URI")
	root.PersistentFlags().StringVar(&flags.cacheRoot, "cache-dir", flags.cacheRoot, "Directory for generated SSH keys and run-instance state")
	root.PersistentFlags().StringVar(&flags.selfImage, "self-image", flags.selfImage, "Container image reference this binary itself ships in")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return fmt.Errorf("load environment configuration: %w", envErr)
		}
		level, err := parseLogLevel(flags.logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(
		newEphemeralCommand(logger, flags),
		newToDiskCommand(logger, flags),
		newImagesCommand(logger, flags),
		newLibvirtCommand(logger, flags),
		newDoctorCommand(logger),
		newPodmanBootcCommand(logger, flags),
		newInnerRunCommand(logger),
	)
	return root
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
