package qemu

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsNamedBridgeWithoutTapFile(t *testing.T) {
	l := &Launcher{
		Request: BuildRequest{
			Binary:           "qemu-system-x86_64",
			KernelPath:       "/merged/vmlinuz",
			RootFSSocketPath: "/run/bcvk/rootfs.sock",
			Network:          NetworkNamedBridge,
		},
	}
	_, err := l.Run(context.Background())
	require.Error(t, err)
}

// TestRunTakesNonInteractivePathForNonTerminalStdin confirms ConsoleAttach
// alone doesn't trigger pty allocation when Stdin isn't a real terminal
// (e.g. piped input), matching ordinary non-interactive `--console` use
// from a script or test harness.
func TestRunTakesNonInteractivePathForNonTerminalStdin(t *testing.T) {
	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devNull.Close()

	l := &Launcher{
		Request: BuildRequest{
			Binary:           "definitely-not-a-real-qemu-binary",
			KernelPath:       "/merged/vmlinuz",
			RootFSSocketPath: "/run/bcvk/rootfs.sock",
			ConsoleAttach:    true,
		},
		Stdin: devNull,
	}
	_, err = l.Run(context.Background())
	require.Error(t, err, "nonexistent binary should fail at cmd.Start, not hang or panic on pty setup")
}
