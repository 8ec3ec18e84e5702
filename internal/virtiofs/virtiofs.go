// Package virtiofs wraps a virtiofsd-compatible daemon: spec.md §4.C.
// It exports one host directory over one UNIX socket, guarantees the
// socket exists before Start returns, and terminates the daemon on any
// exit path once the caller is done with it.
package virtiofs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cgwalters/bcvk/internal/logging"
)

// SharingPolicy controls read/write access to the exported directory.
type SharingPolicy int

const (
	ReadOnly SharingPolicy = iota
	ReadWrite
)

// Export describes one directory to export: a distinct socket and a
// distinct in-guest tag per spec.md §4.C.
type Export struct {
	// HostPath is the directory exported; for rootfs export this is the
	// target image's merged filesystem, for bind mounts it's a
	// user-chosen host directory.
	HostPath string
	// Tag appears in the guest's filesystem table as the mount source
	// and must match the tag the Emulator Launcher binds to the
	// corresponding virtio-fs PCI device.
	Tag        string
	SocketPath string
	Policy     SharingPolicy
}

// Server supervises one running virtiofsd-compatible daemon process.
type Server struct {
	export  Export
	binary  string
	logger  *slog.Logger
	cmd     *exec.Cmd
	stopped bool
}

// Binary is the conventional virtiofsd executable name.
const Binary = "virtiofsd"

// Start launches the daemon and blocks until its socket exists or ctx is
// done. Caching is always "always" (spec.md §4.C): the guest is the sole
// client and the host has no races to guard against. The daemon runs
// unsandboxed — it is already confined by the outer privileged container.
func Start(ctx context.Context, export Export, logger *slog.Logger) (*Server, error) {
	logger = logging.Ensure(logger).With("component", "virtiofs", "tag", export.Tag)

	if err := os.MkdirAll(filepath.Dir(export.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("virtiofs: prepare socket directory: %w", err)
	}
	// virtiofsd refuses to bind over a pre-existing socket file.
	_ = os.Remove(export.SocketPath)

	args := []string{
		"--socket-path=" + export.SocketPath,
		"--shared-dir=" + export.HostPath,
		"--cache=always",
		"--sandbox=none",
	}
	if export.Policy == ReadOnly {
		args = append(args, "--readonly")
	}

	cmd := exec.CommandContext(ctx, Binary, args...)
	cmd.Stdout = logging.Writer(logger, slog.LevelDebug)
	cmd.Stderr = logging.Writer(logger, slog.LevelWarn)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("virtiofs: start %s: %w", Binary, err)
	}

	s := &Server{export: export, binary: Binary, logger: logger, cmd: cmd}

	if err := s.waitForSocket(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("virtiofs daemon ready", "socket", export.SocketPath, "host_path", export.HostPath)
	return s, nil
}

func (s *Server) waitForSocket(ctx context.Context) error {
	const pollInterval = 25 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(s.export.SocketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("virtiofs: socket %s never appeared: %w", s.export.SocketPath, ctx.Err())
		case <-ticker.C:
			if state := s.cmd.ProcessState; state != nil {
				return fmt.Errorf("virtiofs: daemon exited before creating socket: %s", state)
			}
		}
	}
}

// SocketPath returns the UNIX socket the daemon is listening on.
func (s *Server) SocketPath() string { return s.export.SocketPath }

// Tag returns the in-guest mount tag this server's export uses.
func (s *Server) Tag() string { return s.export.Tag }

// Close terminates the daemon. Safe to call more than once and on every
// exit path (normal, signal, panic) per spec.md §4.C's guarantee.
func (s *Server) Close() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to signal virtiofs daemon", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
				return nil
			}
		}
		return err
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
		return fmt.Errorf("virtiofs: daemon did not exit after SIGTERM, killed")
	}
}
