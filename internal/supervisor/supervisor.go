package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cgwalters/bcvk/internal/logging"
	"github.com/cgwalters/bcvk/internal/qemu"
	"github.com/cgwalters/bcvk/internal/virtiofs"
)

// ShutdownTimeout bounds how long the top-level signal handler waits for
// the supervised subtree to exit before this process exits anyway.
const ShutdownTimeout = 65 * time.Second

// RunRequest carries everything needed to start the filesystem server
// and emulator, per spec.md §4.E's "run 4.C plus 4.D" contract.
type RunRequest struct {
	Exports     []virtiofs.Export
	QEMURequest qemu.BuildRequest
	QEMUStdin   *os.File
	QEMUStdout  *os.File
	QEMUStderr  *os.File
	// BridgeTapFile is the pre-opened tap fd for NetworkNamedBridge mode,
	// created by internal/netbridge before Run is called.
	BridgeTapFile *os.File
}

// Result is the inner supervisor's exit status, which is always the
// emulator's exit code (spec.md §4.E).
type Result struct {
	ExitCode int
}

// Run starts every filesystem-server export first, waits for their
// sockets, then launches the emulator and waits for it to exit. Only the
// emulator is waited on: a filesystem server that exits early is not
// observed. The servers are closed after the emulator exits. A top-level
// SIGINT/SIGTERM is forwarded into the subtree.
func Run(ctx context.Context, req RunRequest, logger *slog.Logger) (Result, error) {
	logger = logging.Ensure(logger).With("component", "supervisor")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case sig := <-sigCh:
			// The emulator launcher listens for the same signal
			// independently and begins its own graceful QMP shutdown.
			// This is the bounded backstop: if the subtree hasn't exited
			// on its own by ShutdownTimeout, force the context closed so
			// the supervised process is killed outright.
			logger.Info("signal received, waiting for supervised subtree to exit", "signal", sig, "timeout", ShutdownTimeout)
			select {
			case <-time.After(ShutdownTimeout):
				logger.Warn("shutdown timeout elapsed, forcing exit")
				cancel()
			case <-runCtx.Done():
			}
		case <-runCtx.Done():
		}
	}()

	var servers []*virtiofs.Server
	for _, export := range req.Exports {
		server, err := virtiofs.Start(runCtx, export, logger)
		if err != nil {
			closeAll(servers, logger)
			return Result{}, fmt.Errorf("supervisor: start filesystem server for %s: %w", export.Tag, err)
		}
		servers = append(servers, server)
	}
	defer closeAll(servers, logger)

	launcher := &qemu.Launcher{
		Request:       req.QEMURequest,
		Logger:        logger,
		Stdin:         req.QEMUStdin,
		Stdout:        req.QEMUStdout,
		Stderr:        req.QEMUStderr,
		BridgeTapFile: req.BridgeTapFile,
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	resultCh := make(chan qemu.Result, 1)
	group.Go(func() error {
		result, err := launcher.Run(groupCtx)
		if err != nil {
			return err
		}
		resultCh <- result
		return nil
	})

	if err := group.Wait(); err != nil {
		return Result{}, fmt.Errorf("supervisor: emulator: %w", err)
	}

	select {
	case result := <-resultCh:
		return Result{ExitCode: result.ExitCode}, nil
	default:
		return Result{}, fmt.Errorf("supervisor: emulator exited without reporting a result")
	}
}

func closeAll(servers []*virtiofs.Server, logger *slog.Logger) {
	for _, s := range servers {
		if err := s.Close(); err != nil {
			logger.Warn("filesystem server shutdown error", "tag", s.Tag(), "error", err)
		}
	}
}
