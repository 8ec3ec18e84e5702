package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/cgwalters/bcvk/internal/logging"
)

// ErrKVMUnavailable is returned by Launcher.Run when RequireKVM is set
// and /dev/kvm is not accessible. Spec.md §4.D treats this as a launch-
// time failure, not a build-time one.
var ErrKVMUnavailable = errors.New("qemu: /dev/kvm is not accessible")

// GracePeriod is the default bound on how long Run waits for a graceful
// shutdown (via QMP system_powerdown) before force-killing the emulator.
const GracePeriod = 60 * time.Second

// Launcher runs one qemu-system process to completion, per spec.md §4.D.
type Launcher struct {
	Request BuildRequest
	Logger  *slog.Logger

	// Stdout/Stderr are wired to the process when ConsoleAttach is true
	// (bound to os.Stdin/os.Stdout by the caller) or when console output
	// should still be observable without a log file.
	Stdout, Stderr, Stdin *os.File

	// BridgeTapFile is the open tap device internal/netbridge created,
	// required when Request.Network is NetworkNamedBridge. It lands at
	// fd 3 in the emulator's own process (the first entry of
	// cmd.ExtraFiles always does), so Request.BridgeTapFD must be 3
	// whenever this is set.
	BridgeTapFile *os.File
}

// Result reports the emulator's observed exit.
type Result struct {
	ExitCode int
}

// Run builds the command line, checks KVM availability if required,
// starts the emulator, and supervises it until exit, translating
// SIGINT/SIGTERM into a graceful QMP shutdown request with a bounded
// grace period (spec.md §4.D).
func (l *Launcher) Run(ctx context.Context) (Result, error) {
	logger := logging.Ensure(l.Logger).With("component", "qemu")

	if l.Request.RequireKVM {
		if _, err := os.Stat("/dev/kvm"); err != nil {
			return Result{}, ErrKVMUnavailable
		}
	}

	if l.Request.Network == NetworkNamedBridge && l.BridgeTapFile == nil {
		return Result{}, fmt.Errorf("qemu: named-bridge network mode requires a tap file")
	}

	args, err := Build(l.Request)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, l.Request.Binary, args...)
	if l.BridgeTapFile != nil {
		cmd.ExtraFiles = []*os.File{l.BridgeTapFile}
	}
	if l.Request.ConsoleAttach {
		// Own process group on the foreground/console path so a tty's
		// SIGINT reaches the emulator only once, via our own forwarding
		// below, not a second time directly from the terminal driver.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	interactive := l.Request.ConsoleAttach && l.Stdin != nil && term.IsTerminal(int(l.Stdin.Fd()))

	logger.Debug("starting emulator", "binary", l.Request.Binary, "args", args, "interactive_console", interactive)

	if interactive {
		restore, err := l.startInteractiveConsole(cmd, logger)
		if err != nil {
			return Result{}, fmt.Errorf("qemu: start %s: %w", l.Request.Binary, err)
		}
		defer restore()
	} else {
		cmd.Stdin = l.Stdin
		cmd.Stdout = l.Stdout
		cmd.Stderr = l.Stderr
		if cmd.Stdout == nil {
			cmd.Stdout = logging.Writer(logger, slog.LevelInfo)
		}
		if cmd.Stderr == nil {
			cmd.Stderr = logging.Writer(logger, slog.LevelWarn)
		}
		if err := cmd.Start(); err != nil {
			return Result{}, fmt.Errorf("qemu: start %s: %w", l.Request.Binary, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		return resultFromWaitErr(err)
	case sig := <-sigCh:
		logger.Info("received signal, requesting graceful guest shutdown", "signal", sig)
		l.requestShutdown(logger)

		select {
		case err := <-waitDone:
			return resultFromWaitErr(err)
		case <-time.After(GracePeriod):
			logger.Warn("grace period elapsed, force-killing emulator")
			_ = cmd.Process.Kill()
			err := <-waitDone
			return resultFromWaitErr(err)
		}
	}
}

// startInteractiveConsole allocates a pty for the emulator's primary
// serial (mon:stdio in Build's command line) and puts the host's real
// terminal into raw mode for the duration of the run, so the guest
// console behaves like a normal interactive tty rather than a plain
// pipe. The returned func restores the host terminal's prior state and
// must be called once the emulator has exited.
func (l *Launcher) startInteractiveConsole(cmd *exec.Cmd, logger *slog.Logger) (func(), error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	stdinFd := int(l.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		logger.Warn("failed to set host terminal to raw mode", "error", err)
		oldState = nil
	}

	stdout := io.Writer(l.Stdout)
	if l.Stdout == nil {
		stdout = os.Stdout
	}

	go func() { _, _ = io.Copy(ptmx, l.Stdin) }()
	go func() { _, _ = io.Copy(stdout, ptmx) }()

	return func() {
		if oldState != nil {
			_ = term.Restore(stdinFd, oldState)
		}
		_ = ptmx.Close()
	}, nil
}

func (l *Launcher) requestShutdown(logger *slog.Logger) {
	if l.Request.QMPSocketPath == "" {
		return
	}
	mon, err := Dial(l.Request.QMPSocketPath)
	if err != nil {
		logger.Warn("qmp dial for graceful shutdown failed", "error", err)
		return
	}
	defer mon.Close()
	if err := mon.SystemPowerdown(); err != nil {
		logger.Warn("qmp system_powerdown failed", "error", err)
	}
}

func resultFromWaitErr(err error) (Result, error) {
	if err == nil {
		return Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	return Result{}, fmt.Errorf("qemu: wait: %w", err)
}
