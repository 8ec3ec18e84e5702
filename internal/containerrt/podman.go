package containerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/cgwalters/bcvk/internal/logging"
)

// PodmanRuntime shells out to the podman CLI. It is the only type in this
// module that constructs an *exec.Cmd against the container runtime.
type PodmanRuntime struct {
	Binary string
	Logger *slog.Logger
}

// NewPodman returns a PodmanRuntime using binary (falling back to "podman"
// if empty).
func NewPodman(binary string, logger *slog.Logger) *PodmanRuntime {
	if binary == "" {
		binary = "podman"
	}
	return &PodmanRuntime{Binary: binary, Logger: logging.Ensure(logger)}
}

func (p *PodmanRuntime) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

type podmanInspectOutput struct {
	ID     string `json:"Id"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	Architecture string `json:"Architecture"`
	Size         int64  `json:"Size"`
}

// InspectImage runs `podman image inspect` and returns its labels and
// architecture. The merged filesystem path is resolved separately via
// MergedFilesystem, since inspection alone does not mount the image.
func (p *PodmanRuntime) InspectImage(ctx context.Context, ref string) (ImageLabels, error) {
	out, err := p.run(ctx, "image", "inspect", ref)
	if err != nil {
		return ImageLabels{}, &RuntimeError{Op: "image inspect", Message: err.Error()}
	}

	var decoded []podmanInspectOutput
	if err := json.Unmarshal(out, &decoded); err != nil {
		return ImageLabels{}, fmt.Errorf("decode podman image inspect output: %w", err)
	}
	if len(decoded) == 0 {
		return ImageLabels{}, &RuntimeError{Op: "image inspect", Message: fmt.Sprintf("image %q not found", ref)}
	}

	info := decoded[0]
	return ImageLabels{
		ID:              info.ID,
		Labels:          info.Config.Labels,
		Architecture:    info.Architecture,
		RootFSSizeBytes: info.Size,
	}, nil
}

// MergedFilesystem mounts ref read-only via `podman image mount` and
// returns the path on the host to its merged overlay. Used by the Image
// Inspector to glob for the kernel/initramfs and by the Outer Runner to
// pass the target image's root through to the privileged container.
func (p *PodmanRuntime) MergedFilesystem(ctx context.Context, ref string) (string, error) {
	out, err := p.run(ctx, "image", "mount", ref)
	if err != nil {
		return "", &RuntimeError{Op: "image mount", Message: err.Error()}
	}
	return strings.TrimSpace(string(out)), nil
}

// Run starts a privileged container per RunSpec, shelling out to `podman
// run`. This is the sole call site in the module that starts a container.
func (p *PodmanRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	args := []string{"run"}
	if spec.Detach {
		args = append(args, "--detach")
	} else {
		args = append(args, "--rm")
	}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	if spec.DeviceKVM {
		args = append(args, "--device", "/dev/kvm")
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.Label != "" {
		args = append(args, "--label", spec.Label)
	}
	if spec.HostUsrRO != "" {
		args = append(args, "-v", fmt.Sprintf("/usr:%s:ro", spec.HostUsrRO))
	}
	if spec.TargetRootRO != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/run/bcvk/target-root:ro", spec.TargetRootRO))
	}
	if spec.StorageRO != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", spec.StorageRO, ContainerStoragePath))
	}
	for _, bm := range spec.ExtraBindMounts {
		mode := "rw"
		if bm.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", bm.HostPath, bm.ContainerPath, mode))
	}

	args = append(args, spec.Image)
	args = append(args, spec.Args...)

	logger := p.logger().With("op", "run", "image", spec.Image)
	logger.Debug("invoking container runtime", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, p.Binary, args...)
	if spec.Detach {
		out, err := cmd.Output()
		if err != nil {
			return RunResult{}, &RuntimeError{Op: "run", Message: combinedError(err)}
		}
		return RunResult{ContainerID: strings.TrimSpace(string(out))}, nil
	}

	if spec.Stdin {
		cmd.Stdin = os.Stdin
	}
	if spec.Stdout {
		cmd.Stdout = os.Stdout
	}
	if spec.Stderr {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return RunResult{}, &RuntimeError{Op: "run", Message: err.Error()}
		}
	}
	return RunResult{ContainerID: spec.Name, ExitCode: exitCode}, nil
}

// Wait blocks until the named container exits and returns its exit code.
func (p *PodmanRuntime) Wait(ctx context.Context, containerID string) (int, error) {
	out, err := p.run(ctx, "wait", containerID)
	if err != nil {
		return 0, &RuntimeError{Op: "wait", Message: err.Error()}
	}
	var code int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &code); err != nil {
		return 0, fmt.Errorf("parse podman wait output %q: %w", out, err)
	}
	return code, nil
}

// Remove removes a stopped (or force-stops and removes) a container.
func (p *PodmanRuntime) Remove(ctx context.Context, containerID string) error {
	if _, err := p.run(ctx, "rm", "-f", containerID); err != nil {
		return &RuntimeError{Op: "rm", Message: err.Error()}
	}
	return nil
}

// Signal forwards a named signal to the running container's pid 1,
// implementing the single, idempotent shutdown path of spec.md §5.
func (p *PodmanRuntime) Signal(ctx context.Context, containerID string, signal string) error {
	if _, err := p.run(ctx, "kill", "--signal", signal, containerID); err != nil {
		return &RuntimeError{Op: "kill", Message: err.Error()}
	}
	return nil
}

// ListByLabel enumerates container ids carrying label, used by the stray-
// resource cleanup sweep (spec.md §7.6).
func (p *PodmanRuntime) ListByLabel(ctx context.Context, label string) ([]string, error) {
	out, err := p.run(ctx, "ps", "-a", "--filter", "label="+label, "--format", "{{.ID}}")
	if err != nil {
		return nil, &RuntimeError{Op: "ps", Message: err.Error()}
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Cleanup removes every container carrying label, logging and continuing
// past individual removal failures rather than aborting the sweep
// (spec.md §7.6: cleanup errors are warned, never fatal).
func Cleanup(ctx context.Context, rt Runtime, label string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("op", "cleanup", "label", label)
	ids, err := rt.ListByLabel(ctx, label)
	if err != nil {
		return fmt.Errorf("list stray containers: %w", err)
	}
	for _, id := range ids {
		if err := rt.Remove(ctx, id); err != nil {
			logger.Warn("failed to remove stray container", "container", id, "error", err)
			continue
		}
		logger.Info("removed stray container", "container", id)
	}
	return nil
}

func (p *PodmanRuntime) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func combinedError(err error) string {
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return err.Error()
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
