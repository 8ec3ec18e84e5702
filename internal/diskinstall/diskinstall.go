// Package diskinstall implements spec.md §4.H: producing a bootable disk
// artifact from a bootc image by specializing the Ephemeral Orchestrator
// (4.G) with a blank target disk, a read-only host-storage pass-through,
// and a one-shot installer unit, then waiting for the VM to power off.
package diskinstall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/cgwalters/bcvk/internal/ephemeral"
	"github.com/cgwalters/bcvk/internal/hostexec"
	"github.com/cgwalters/bcvk/internal/imageinspect"
	"github.com/cgwalters/bcvk/internal/logging"
)

// Format is the target disk file's on-disk format.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatQCOW2 Format = "qcow2"
)

// SafetyFactor is the minimum multiple of the estimated root filesystem
// size the resolved disk size must be (spec.md §4.H step 1).
const SafetyFactor = 2

// MinimumDiskSizeBytes is the floor applied after rounding (spec.md §4.H
// step 1's "floor (e.g., 10 GiB)").
const MinimumDiskSizeBytes = 10 * 1024 * 1024 * 1024

// gigabyte is the rounding boundary for the resolved disk size.
const gigabyte = 1024 * 1024 * 1024

// installStatusTag is the side-channel tag the one-shot unit reports
// success or failure on.
const installStatusTag = "install-status"

// outputDiskTag is the disk-attach tag the attached block device carries,
// matching the stable in-guest name /dev/disk/by-id/virtio-output that
// generateBootcInstallCommand in unit.go targets.
const outputDiskTag = "output"

// Options mirrors the installer's bootc-facing knobs (filesystem, root
// size, storage path override).
type Options struct {
	Filesystem      string // "" leaves bootc's own default in place
	RootSizeBytes   int64  // 0 means unset
	StoragePathHost string // "" auto-detects via the outer runner's default
}

// Request is one disk-install invocation.
type Request struct {
	SourceImage          string
	TargetDiskPath       string
	DiskSizeBytes        int64 // 0 triggers automatic resolution
	Format               Format
	Options              Options
	Labels               map[string]string
	ConsoleAttach        bool
	KeepPartialOnFailure bool
}

// Manifest is the YAML sidecar written next to a successfully produced
// disk artifact (spec.md §4.H step 5, resolving the Open Question toward
// a sidecar manifest — see DESIGN.md).
type Manifest struct {
	SourceImage string            `yaml:"source_image"`
	ImageID     string            `yaml:"image_id"`
	Format      Format            `yaml:"format"`
	Filesystem  string            `yaml:"filesystem,omitempty"`
	CreatedAt   string            `yaml:"created_at"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// Result is returned on a successful install.
type Result struct {
	DiskSizeBytes int64
	ManifestPath  string
	Manifest      Manifest
}

// Error is the typed failure surfaced by Install (spec.md §4.H step 6).
type Error struct {
	Op      string
	Message string
	// PartialFileKept records whether the caller chose to preserve the
	// partially-written disk file for diagnosis.
	PartialFileKept bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("diskinstall: %s: %s", e.Op, e.Message)
}

// Installer wires the Ephemeral Orchestrator and Image Inspector together
// to implement Install.
type Installer struct {
	Orchestrator *ephemeral.Orchestrator
	Inspector    imageinspect.Inspecting
	Logger       *slog.Logger
	// QEMUImgBinary overrides the qemu-img binary used for qcow2 target
	// creation. Defaults to "qemu-img".
	QEMUImgBinary string
	// ProgressWriter receives the blank-disk-creation progress bar;
	// nil suppresses it.
	ProgressWriter io.Writer
}

// Install implements spec.md §4.H's six steps end to end.
func (inst *Installer) Install(ctx context.Context, req Request) (Result, error) {
	logger := logging.Ensure(inst.Logger).With("component", "diskinstall", "image", req.SourceImage)

	if req.Format == "" {
		req.Format = FormatRaw
	}

	// Step 1: resolve disk size.
	sizeBytes := req.DiskSizeBytes
	estimate, estErr := inst.estimateSourceSize(ctx, req.SourceImage)
	if estErr != nil {
		logger.Warn("size estimate unavailable, using minimum floor", "error", estErr)
	}
	if sizeBytes == 0 {
		sizeBytes = ResolveDiskSize(estimate)
	} else if estErr == nil && estimate > 0 && sizeBytes < estimate {
		return Result{}, &ConfigError{Kind: ErrSizeBelowEstimate, RequestedBytes: sizeBytes, EstimateBytes: estimate}
	}

	// Step 2: create the target file.
	if err := inst.createTargetFile(ctx, req.TargetDiskPath, sizeBytes, req.Format, logger); err != nil {
		return Result{}, &Error{Op: "create target disk", Message: err.Error()}
	}

	// Step 3: compose the one-shot installer unit and its side channel.
	unitDir, statusPath, err := prepareInstallerUnit(req)
	if err != nil {
		return Result{}, inst.fail(req, "compose installer unit", err)
	}
	defer os.RemoveAll(unitDir)
	defer os.Remove(statusPath)

	// Step 4: invoke the Ephemeral Orchestrator.
	runReq := ephemeral.New()
	runReq.Disks = []ephemeral.DiskAttachment{{HostFile: req.TargetDiskPath, Tag: outputDiskTag}}
	runReq.HostStorageRO = true
	runReq.InjectedUnitDir = unitDir
	runReq.SideChannels = []ephemeral.SideChannel{{Tag: installStatusTag, HostFile: statusPath}}
	runReq.Network = ephemeral.NetworkNone
	runReq.ConsoleAttach = req.ConsoleAttach
	runReq.ExtraKernelArgs = []string{"systemd.default_target=poweroff.target"}
	runReq.AutoRemove = true

	instance, runErr := inst.Orchestrator.Run(ctx, req.SourceImage, runReq)
	if runErr != nil {
		return Result{}, inst.fail(req, "run installer VM", runErr)
	}

	// Step 6: a non-zero exit is always a failure, regardless of what the
	// side channel says.
	if instance.ExitCode != 0 {
		return Result{}, inst.fail(req, "installer VM", fmt.Errorf("exited with code %d", instance.ExitCode))
	}

	status, statusErr := hostexec.ReadStatusFile(statusPath)
	if statusErr != nil && statusErr != hostexec.ErrNoStatus {
		logger.Warn("could not read install-status side channel", "error", statusErr)
	}
	if statusErr == nil && !status.OK {
		return Result{}, inst.fail(req, "installer reported failure", fmt.Errorf("%s", status.Reason))
	}

	// Step 5: label the disk with a YAML sidecar manifest.
	manifest := Manifest{
		SourceImage: req.SourceImage,
		Format:      req.Format,
		Filesystem:  req.Options.Filesystem,
		CreatedAt:   timeNowUTC(),
		Labels:      req.Labels,
	}
	if facts, err := inst.factsFor(ctx, req.SourceImage); err == nil {
		manifest.ImageID = facts.ImageID
	}
	manifestPath := ManifestPath(req.TargetDiskPath)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return Result{}, &Error{Op: "write manifest", Message: err.Error()}
	}

	return Result{DiskSizeBytes: sizeBytes, ManifestPath: manifestPath, Manifest: manifest}, nil
}

// fail implements spec.md §4.H step 6's delete-or-preserve policy.
func (inst *Installer) fail(req Request, op string, cause error) error {
	keep := req.KeepPartialOnFailure
	if !keep {
		if rmErr := os.Remove(req.TargetDiskPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Ensure(inst.Logger).Warn("failed to remove partial disk file", "path", req.TargetDiskPath, "error", rmErr)
		}
	}
	return &Error{Op: op, Message: cause.Error(), PartialFileKept: keep}
}

func (inst *Installer) estimateSourceSize(ctx context.Context, ref string) (int64, error) {
	facts, err := inst.factsFor(ctx, ref)
	if err != nil {
		return 0, err
	}
	return facts.RootFSSizeEstimate, nil
}

func (inst *Installer) factsFor(ctx context.Context, ref string) (imageinspect.Facts, error) {
	labels, err := inst.Inspector.InspectImage(ctx, ref)
	if err != nil {
		return imageinspect.Facts{}, err
	}
	return imageinspect.Facts{ImageID: labels.ID, RootFSSizeEstimate: labels.RootFSSizeBytes}, nil
}

// ResolveDiskSize implements spec.md §4.H step 1's arithmetic: the
// estimate times SafetyFactor, rounded up to a gigabyte boundary, floored
// at MinimumDiskSizeBytes.
func ResolveDiskSize(estimateBytes int64) int64 {
	scaled := estimateBytes * SafetyFactor
	rounded := ((scaled + gigabyte - 1) / gigabyte) * gigabyte
	if rounded < MinimumDiskSizeBytes {
		return MinimumDiskSizeBytes
	}
	return rounded
}

// ManifestPath returns the sidecar manifest path for a given disk path.
func ManifestPath(diskPath string) string {
	return diskPath + ".bcvk.yaml"
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// createTargetFile implements spec.md §4.H step 2. Raw files are created
// sparse via Truncate; qcow2 files are created via `qemu-img create`,
// since Go has no native qcow2 writer and the corpus always shells out to
// qemu-img for this.
func (inst *Installer) createTargetFile(ctx context.Context, path string, sizeBytes int64, format Format, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("target disk already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return err
	}

	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
	}

	bar := progressbar.NewOptions64(sizeBytes,
		progressbar.OptionSetDescription("Creating disk image"),
		progressbar.OptionSetWriter(inst.progressWriter()),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	defer bar.Close()

	switch format {
	case FormatRaw:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := f.Truncate(sizeBytes); err != nil {
			return err
		}
		bar.Set64(sizeBytes)
		return nil
	case FormatQCOW2:
		binary := inst.QEMUImgBinary
		if binary == "" {
			binary = "qemu-img"
		}
		cmd := exec.CommandContext(ctx, binary, "create", "-f", "qcow2", path, fmt.Sprintf("%d", sizeBytes))
		logger.Debug("creating qcow2 disk", "args", strings.Join(cmd.Args, " "))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("qemu-img create: %w: %s", err, strings.TrimSpace(string(out)))
		}
		bar.Set64(sizeBytes)
		return nil
	default:
		return fmt.Errorf("unsupported disk format %q", format)
	}
}

func (inst *Installer) progressWriter() io.Writer {
	if inst.ProgressWriter != nil {
		return inst.ProgressWriter
	}
	return io.Discard
}

// timeNowUTC is isolated so tests can substitute it; production code uses
// the real wall clock.
var timeNowUTC = func() string {
	return time.Now().UTC().Format(time.RFC3339)
}
