package diskinstall

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cgwalters/bcvk/internal/cache"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/ephemeral"
	"github.com/cgwalters/bcvk/internal/hostexec"
	"github.com/cgwalters/bcvk/internal/imageinspect"
)

func TestResolveDiskSizeAppliesSafetyFactorAndGBRounding(t *testing.T) {
	// 6 GiB estimate * 2 = 12 GiB, already on a GB boundary.
	got := ResolveDiskSize(6 * gigabyte)
	assert.Equal(t, int64(12*gigabyte), got)
}

func TestResolveDiskSizeRoundsUpToGBBoundary(t *testing.T) {
	got := ResolveDiskSize(6*gigabyte + 1)
	assert.Equal(t, int64(13*gigabyte), got)
}

func TestResolveDiskSizeAppliesFloor(t *testing.T) {
	got := ResolveDiskSize(1024)
	assert.Equal(t, int64(MinimumDiskSizeBytes), got)
}

func TestManifestPathAppendsSidecarSuffix(t *testing.T) {
	assert.Equal(t, "/tmp/out.img.bcvk.yaml", ManifestPath("/tmp/out.img"))
}

func TestGenerateBootcInstallCommandUsesHostStorageMount(t *testing.T) {
	req := Request{SourceImage: "quay.io/example/bootc:latest"}
	cmds := generateBootcInstallCommand(req)
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[1], "containers-storage:quay.io/example/bootc:latest")
	assert.Contains(t, cmds[1], "/run/virtiofs-mnt-hoststorage")
	assert.Contains(t, cmds[1], "/dev/disk/by-id/virtio-output")
}

func TestInstallerUnitContentReportsFailureOnNonZeroExit(t *testing.T) {
	content := installerUnitContent(Request{SourceImage: "x"})
	assert.Contains(t, content, "FAIL:")
	assert.Contains(t, content, "/dev/virtio-ports/install-status")
	assert.Contains(t, content, "[Install]")
}

// fakeRuntime and fakeFS satisfy the narrow interfaces the Orchestrator
// needs, mirroring internal/ephemeral's own test fakes.
type fakeRuntime struct {
	inspected containerrt.ImageLabels
	runResult containerrt.RunResult
	waitCode  int
	merged    string
}

func (f *fakeRuntime) InspectImage(context.Context, string) (containerrt.ImageLabels, error) {
	return f.inspected, nil
}
func (f *fakeRuntime) MergedFilesystem(context.Context, string) (string, error) { return f.merged, nil }
func (f *fakeRuntime) Run(context.Context, containerrt.RunSpec) (containerrt.RunResult, error) {
	return f.runResult, nil
}
func (f *fakeRuntime) Wait(context.Context, string) (int, error) { return f.waitCode, nil }
func (f *fakeRuntime) Remove(context.Context, string) error      { return nil }
func (f *fakeRuntime) ListByLabel(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeRuntime) Signal(context.Context, string, string) error          { return nil }

type fakeFS struct{}

func (fakeFS) Glob(string) ([]string, error) { return []string{"/merged/usr/lib/modules/a/vmlinuz"}, nil }
func (fakeFS) Stat(string) (bool, error)      { return true, nil }

func newTestInstaller(t *testing.T, rt *fakeRuntime) *Installer {
	t.Helper()
	cacheRoot, err := cache.New(t.TempDir())
	require.NoError(t, err)

	orch := &ephemeral.Orchestrator{
		Runtime:   rt,
		Inspector: rt,
		FS:        fakeFS{},
		Cache:     cacheRoot,
		Self:      ephemeral.SelfImage{Reference: "quay.io/example/bcvk:latest"},
		Label:     "bcvk=1",
	}
	return &Installer{Orchestrator: orch, Inspector: rt}
}

func TestInstallWritesManifestOnCleanExit(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c1"},
		waitCode:  0,
		merged:    "/merged",
	}
	installer := newTestInstaller(t, rt)

	target := filepath.Join(t.TempDir(), "out.img")
	req := Request{SourceImage: "example/image:latest", TargetDiskPath: target, DiskSizeBytes: 64 * 1024 * 1024}

	result, err := installer.Install(context.Background(), req)
	require.NoError(t, err)

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), st.Size())

	data, err := os.ReadFile(result.ManifestPath)
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, "example/image:latest", m.SourceImage)
	assert.Equal(t, "sha256:abcdef0123456789", m.ImageID)
}

func TestInstallRejectsExplicitSizeBelowEstimate(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:              "sha256:abcdef0123456789",
			Labels:          map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture:    "amd64",
			RootFSSizeBytes: 4 * gigabyte,
		},
		merged: "/merged",
	}
	installer := newTestInstaller(t, rt)

	target := filepath.Join(t.TempDir(), "out.img")
	req := Request{SourceImage: "example/image:latest", TargetDiskPath: target, DiskSizeBytes: 1 * gigabyte}

	_, err := installer.Install(context.Background(), req)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrSizeBelowEstimate, cfgErr.Kind)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "no disk file should be created when config validation rejects the request")
}

func TestInstallFailsAndDeletesPartialOnNonZeroExit(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c2"},
		waitCode:  1,
		merged:    "/merged",
	}
	installer := newTestInstaller(t, rt)

	target := filepath.Join(t.TempDir(), "out.img")
	req := Request{SourceImage: "example/image:latest", TargetDiskPath: target, DiskSizeBytes: 64 * 1024 * 1024}

	_, err := installer.Install(context.Background(), req)
	require.Error(t, err)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))

	var diskErr *Error
	require.ErrorAs(t, err, &diskErr)
	assert.False(t, diskErr.PartialFileKept)
}

func TestInstallPreservesPartialWhenRequested(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c3"},
		waitCode:  1,
		merged:    "/merged",
	}
	installer := newTestInstaller(t, rt)

	target := filepath.Join(t.TempDir(), "out.img")
	req := Request{
		SourceImage:          "example/image:latest",
		TargetDiskPath:       target,
		DiskSizeBytes:        64 * 1024 * 1024,
		KeepPartialOnFailure: true,
	}

	_, err := installer.Install(context.Background(), req)
	require.Error(t, err)

	_, statErr := os.Stat(target)
	require.NoError(t, statErr)
}

func TestInstallSucceedsWhenSideChannelIsSilent(t *testing.T) {
	// waitCode 0 but the side-channel capture was never wired up by a
	// fake VM, so ReadStatusFile sees an empty file and Install treats
	// that as "no status reported" rather than failure — confirming a
	// clean-but-silent exit still succeeds.
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c4"},
		waitCode:  0,
		merged:    "/merged",
	}
	installer := newTestInstaller(t, rt)

	target := filepath.Join(t.TempDir(), "out.img")
	req := Request{SourceImage: "example/image:latest", TargetDiskPath: target, DiskSizeBytes: 32 * 1024 * 1024}

	_, err := installer.Install(context.Background(), req)
	require.NoError(t, err)
}

func TestShellReportCommandGroundsInstallerUnitFailureBranch(t *testing.T) {
	cmd := hostexec.ShellReportCommand(installStatusTag, false, "disk full")
	assert.Contains(t, cmd, "FAIL:disk full")
}
