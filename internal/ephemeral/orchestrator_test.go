package ephemeral

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cgwalters/bcvk/internal/cache"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/imageinspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	inspected containerrt.ImageLabels
	ranSpec   containerrt.RunSpec
	runResult containerrt.RunResult
	runErr    error
	waitCode  int
	waitErr   error
	removed   []string
}

func (f *fakeRuntime) InspectImage(context.Context, string) (containerrt.ImageLabels, error) {
	return f.inspected, nil
}
func (f *fakeRuntime) Run(_ context.Context, spec containerrt.RunSpec) (containerrt.RunResult, error) {
	f.ranSpec = spec
	return f.runResult, f.runErr
}
func (f *fakeRuntime) Wait(context.Context, string) (int, error) { return f.waitCode, f.waitErr }
func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeRuntime) ListByLabel(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeRuntime) Signal(context.Context, string, string) error          { return nil }

// fakeInspector implements imageinspect.Inspecting via the runtime fake,
// plus a fixed merged filesystem path.
type fakeInspector struct {
	*fakeRuntime
	merged string
}

func (f fakeInspector) MergedFilesystem(context.Context, string) (string, error) {
	return f.merged, nil
}

type fakeFS struct{}

func (fakeFS) Glob(string) ([]string, error) { return []string{"/merged/usr/lib/modules/a/vmlinuz"}, nil }
func (fakeFS) Stat(string) (bool, error)      { return true, nil }

func newTestOrchestrator(t *testing.T, rt *fakeRuntime) *Orchestrator {
	t.Helper()
	cacheRoot, err := cache.New(t.TempDir())
	require.NoError(t, err)

	return &Orchestrator{
		Runtime:   rt,
		Inspector: fakeInspector{fakeRuntime: rt, merged: "/merged"},
		FS:        fakeFS{},
		Cache:     cacheRoot,
		Self:      SelfImage{Reference: "quay.io/example/bcvk:latest"},
		Label:     "bcvk=1",
	}
}

func TestOrchestratorRunHappyPathForeground(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c1"},
		waitCode:  0,
	}
	o := newTestOrchestrator(t, rt)

	req := New()
	req.AutoRemove = true

	instance, err := o.Run(context.Background(), "example/image:latest", req)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, instance.Status)
	assert.Equal(t, 0, instance.ExitCode)
	assert.Equal(t, []string{"c1"}, rt.removed)
	assert.True(t, rt.ranSpec.Privileged)
	assert.True(t, rt.ranSpec.DeviceKVM)
	assert.Equal(t, "/merged", rt.ranSpec.TargetRootRO)
}

func TestOrchestratorRunDetachedReturnsImmediately(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c2"},
	}
	o := newTestOrchestrator(t, rt)

	req := New()
	req.Detach = true

	instance, err := o.Run(context.Background(), "example/image:latest", req)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, instance.Status)
	assert.Equal(t, "c2", instance.ContainerID)
}

func TestOrchestratorRunRejectsNonBootcImage(t *testing.T) {
	rt := &fakeRuntime{inspected: containerrt.ImageLabels{Labels: map[string]string{}}}
	o := newTestOrchestrator(t, rt)

	_, err := o.Run(context.Background(), "example/image:latest", New())
	require.Error(t, err)
}

func TestOrchestratorGeneratesKeypairAndCredential(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runResult: containerrt.RunResult{ContainerID: "c3"},
	}
	o := newTestOrchestrator(t, rt)

	req := New()
	req.Detach = true
	req.GenerateKeypair = true

	instance, err := o.Run(context.Background(), "example/image:latest", req)
	require.NoError(t, err)
	require.NotEmpty(t, instance.PrivateKeyPath)
	require.Len(t, instance.Credentials, 1)
	assert.Equal(t, "ssh.authorized_keys.root", instance.Credentials[0].Name)
}

func TestOrchestratorRemovesGeneratedKeyWhenStartFails(t *testing.T) {
	rt := &fakeRuntime{
		inspected: containerrt.ImageLabels{
			ID:           "sha256:abcdef0123456789",
			Labels:       map[string]string{imageinspect.BootcLabel: imageinspect.BootcLabelValue},
			Architecture: "amd64",
		},
		runErr: assert.AnError,
	}
	o := newTestOrchestrator(t, rt)

	req := New()
	req.GenerateKeypair = true

	_, err := o.Run(context.Background(), "example/image:latest", req)
	require.Error(t, err)

	entries, readErr := os.ReadDir(filepath.Join(o.Cache.Dir, "instances"))
	require.NoError(t, readErr)
	assert.Empty(t, entries, "generated private key directory should be reclaimed when the start fails")
}
