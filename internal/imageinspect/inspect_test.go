package imageinspect

import (
	"context"
	"errors"
	"testing"

	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	labels containerrt.ImageLabels
	merged string
	err    error
}

func (f fakeRuntime) InspectImage(context.Context, string) (containerrt.ImageLabels, error) {
	return f.labels, f.err
}

func (f fakeRuntime) MergedFilesystem(context.Context, string) (string, error) {
	return f.merged, nil
}

type fakeFS struct {
	globResult []string
	missing    map[string]bool
}

func (f fakeFS) Glob(string) ([]string, error) { return f.globResult, nil }

func (f fakeFS) Stat(path string) (bool, error) {
	return !f.missing[path], nil
}

func TestInspectRejectsMissingBootcLabel(t *testing.T) {
	rt := fakeRuntime{labels: containerrt.ImageLabels{Labels: map[string]string{}}}
	_, err := Inspect(context.Background(), "docker.io/library/alpine:latest", rt, fakeFS{}, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrNotBootc, typed.Kind)
}

func TestInspectRejectsWrongLabelValue(t *testing.T) {
	rt := fakeRuntime{labels: containerrt.ImageLabels{Labels: map[string]string{BootcLabel: "0"}}}
	_, err := Inspect(context.Background(), "example/image", rt, fakeFS{}, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrNotBootc, typed.Kind)
}

func TestInspectRequiresExactlyOneKernel(t *testing.T) {
	rt := fakeRuntime{
		labels: containerrt.ImageLabels{
			Labels:       map[string]string{BootcLabel: BootcLabelValue},
			Architecture: "amd64",
		},
		merged: "/run/merged",
	}
	fsys := fakeFS{globResult: []string{
		"/run/merged/usr/lib/modules/a/vmlinuz",
		"/run/merged/usr/lib/modules/b/vmlinuz",
	}}
	_, err := Inspect(context.Background(), "example/image", rt, fsys, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrKernelNotFound, typed.Kind)
}

func TestInspectRequiresInitramfs(t *testing.T) {
	rt := fakeRuntime{
		labels: containerrt.ImageLabels{
			Labels:       map[string]string{BootcLabel: BootcLabelValue},
			Architecture: "amd64",
		},
		merged: "/run/merged",
	}
	fsys := fakeFS{
		globResult: []string{"/run/merged/usr/lib/modules/a/vmlinuz"},
		missing:    map[string]bool{"/run/merged/usr/lib/modules/a/initramfs.img": true},
	}
	_, err := Inspect(context.Background(), "example/image", rt, fsys, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrInitramfsNotFound, typed.Kind)
}

func TestInspectRejectsUnsupportedArch(t *testing.T) {
	rt := fakeRuntime{
		labels: containerrt.ImageLabels{
			Labels:       map[string]string{BootcLabel: BootcLabelValue},
			Architecture: "sparc64",
		},
		merged: "/run/merged",
	}
	fsys := fakeFS{globResult: []string{"/run/merged/usr/lib/modules/a/vmlinuz"}}
	_, err := Inspect(context.Background(), "example/image", rt, fsys, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrArchUnsupported, typed.Kind)
}

func TestInspectSurfacesImageNotFound(t *testing.T) {
	rt := fakeRuntime{err: errors.New("no such image")}
	_, err := Inspect(context.Background(), "missing/image", rt, fakeFS{}, nil)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrImageNotFound, typed.Kind)
}
