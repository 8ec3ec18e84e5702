package envdetect

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportOKRequiresAllThreeCapabilities(t *testing.T) {
	full := Report{KVMAvailable: true, RuntimeAvailable: true, VirtiofsdAvailable: true}
	assert.True(t, full.OK())

	missingOne := full
	missingOne.VirtiofsdAvailable = false
	assert.False(t, missingOne.OK())
}

func TestFirstMissingReturnsNilWhenOK(t *testing.T) {
	r := Report{KVMAvailable: true, RuntimeAvailable: true, VirtiofsdAvailable: true}
	assert.NoError(t, r.FirstMissing())
}

func TestFirstMissingReportsKVMBeforeOthers(t *testing.T) {
	r := Report{KVMAvailable: false, KVMDetail: "no /dev/kvm", RuntimeAvailable: false}
	err := r.FirstMissing()
	require.Error(t, err)
	var missing *Missing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, CapabilityKVM, missing.Capability)
	assert.Contains(t, err.Error(), "no /dev/kvm")
}

func TestFirstMissingReportsRuntimeWhenKVMOK(t *testing.T) {
	r := Report{KVMAvailable: true, RuntimeAvailable: false, RuntimeDetail: "podman not found"}
	err := r.FirstMissing()
	require.Error(t, err)
	var missing *Missing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, CapabilityContainerRuntime, missing.Capability)
}

func TestFirstMissingReportsVirtiofsdLast(t *testing.T) {
	r := Report{KVMAvailable: true, RuntimeAvailable: true, VirtiofsdAvailable: false, VirtiofsdDetail: "missing"}
	err := r.FirstMissing()
	require.Error(t, err)
	var missing *Missing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, CapabilityVirtiofsd, missing.Capability)
}

func TestCheckFindsBinariesOnPath(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("PATH-based binary detection assumed on linux")
	}
	dir := t.TempDir()
	for _, name := range []string{"fake-runtime", "fake-virtiofsd"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv("PATH", dir)

	r := Check(Options{RuntimeBinary: "fake-runtime", VirtiofsdBinary: "fake-virtiofsd"})
	assert.True(t, r.RuntimeAvailable)
	assert.True(t, r.VirtiofsdAvailable)
	assert.Equal(t, filepath.Join(dir, "fake-runtime"), r.RuntimeBinaryPath)
}

func TestCheckReportsMissingBinaries(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir)

	r := Check(Options{RuntimeBinary: "nonexistent-runtime", VirtiofsdBinary: "nonexistent-virtiofsd"})
	assert.False(t, r.RuntimeAvailable)
	assert.False(t, r.VirtiofsdAvailable)
	assert.Contains(t, r.RuntimeDetail, "nonexistent-runtime")
}

func TestCheckReportsUnconfiguredBinariesAsMissing(t *testing.T) {
	r := Check(Options{})
	assert.False(t, r.RuntimeAvailable)
	assert.False(t, r.VirtiofsdAvailable)
	assert.Contains(t, r.RuntimeDetail, "no runtime binary configured")
}

func TestMissingErrorNamesCapability(t *testing.T) {
	err := &Missing{Capability: CapabilityKVM, Detail: "permission denied"}
	assert.Contains(t, err.Error(), "kvm")
	assert.Contains(t, err.Error(), "permission denied")
}
