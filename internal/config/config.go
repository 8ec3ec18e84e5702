// Package config centralizes the handful of values that are more natural
// as environment overrides than per-invocation flags: the container
// runtime binary, the libvirt connection URI, and the per-user cache root.
package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Defaults mirror the teacher's package-level Default* vars.
const (
	DefaultConnectionURI = "qemu:///system"
	DefaultRuntimeBinary  = "podman"
	DefaultLabelProd      = "bcvk=1"
	DefaultLabelTest      = "bcvk.integration-test=1"
	// DefaultSelfImage is the conventional reference the bcvk binary
	// itself ships in, used by the Outer Runner to start the privileged
	// container that hosts the Inner Supervisor (spec.md §9).
	DefaultSelfImage = "quay.io/cgwalters/bcvk:latest"
)

// LabelFor returns the fleet-cleanup label for production vs. integration
// test runs, per spec.md §4.F.
func LabelFor(isTest bool) string {
	if isTest {
		return DefaultLabelTest
	}
	return DefaultLabelProd
}

// Environment is the set of env-var overridable knobs, parsed once at
// process start by Load.
type Environment struct {
	RuntimeBinary string `env:"BCVK_RUNTIME" envDefault:"podman"`
	ConnectionURI string `env:"BCVK_LIBVIRT_URI" envDefault:"qemu:///system"`
	CacheRoot     string `env:"BCVK_CACHE_DIR"`
	ContainerLabel string `env:"BCVK_LABEL" envDefault:"bcvk=1"`
	SelfImage     string `env:"BCVK_SELF_IMAGE" envDefault:"quay.io/cgwalters/bcvk:latest"`
}

// Load parses BCVK_* environment variables into an Environment, filling in
// a per-user cache root when BCVK_CACHE_DIR is unset.
func Load() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return Environment{}, err
	}
	if e.CacheRoot == "" {
		root, err := defaultCacheRoot()
		if err != nil {
			return Environment{}, err
		}
		e.CacheRoot = root
	}
	return e, nil
}

func defaultCacheRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "bcvk"), nil
}
