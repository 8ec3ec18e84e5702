package main

import (
	"log/slog"

	"github.com/cgwalters/bcvk/internal/cache"
	"github.com/cgwalters/bcvk/internal/config"
	"github.com/cgwalters/bcvk/internal/containerrt"
	"github.com/cgwalters/bcvk/internal/ephemeral"
	"github.com/cgwalters/bcvk/internal/imageinspect"
	"github.com/cgwalters/bcvk/internal/persistent"
)

// newOrchestrator wires components A, B, C/D (via the Inner Supervisor),
// E, and F behind the Ephemeral Orchestrator, per spec.md §4.G.
func newOrchestrator(flags *globalFlags, logger *slog.Logger, isTest bool) (*ephemeral.Orchestrator, error) {
	root, err := cache.New(flags.cacheRoot)
	if err != nil {
		return nil, err
	}
	runtime := containerrt.NewPodman(flags.runtimeBinary, logger)
	return &ephemeral.Orchestrator{
		Runtime:   runtime,
		Inspector: runtime,
		FS:        imageinspect.OSFilesystem{},
		Cache:     root,
		Self: ephemeral.SelfImage{
			Reference: flags.selfImage,
			InnerArgs: innerArgsFor,
		},
		Label:  config.LabelFor(isTest),
		Logger: logger,
	}, nil
}

// newCacheRoot wires the per-user cache directory (spec.md §9 "Global
// state") for callers that need a generated SSH key written down outside
// of a full Orchestrator.Run call, e.g. `libvirt create --ssh-keygen`.
func newCacheRoot(flags *globalFlags) (*cache.Root, error) {
	return cache.New(flags.cacheRoot)
}

// defaultStoragePool and defaultStoragePoolPath are the libvirt storage
// pool bcvk uploads disk volumes into when the caller doesn't name one.
const (
	defaultStoragePool     = "default"
	defaultStoragePoolPath = "/var/lib/libvirt/images"
)

// newController wires the Persistent Controller (spec.md §4.J) against a
// real libvirt connection.
func newController(flags *globalFlags, logger *slog.Logger, poolName string) (*persistent.Controller, error) {
	if poolName == "" {
		poolName = defaultStoragePool
	}
	return persistent.NewController(flags.connectURI, poolName, defaultStoragePoolPath, logger)
}
