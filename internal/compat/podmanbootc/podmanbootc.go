// Package podmanbootc is a thin translation shim from legacy
// podman-bootc-style verbs (`pb ssh`, `pb list`, `pb start`, ...) onto
// bcvk's manager-first internal/persistent API. Per spec.md §9's open
// question, it resolves the question in the manager-first direction:
// this package never treats a local registry as the source of truth
// for a VM's existence or state — every verb queries the hypervisor
// manager through Controller. A local legacy registry, when present, is
// consulted only to backfill a display field (the SSH port) that the
// manager's own domain metadata doesn't carry, never to decide whether a
// VM exists or is running.
package podmanbootc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cgwalters/bcvk/internal/persistent"
)

// RunOptions mirrors the legacy `pb run` flags.
type RunOptions struct {
	Image       string
	Name        string
	MemoryMB    int
	VCPUs       int
	DiskSizeGB  int
	Filesystem  string
	PortMappings []string
	Volumes     []string
	Network     string
	Detach      bool
	SSH         bool
}

// SSHOptions mirrors the legacy `pb ssh` flags.
type SSHOptions struct {
	Name    string
	Command string
	Args    []string
}

// ListOptions mirrors the legacy `pb list` flags.
type ListOptions struct {
	Format string
	All    bool
}

// StopOptions mirrors the legacy `pb stop` flags.
type StopOptions struct {
	Name    string
	Force   bool
	Timeout time.Duration
}

// StartOptions mirrors the legacy `pb start` flags.
type StartOptions struct {
	Name string
	SSH  bool
}

// RemoveOptions mirrors the legacy `pb remove` flags.
type RemoveOptions struct {
	Name  string
	Force bool
	Stop  bool
}

// VMSummary is what `pb list`/`pb inspect` render, assembled from
// persistent.DomainRecord; only SSHPort is backfilled from the legacy
// registry, and only when the domain declares none.
type VMSummary struct {
	Name        string
	Running     bool
	SourceImage string
	SSHPort     int
}

// Shim translates legacy verbs into Controller calls.
type Shim struct {
	Controller *persistent.Controller
	// LegacyRegistryPath, if non-empty, points at a podman-bootc-style
	// JSON registry file consulted only for display enrichment (see
	// package doc). Leaving it empty is always safe.
	LegacyRegistryPath string
}

// List implements `pb list`: the bcvk-owned domains the manager knows,
// filtered to running-only unless opts.All.
func (s *Shim) List(ctx context.Context, opts ListOptions) ([]VMSummary, error) {
	records, err := s.Controller.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("podmanbootc: list: %w", err)
	}

	legacy, _ := s.readLegacyRegistry()

	out := make([]VMSummary, 0, len(records))
	for _, rec := range records {
		running := rec.State == persistent.StateRunning
		if !opts.All && !running {
			continue
		}
		summary := VMSummary{
			Name:        rec.Name,
			Running:     running,
			SourceImage: rec.SourceImage,
			SSHPort:     rec.SSHPort,
		}
		if summary.SSHPort == 0 {
			if entry, ok := legacy[rec.Name]; ok && entry.SSHPort != nil {
				summary.SSHPort = *entry.SSHPort
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// Inspect implements `pb inspect`: the single named domain's summary.
func (s *Shim) Inspect(ctx context.Context, name string) (VMSummary, error) {
	summaries, err := s.List(ctx, ListOptions{All: true})
	if err != nil {
		return VMSummary{}, err
	}
	for _, summary := range summaries {
		if summary.Name == name {
			return summary, nil
		}
	}
	return VMSummary{}, fmt.Errorf("podmanbootc: no such VM %q", name)
}

// SSH implements `pb ssh`: resolve connection info from the manager,
// backfilling the port from the legacy registry only if the manager's
// own domain metadata didn't declare one.
func (s *Shim) SSH(ctx context.Context, opts SSHOptions) (host string, port int, keyPath string, err error) {
	host, port, keyPath, err = s.Controller.SSH(ctx, opts.Name)
	if err == nil {
		return host, port, keyPath, nil
	}

	records, listErr := s.Controller.List(ctx, false)
	if listErr != nil {
		return "", 0, "", err
	}
	declared := false
	for _, rec := range records {
		if rec.Name == opts.Name && rec.State == persistent.StateRunning && rec.SSHPort == 0 {
			declared = true
		}
	}
	if !declared {
		return "", 0, "", err
	}

	legacy, legacyErr := s.readLegacyRegistry()
	if legacyErr != nil {
		return "", 0, "", err
	}
	entry, ok := legacy[opts.Name]
	if !ok || entry.SSHPort == nil {
		return "", 0, "", err
	}
	return "127.0.0.1", *entry.SSHPort, "", nil
}

// Start implements `pb start`.
func (s *Shim) Start(ctx context.Context, opts StartOptions) error {
	if err := s.Controller.Start(ctx, opts.Name); err != nil {
		return fmt.Errorf("podmanbootc: start: %w", err)
	}
	return nil
}

// Stop implements `pb stop`.
func (s *Shim) Stop(ctx context.Context, opts StopOptions) error {
	if err := s.Controller.Stop(ctx, opts.Name); err != nil {
		return fmt.Errorf("podmanbootc: stop: %w", err)
	}
	return nil
}

// Remove implements `pb remove`. Unlike the legacy implementation's own
// registry bookkeeping, there is nothing left to clean up locally once
// Controller.Remove succeeds — the manager is the only source of truth.
func (s *Shim) Remove(ctx context.Context, opts RemoveOptions) error {
	if opts.Stop {
		if err := s.Controller.Stop(ctx, opts.Name); err != nil && !opts.Force {
			return fmt.Errorf("podmanbootc: stop before remove: %w", err)
		}
	}
	if err := s.Controller.Remove(ctx, opts.Name); err != nil {
		return fmt.Errorf("podmanbootc: remove: %w", err)
	}
	return nil
}

// legacyRegistryEntry is the subset of the legacy VmMetadata shape this
// package reads back for display enrichment.
type legacyRegistryEntry struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	SSHPort *int   `json:"ssh_port"`
}

func (s *Shim) readLegacyRegistry() (map[string]legacyRegistryEntry, error) {
	if s.LegacyRegistryPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.LegacyRegistryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("podmanbootc: read legacy registry: %w", err)
	}
	var entries map[string]legacyRegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("podmanbootc: decode legacy registry: %w", err)
	}
	return entries, nil
}
