// Package cache manages the per-user cache root: generated private keys
// (one directory per instance) and name-allocation lock files. Disk
// artifacts' sidecar manifests are not kept here; internal/diskinstall
// writes them next to the artifact. It is never a source of truth for listing
// persistent VMs — see internal/persistent.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Root is a handle to the per-user cache directory.
type Root struct {
	Dir string

	mu   sync.Mutex
	locks map[string]*os.File
}

// New returns a Root rooted at dir, creating it with user-only permissions
// if it does not exist.
func New(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: empty root directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache root %q: %w", dir, err)
	}
	return &Root{Dir: dir, locks: map[string]*os.File{}}, nil
}

// InstanceDir returns (creating if necessary) the per-run directory used to
// hold a generated private key and any other per-instance state, named by
// the container or domain name that owns it.
func (r *Root) InstanceDir(name string) (string, error) {
	dir := filepath.Join(r.Dir, "instances", name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create instance cache dir %q: %w", dir, err)
	}
	return dir, nil
}

// Lock acquires a process-local advisory lock keyed by name, guarding name
// allocation races between concurrent runs by the same user (spec.md §9).
// The returned func releases it.
func (r *Root) Lock(name string) (func(), error) {
	lockPath := filepath.Join(r.Dir, "locks", name+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	r.mu.Lock()
	if _, held := r.locks[name]; held {
		r.mu.Unlock()
		return nil, fmt.Errorf("cache: lock %q already held by this process", name)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("open lock file %q: %w", lockPath, err)
	}
	if err := flock(f); err != nil {
		f.Close()
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	r.locks[name] = f
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if held, ok := r.locks[name]; ok {
			_ = funlock(held)
			held.Close()
			delete(r.locks, name)
		}
	}, nil
}

// WritePrivateKey persists a generated SSH private key with user-only read
// permissions before the owning process starts, per spec.md §3's invariant
// "Any run that creates a generated keypair MUST persist the private key
// before the container starts".
func (r *Root) WritePrivateKey(instanceDir string, key []byte) (string, error) {
	path := filepath.Join(instanceDir, "id_ed25519")
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	return path, nil
}

// RemoveInstanceDir reclaims a per-run directory created by InstanceDir,
// used when a run fails or is cancelled before it produces anything worth
// keeping (spec.md §5's cancellation semantics: partially-created private
// keys are reclaimed).
func (r *Root) RemoveInstanceDir(name string) error {
	dir := filepath.Join(r.Dir, "instances", name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove instance cache dir %q: %w", dir, err)
	}
	return nil
}
