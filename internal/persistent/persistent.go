// Package persistent implements spec.md §4.J: uploading disk artifacts
// into a named libvirt storage pool, creating/starting/stopping/removing
// domains through the manager, and enumerating domains by querying the
// manager directly — never a local cache.
package persistent

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cgwalters/bcvk/internal/libvirtdomain"
	"github.com/cgwalters/bcvk/internal/logging"
)

// Error is the typed failure this package surfaces, matching the
// Op/Message shape already established by internal/containerrt's
// RuntimeError.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("persistent: %s: %s", e.Op, e.Message)
}

// State is a domain's declared run state, matching spec.md §3's "Domain
// record" field of the same name.
type State string

const (
	StateRunning  State = "running"
	StateShutOff  State = "shut-off"
	StatePaused   State = "paused"
	StateOther    State = "other"
	StateUnknown  State = "unknown"
)

// DomainRecord is the live view of a domain, obtained by querying the
// manager and parsing its domain definition (spec.md §3).
type DomainRecord struct {
	Name        string
	State       State
	SourceImage string // empty means "not one of ours"
	SSHPort     int    // 0 means no port forward declared
	SSHKeyPath  string
}

// IsOurs implements spec.md §3's invariant: "a domain record's 'ours'
// bit is derived solely from the metadata block. No heuristics on
// names, paths, or tags."
func (r DomainRecord) IsOurs() bool {
	return r.SourceImage != ""
}

// StopGracePeriod bounds how long Stop waits for a graceful shutdown
// before escalating to Destroy, mirroring the Emulator Launcher's own
// grace-period pattern (internal/qemu.GracePeriod).
const StopGracePeriod = 30 * time.Second

// Controller wraps a manager connection. LibvirtConnection is the only
// production implementation of Connection; tests substitute a fake.
type Controller struct {
	Conn   Connection
	Logger *slog.Logger
	// PoolTargetPath is the on-disk directory backing PoolName, used by
	// Upload to place the artifact where the pool's volumes live. The
	// pool definition's own <target path> is not re-derived by parsing
	// pool XML — the caller already knows it from provisioning the pool.
	PoolTargetPath string
	PoolName       string
}

func (c *Controller) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "persistent")
}

// Upload implements spec.md §4.J's first verb: copy path into the named
// storage pool's backing directory, then ask the manager to rescan so
// the new volume is visible through its own API, matching the teacher's
// own preference for manager-mediated state over ad hoc bookkeeping.
func (c *Controller) Upload(ctx context.Context, path string) (string, error) {
	dest := filepath.Join(c.PoolTargetPath, filepath.Base(path))

	if err := copyFile(path, dest); err != nil {
		return "", &Error{Op: "upload", Message: err.Error()}
	}

	pool, err := c.Conn.LookupStoragePoolByName(c.PoolName)
	if err != nil {
		return "", &Error{Op: "upload", Message: fmt.Sprintf("lookup pool %q: %v", c.PoolName, err)}
	}
	defer pool.Free()
	if err := pool.Refresh(); err != nil {
		return "", &Error{Op: "upload", Message: fmt.Sprintf("refresh pool %q: %v", c.PoolName, err)}
	}

	c.logger().Info("uploaded disk artifact", "path", path, "dest", dest, "pool", c.PoolName)
	return dest, nil
}

// Create implements spec.md §4.J: render desc via the Domain Translator
// and define it through the manager.
func (c *Controller) Create(ctx context.Context, desc libvirtdomain.DomainDescriptor) (string, error) {
	xml, err := libvirtdomain.Render(desc)
	if err != nil {
		return "", &Error{Op: "create", Message: err.Error()}
	}

	domain, err := c.Conn.DomainDefineXML(string(xml))
	if err != nil {
		return "", &Error{Op: "create", Message: err.Error()}
	}
	defer domain.Free()

	c.logger().Info("defined domain", "name", desc.Name)
	return desc.Name, nil
}

// Start powers on a previously-defined, inactive domain.
func (c *Controller) Start(ctx context.Context, name string) error {
	domain, err := c.Conn.LookupDomainByName(name)
	if err != nil {
		return &Error{Op: "start", Message: err.Error()}
	}
	defer domain.Free()

	if err := domain.Create(); err != nil {
		return &Error{Op: "start", Message: err.Error()}
	}
	return nil
}

// Stop requests a graceful shutdown, escalating to a forced Destroy
// after StopGracePeriod, mirroring the Emulator Launcher's own
// shutdown-then-force-kill shape (internal/qemu.Launcher.Run).
func (c *Controller) Stop(ctx context.Context, name string) error {
	domain, err := c.Conn.LookupDomainByName(name)
	if err != nil {
		return &Error{Op: "stop", Message: err.Error()}
	}
	defer domain.Free()

	active, err := domain.IsActive()
	if err != nil {
		return &Error{Op: "stop", Message: err.Error()}
	}
	if !active {
		return nil
	}

	if err := domain.Shutdown(); err != nil {
		return &Error{Op: "stop", Message: err.Error()}
	}

	deadline := time.Now().Add(StopGracePeriod)
	for time.Now().Before(deadline) {
		active, err := domain.IsActive()
		if err != nil {
			return &Error{Op: "stop", Message: err.Error()}
		}
		if !active {
			return nil
		}
		select {
		case <-ctx.Done():
			return &Error{Op: "stop", Message: ctx.Err().Error()}
		case <-time.After(time.Second):
		}
	}

	c.logger().Warn("shutdown grace period elapsed, forcing destroy", "domain", name)
	if err := domain.Destroy(); err != nil {
		return &Error{Op: "stop", Message: err.Error()}
	}
	return nil
}

// Remove undefines a domain, force-stopping it first if still active.
func (c *Controller) Remove(ctx context.Context, name string) error {
	domain, err := c.Conn.LookupDomainByName(name)
	if err != nil {
		return &Error{Op: "remove", Message: err.Error()}
	}
	defer domain.Free()

	if active, err := domain.IsActive(); err == nil && active {
		if err := domain.Destroy(); err != nil {
			return &Error{Op: "remove", Message: err.Error()}
		}
	}
	if err := domain.Undefine(); err != nil {
		return &Error{Op: "remove", Message: err.Error()}
	}
	return nil
}

// List implements spec.md §4.J's enumeration verb: query the manager
// directly for every defined domain and parse each one's own XML back
// out, rather than keep a local cache — so List never drifts from what
// the manager actually holds. Per spec.md §4.J, List keeps only domains
// bcvk recognizes as its own (DomainRecord.IsOurs) unless onlyOurs is
// false, which a caller implementing `libvirt list --all` passes to see
// every domain the manager knows about, bcvk-owned or not.
func (c *Controller) List(ctx context.Context, onlyOurs bool) ([]DomainRecord, error) {
	domains, err := c.Conn.ListAllDomains()
	if err != nil {
		return nil, &Error{Op: "list", Message: err.Error()}
	}

	records := make([]DomainRecord, 0, len(domains))
	for _, domain := range domains {
		rec, err := describeDomain(domain)
		domain.Free()
		if err != nil {
			return nil, &Error{Op: "list", Message: err.Error()}
		}
		if onlyOurs && !rec.IsOurs() {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// SSH implements spec.md §4.J's connection-info verb: resolve the
// host/port/key a caller needs to reach a running domain over SSH. The
// port and source-image/key-path provenance come from the domain's own
// metadata and port-forward declaration (written by the Domain
// Translator at create time) — not from a QEMU guest-agent exec round
// trip, since reaching a live IP/port needs no command execution, only
// address lookup.
func (c *Controller) SSH(ctx context.Context, name string) (host string, port int, keyPath string, err error) {
	domain, lookupErr := c.Conn.LookupDomainByName(name)
	if lookupErr != nil {
		return "", 0, "", &Error{Op: "ssh", Message: lookupErr.Error()}
	}
	defer domain.Free()

	rec, descErr := describeDomain(domain)
	if descErr != nil {
		return "", 0, "", &Error{Op: "ssh", Message: descErr.Error()}
	}
	if rec.State != StateRunning {
		return "", 0, "", &Error{Op: "ssh", Message: fmt.Sprintf("domain %q is not running", name)}
	}
	if rec.SSHPort == 0 {
		return "", 0, "", &Error{Op: "ssh", Message: fmt.Sprintf("domain %q declares no user-mode SSH port forward", name)}
	}
	return "127.0.0.1", rec.SSHPort, rec.SSHKeyPath, nil
}

// domainXML is the subset of libvirt domain XML this package decodes
// back out: just enough to recover a DomainRecord, mirroring the
// Domain Translator's own flattened DomainDescriptor shape in reverse.
type domainXML struct {
	Name     string `xml:"name"`
	Metadata struct {
		Info struct {
			SourceImage string `xml:"source-image,attr"`
			SSHKeyPath  string `xml:"ssh-key-path,attr"`
		} `xml:"https://github.com/cgwalters/bcvk info"`
	} `xml:"metadata"`
	Devices struct {
		Interfaces []struct {
			Type         string `xml:"type,attr"`
			PortForwards []struct {
				Proto string `xml:"proto,attr"`
				Range []struct {
					Start int `xml:"start,attr"`
					To    int `xml:"to,attr"`
				} `xml:"range"`
			} `xml:"portForward"`
		} `xml:"interface"`
	} `xml:"devices"`
}

func describeDomain(domain Domain) (DomainRecord, error) {
	name, err := domain.GetName()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("get domain name: %w", err)
	}

	active, err := domain.IsActive()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("get domain %q state: %w", name, err)
	}
	state := StateShutOff
	if active {
		state = StateRunning
	}

	rawXML, err := domain.GetXMLDesc()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("get domain %q XML: %w", name, err)
	}

	var parsed domainXML
	if err := xml.Unmarshal([]byte(rawXML), &parsed); err != nil {
		return DomainRecord{}, fmt.Errorf("parse domain %q XML: %w", name, err)
	}

	rec := DomainRecord{
		Name:        name,
		State:       state,
		SourceImage: parsed.Metadata.Info.SourceImage,
		SSHKeyPath:  parsed.Metadata.Info.SSHKeyPath,
	}
	for _, iface := range parsed.Devices.Interfaces {
		if iface.Type != "user" {
			continue
		}
		for _, pf := range iface.PortForwards {
			if pf.Proto != "tcp" {
				continue
			}
			for _, r := range pf.Range {
				if r.To == 22 && r.Start != 0 {
					rec.SSHPort = r.Start
				}
			}
		}
	}
	return rec, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %q: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination %q: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}
