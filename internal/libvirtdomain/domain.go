// Package libvirtdomain implements spec.md §4.I: rendering a hypervisor
// manager domain definition from a DomainDescriptor, as pure, idempotent
// XML generation with no I/O.
package libvirtdomain

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	_ "embed"

	"github.com/cgwalters/bcvk/internal/credentials"
)

//go:embed domain.xml.tmpl
var domainTemplateSrc string

var domainTemplate = template.Must(template.New("domain").Parse(domainTemplateSrc))

// DomainDescriptor is the value object spec.md §3 names: a domain name,
// its resource shape, a disk-volume reference, an optional user-mode SSH
// port forward, optional firmware-credential attachments carrying a
// generated public key, and the source-image metadata block.
type DomainDescriptor struct {
	Name            string
	MemoryBytes     int64
	VCPUs           int
	DiskPath        string
	DiskFormat      string // "raw" or "qcow2"; defaults to "raw"
	UserModeSSHPort int    // 0 omits the port-forward interface
	Credentials     []credentials.Credential
	SourceImage     string
	SSHKeyPath      string // metadata only; empty omits the attribute
}

// templateData is the flattened, escaped shape the template actually
// walks — kept separate from DomainDescriptor so Render owns all
// validation and escaping in one place.
type templateData struct {
	Name            string
	MemoryKiB       int64
	VCPUs           int
	DiskPath        string
	DiskFormat      string
	UserModeSSHPort int
	Credentials     []string
	SourceImage     string
	SSHKeyPath      string
}

// Render implements spec.md §4.I: same input, identical output bytes,
// every time.
func Render(desc DomainDescriptor) ([]byte, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("libvirtdomain: domain name is required")
	}
	if desc.MemoryBytes <= 0 {
		return nil, fmt.Errorf("libvirtdomain: memory must be positive")
	}
	if desc.VCPUs < 1 {
		return nil, fmt.Errorf("libvirtdomain: vCPU count must be at least 1")
	}
	if desc.DiskPath == "" {
		return nil, fmt.Errorf("libvirtdomain: disk path is required")
	}
	if desc.UserModeSSHPort < 0 || desc.UserModeSSHPort > 65535 {
		return nil, fmt.Errorf("libvirtdomain: invalid user-mode SSH port %d", desc.UserModeSSHPort)
	}

	diskFormat := desc.DiskFormat
	if diskFormat == "" {
		diskFormat = "raw"
	}

	oemStrings := make([]string, 0, len(desc.Credentials))
	for _, cred := range desc.Credentials {
		oemStrings = append(oemStrings, escapeXML(cred.SMBIOSOEMString()))
	}

	data := templateData{
		Name:            escapeXML(desc.Name),
		MemoryKiB:       desc.MemoryBytes / 1024,
		VCPUs:           desc.VCPUs,
		DiskPath:        escapeXML(desc.DiskPath),
		DiskFormat:      escapeXML(diskFormat),
		UserModeSSHPort: desc.UserModeSSHPort,
		Credentials:     oemStrings,
		SourceImage:     escapeXML(desc.SourceImage),
		SSHKeyPath:      escapeXML(desc.SSHKeyPath),
	}

	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("libvirtdomain: render domain template: %w", err)
	}
	return buf.Bytes(), nil
}

// escapeXML escapes the five XML-significant characters so descriptor
// fields (image references, paths) can never break out of an attribute
// or element body, without pulling in html/template's HTML-flavored
// auto-escaping (which over-escapes for an XML document).
func escapeXML(s string) string {
	var buf strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '\'':
			buf.WriteString("&apos;")
		case '"':
			buf.WriteString("&quot;")
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
