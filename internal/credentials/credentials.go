// Package credentials implements spec.md §4.B: packaging an authorized-key
// blob and first-boot unit files into firmware-readable system credentials.
// The encoder is pure — same input, same output bytes, no I/O.
package credentials

import (
	"encoding/base64"
	"fmt"
)

// AuthorizedKeysCredentialName is the credential name the guest's init
// system treats as the root user's authorized-keys source.
const AuthorizedKeysCredentialName = "ssh.authorized_keys.root"

// UnitCredentialPrefix names a credential that the guest's init system
// installs as a system unit file. The suffix is the unit's own filename.
const UnitCredentialPrefix = "systemd.extra-unit."

// Credential is one opaque (name, bytes) pair ready to be handed to the
// Emulator Launcher as a firmware credential. Content is already
// base64-encoded by Encode — callers never escape strings themselves.
type Credential struct {
	Name    string
	Content []byte
}

// SMBIOSOEMString renders c as a qemu `-smbios type=11,value=...` OEM
// string, the type-11 firmware-table entry the guest's init reads
// system credentials from on first boot.
func (c Credential) SMBIOSOEMString() string {
	return fmt.Sprintf("io.systemd.credential.binary:%s=%s", c.Name, c.Content)
}

// UnitFile is one first-boot systemd unit to inject, keyed by filename
// (e.g. "bcvk-install.service").
type UnitFile struct {
	Filename string
	Content  []byte
}

// Request is the structured input to Encode.
type Request struct {
	// AuthorizedKeys is the raw SSH authorized_keys blob for root. Empty
	// means no SSH credential is emitted.
	AuthorizedKeys []byte
	// Units are injected first-boot unit files, each becoming one
	// credential.
	Units []UnitFile
}

// Encoder packages a Request into the guest firmware's system-credential
// wire format. It holds no state; the zero value is ready to use.
type Encoder struct{}

// Encode performs the packaging described in spec.md §4.B. It never
// touches a filesystem or network — callers own persisting the private
// key that accompanies AuthorizedKeys, if any, before the container
// starts (spec.md §3 invariant).
func (Encoder) Encode(req Request) ([]Credential, error) {
	var out []Credential

	if len(req.AuthorizedKeys) > 0 {
		out = append(out, Credential{
			Name:    AuthorizedKeysCredentialName,
			Content: encode(req.AuthorizedKeys),
		})
	}

	seen := make(map[string]struct{}, len(req.Units))
	for _, unit := range req.Units {
		if unit.Filename == "" {
			return nil, fmt.Errorf("credentials: unit file has empty filename")
		}
		if _, dup := seen[unit.Filename]; dup {
			return nil, fmt.Errorf("credentials: duplicate unit filename %q", unit.Filename)
		}
		seen[unit.Filename] = struct{}{}

		out = append(out, Credential{
			Name:    UnitCredentialPrefix + unit.Filename,
			Content: encode(unit.Content),
		})
	}

	return out, nil
}

// encode applies the firmware-credential channel's required encoding,
// centrally, so callers never escape strings themselves (spec.md §4.B).
func encode(raw []byte) []byte {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)
	return encoded
}
