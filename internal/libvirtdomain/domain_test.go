package libvirtdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/credentials"
)

func baseDescriptor() DomainDescriptor {
	return DomainDescriptor{
		Name:        "bcvk-abc123",
		MemoryBytes: 2 * 1024 * 1024 * 1024,
		VCPUs:       2,
		DiskPath:    "/var/lib/bcvk/disks/abc123.raw",
		SourceImage: "quay.io/example/bootc:latest",
	}
}

func TestRenderProducesWellFormedXMLWithCoreFields(t *testing.T) {
	xml, err := Render(baseDescriptor())
	require.NoError(t, err)

	s := string(xml)
	assert.Contains(t, s, "<name>bcvk-abc123</name>")
	assert.Contains(t, s, "<memory unit='KiB'>2097152</memory>")
	assert.Contains(t, s, "<vcpu>2</vcpu>")
	assert.Contains(t, s, "<source file='/var/lib/bcvk/disks/abc123.raw'/>")
	assert.Contains(t, s, "quay.io/example/bootc:latest")
	assert.Contains(t, s, "type='network'")
	assert.NotContains(t, s, "portForward")
}

func TestRenderIsIdempotent(t *testing.T) {
	desc := baseDescriptor()
	first, err := Render(desc)
	require.NoError(t, err)
	second, err := Render(desc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenderAddsUserModePortForward(t *testing.T) {
	desc := baseDescriptor()
	desc.UserModeSSHPort = 2222
	xml, err := Render(desc)
	require.NoError(t, err)

	s := string(xml)
	assert.Contains(t, s, "type='user'")
	assert.Contains(t, s, "range start='2222' to='22'")
}

func TestRenderAddsSMBIOSCredentials(t *testing.T) {
	desc := baseDescriptor()
	desc.Credentials = []credentials.Credential{
		{Name: credentials.AuthorizedKeysCredentialName, Content: []byte("c3NoLWtleQ==")},
	}
	xml, err := Render(desc)
	require.NoError(t, err)

	s := string(xml)
	assert.Contains(t, s, "<smbios mode='sysinfo'/>")
	assert.Contains(t, s, "<oemStrings>")
	assert.Contains(t, s, "io.systemd.credential.binary:ssh.authorized_keys.root=")
}

func TestRenderEscapesSpecialCharactersInSourceImage(t *testing.T) {
	desc := baseDescriptor()
	desc.SourceImage = `quay.io/example/bootc:"v1"&latest`
	xml, err := Render(desc)
	require.NoError(t, err)

	s := string(xml)
	assert.NotContains(t, s, `"v1"&latest`)
	assert.Contains(t, s, "&quot;v1&quot;&amp;latest")
}

func TestRenderRejectsMissingName(t *testing.T) {
	desc := baseDescriptor()
	desc.Name = ""
	_, err := Render(desc)
	require.Error(t, err)
}

func TestRenderRejectsZeroMemory(t *testing.T) {
	desc := baseDescriptor()
	desc.MemoryBytes = 0
	_, err := Render(desc)
	require.Error(t, err)
}

func TestRenderRejectsInvalidPort(t *testing.T) {
	desc := baseDescriptor()
	desc.UserModeSSHPort = 70000
	_, err := Render(desc)
	require.Error(t, err)
}

func TestRenderOmitsSSHKeyPathWhenEmpty(t *testing.T) {
	xml, err := Render(baseDescriptor())
	require.NoError(t, err)
	assert.NotContains(t, string(xml), "ssh-key-path")
}

func TestRenderIncludesSSHKeyPathWhenSet(t *testing.T) {
	desc := baseDescriptor()
	desc.SSHKeyPath = "/var/lib/bcvk/keys/abc123"
	xml, err := Render(desc)
	require.NoError(t, err)
	assert.Contains(t, string(xml), "ssh-key-path='/var/lib/bcvk/keys/abc123'")
}
