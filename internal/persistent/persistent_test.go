package persistent

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/libvirtdomain"
)

type fakeDomain struct {
	name    string
	xmlDesc string
	active  bool

	createErr   error
	shutdownErr error
	destroyErr  error
	undefineErr error

	shutdownCalls int
	destroyCalls  int
}

func (d *fakeDomain) GetName() (string, error)   { return d.name, nil }
func (d *fakeDomain) GetXMLDesc() (string, error) { return d.xmlDesc, nil }
func (d *fakeDomain) Create() error {
	if d.createErr != nil {
		return d.createErr
	}
	d.active = true
	return nil
}
func (d *fakeDomain) Shutdown() error {
	d.shutdownCalls++
	if d.shutdownErr != nil {
		return d.shutdownErr
	}
	d.active = false
	return nil
}
func (d *fakeDomain) Destroy() error {
	d.destroyCalls++
	if d.destroyErr != nil {
		return d.destroyErr
	}
	d.active = false
	return nil
}
func (d *fakeDomain) Undefine() error          { return d.undefineErr }
func (d *fakeDomain) IsActive() (bool, error)  { return d.active, nil }
func (d *fakeDomain) Free() error              { return nil }

type fakePool struct {
	refreshErr   error
	refreshCalls int
}

func (p *fakePool) Refresh() error { p.refreshCalls++; return p.refreshErr }
func (p *fakePool) Free() error    { return nil }

type fakeConn struct {
	domains map[string]*fakeDomain
	pool    *fakePool

	defineXMLErr  error
	lookupPoolErr error
	lookupDomErr  error
	listErr       error

	definedXML string
}

func (c *fakeConn) DomainDefineXML(xml string) (Domain, error) {
	if c.defineXMLErr != nil {
		return nil, c.defineXMLErr
	}
	c.definedXML = xml
	return &fakeDomain{name: "defined"}, nil
}

func (c *fakeConn) LookupDomainByName(name string) (Domain, error) {
	if c.lookupDomErr != nil {
		return nil, c.lookupDomErr
	}
	d, ok := c.domains[name]
	if !ok {
		return nil, errors.New("no such domain")
	}
	return d, nil
}

func (c *fakeConn) LookupStoragePoolByName(name string) (StoragePool, error) {
	if c.lookupPoolErr != nil {
		return nil, c.lookupPoolErr
	}
	return c.pool, nil
}

func (c *fakeConn) ListAllDomains() ([]Domain, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]Domain, 0, len(c.domains))
	for _, d := range c.domains {
		out = append(out, d)
	}
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

func newTestController(conn *fakeConn) *Controller {
	return &Controller{
		Conn:     conn,
		PoolName: "bcvk-pool",
	}
}

func TestUploadCopiesFileAndRefreshesPool(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/src.raw"
	require.NoError(t, writeTestFile(src, "disk-bytes"))

	pool := &fakePool{}
	conn := &fakeConn{domains: map[string]*fakeDomain{}, pool: pool}
	ctl := newTestController(conn)
	ctl.PoolTargetPath = dir + "/pool"

	dest, err := ctl.Upload(context.Background(), src)
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Equal(t, 1, pool.refreshCalls)
}

func TestUploadFailsWhenPoolLookupFails(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/src.raw"
	require.NoError(t, writeTestFile(src, "x"))

	conn := &fakeConn{domains: map[string]*fakeDomain{}, lookupPoolErr: errors.New("no pool")}
	ctl := newTestController(conn)
	ctl.PoolTargetPath = dir + "/pool"

	_, err := ctl.Upload(context.Background(), src)
	require.Error(t, err)
}

func TestCreateDefinesDomainFromDescriptor(t *testing.T) {
	conn := &fakeConn{domains: map[string]*fakeDomain{}}
	ctl := newTestController(conn)

	name, err := ctl.Create(context.Background(), libvirtdomain.DomainDescriptor{
		Name:        "bcvk-abc",
		MemoryBytes: 1024 * 1024 * 1024,
		VCPUs:       1,
		DiskPath:    "/var/lib/bcvk/disks/abc.raw",
		SourceImage: "quay.io/example/bootc:latest",
	})
	require.NoError(t, err)
	assert.Equal(t, "bcvk-abc", name)
	assert.Contains(t, conn.definedXML, "bcvk-abc")
}

func TestCreatePropagatesRenderError(t *testing.T) {
	conn := &fakeConn{domains: map[string]*fakeDomain{}}
	ctl := newTestController(conn)

	_, err := ctl.Create(context.Background(), libvirtdomain.DomainDescriptor{})
	require.Error(t, err)
}

func TestStartCreatesInactiveDomain(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	err := ctl.Start(context.Background(), "bcvk-abc")
	require.NoError(t, err)
	assert.True(t, d.active)
}

func TestStopOnAlreadyInactiveDomainIsNoop(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	err := ctl.Stop(context.Background(), "bcvk-abc")
	require.NoError(t, err)
	assert.Equal(t, 0, d.shutdownCalls)
}

func TestStopShutsDownActiveDomain(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", active: true}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	err := ctl.Stop(context.Background(), "bcvk-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, d.shutdownCalls)
	assert.False(t, d.active)
}

func TestRemoveUndefinesInactiveDomain(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	err := ctl.Remove(context.Background(), "bcvk-abc")
	require.NoError(t, err)
}

func TestRemoveDestroysActiveDomainFirst(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", active: true}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	err := ctl.Remove(context.Background(), "bcvk-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, d.destroyCalls)
}

const sampleDomainXML = `<domain>
  <name>bcvk-abc</name>
  <metadata>
    <bcvk:info xmlns:bcvk='https://github.com/cgwalters/bcvk' source-image='quay.io/example/bootc:latest' ssh-key-path='/var/lib/bcvk/keys/abc'/>
  </metadata>
  <devices>
    <interface type='user'>
      <portForward proto='tcp'>
        <range start='2222' to='22'/>
      </portForward>
    </interface>
  </devices>
</domain>`

func TestListParsesMetadataAndPortForward(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", xmlDesc: sampleDomainXML, active: true}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	records, err := ctl.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "bcvk-abc", rec.Name)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, "quay.io/example/bootc:latest", rec.SourceImage)
	assert.Equal(t, "/var/lib/bcvk/keys/abc", rec.SSHKeyPath)
	assert.Equal(t, 2222, rec.SSHPort)
	assert.True(t, rec.IsOurs())
}

func TestListMarksDomainsWithoutMetadataAsNotOurs(t *testing.T) {
	d := &fakeDomain{name: "other-vm", xmlDesc: "<domain><name>other-vm</name></domain>", active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"other-vm": d}}
	ctl := newTestController(conn)

	records, err := ctl.List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsOurs())
	assert.Equal(t, StateShutOff, records[0].State)
}

func TestListOnlyOursFiltersOutForeignDomains(t *testing.T) {
	d := &fakeDomain{name: "other-vm", xmlDesc: "<domain><name>other-vm</name></domain>", active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"other-vm": d}}
	ctl := newTestController(conn)

	records, err := ctl.List(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, records, "onlyOurs=true should filter out domains bcvk doesn't recognize as its own")
}

func TestSSHReturnsPortAndKeyPathFromMetadata(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", xmlDesc: sampleDomainXML, active: true}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	host, port, keyPath, err := ctl.SSH(context.Background(), "bcvk-abc")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 2222, port)
	assert.Equal(t, "/var/lib/bcvk/keys/abc", keyPath)
}

func TestSSHFailsWhenDomainNotRunning(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", xmlDesc: sampleDomainXML, active: false}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	_, _, _, err := ctl.SSH(context.Background(), "bcvk-abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestSSHFailsWhenNoPortForwardDeclared(t *testing.T) {
	d := &fakeDomain{name: "bcvk-abc", xmlDesc: "<domain><name>bcvk-abc</name></domain>", active: true}
	conn := &fakeConn{domains: map[string]*fakeDomain{"bcvk-abc": d}}
	ctl := newTestController(conn)

	_, _, _, err := ctl.SSH(context.Background(), "bcvk-abc")
	require.Error(t, err)
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
