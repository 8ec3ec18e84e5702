package persistent

import (
	"fmt"
	"log/slog"

	libvirt "libvirt.org/go/libvirt"
)

// LibvirtConnection is the production Connection, grounded on the
// teacher's own `libvirt.NewConnect(config.ConnectURI)` +
// `defer conn.Close()` idiom in
// internal/build/adapters/libvirt/build.go.
type LibvirtConnection struct {
	conn *libvirt.Connect
}

// Dial opens a libvirt connection to uri ("qemu:///system",
// "qemu+ssh://host/system", etc).
func Dial(uri string) (*LibvirtConnection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("persistent: connect to %q: %w", uri, err)
	}
	return &LibvirtConnection{conn: conn}, nil
}

// NewController dials uri and returns a Controller bound to the named
// storage pool.
func NewController(uri, poolName, poolTargetPath string, logger *slog.Logger) (*Controller, error) {
	conn, err := Dial(uri)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Conn:           conn,
		Logger:         logger,
		PoolTargetPath: poolTargetPath,
		PoolName:       poolName,
	}, nil
}

func (c *LibvirtConnection) Close() error {
	_, err := c.conn.Close()
	return err
}

func (c *LibvirtConnection) DomainDefineXML(xml string) (Domain, error) {
	d, err := c.conn.DomainDefineXML(xml)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{d: d}, nil
}

func (c *LibvirtConnection) LookupDomainByName(name string) (Domain, error) {
	d, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, err
	}
	return &libvirtDomain{d: d}, nil
}

func (c *LibvirtConnection) LookupStoragePoolByName(name string) (StoragePool, error) {
	p, err := c.conn.LookupStoragePoolByName(name)
	if err != nil {
		return nil, err
	}
	return &libvirtStoragePool{p: p}, nil
}

func (c *LibvirtConnection) ListAllDomains() ([]Domain, error) {
	raw, err := c.conn.ListAllDomains(0)
	if err != nil {
		return nil, err
	}
	domains := make([]Domain, 0, len(raw))
	for i := range raw {
		domains = append(domains, &libvirtDomain{d: &raw[i]})
	}
	return domains, nil
}

// IsNotFound reports whether err is the libvirt "no such domain/pool"
// error, grounded on the teacher's own isInLibvirtErrors helper in
// internal/build/adapters/libvirt/prepare.go.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	switch e := err.(type) {
	case libvirt.Error:
		libErr = e
	case *libvirt.Error:
		libErr = *e
	default:
		return false
	}
	switch libErr.Code {
	case libvirt.ERR_NO_DOMAIN, libvirt.ERR_NO_STORAGE_POOL:
		return true
	}
	return false
}

type libvirtDomain struct {
	d *libvirt.Domain
}

func (d *libvirtDomain) GetName() (string, error)    { return d.d.GetName() }
func (d *libvirtDomain) GetXMLDesc() (string, error)  { return d.d.GetXMLDesc(0) }
func (d *libvirtDomain) Create() error                { return d.d.Create() }
func (d *libvirtDomain) Shutdown() error               { return d.d.Shutdown() }
func (d *libvirtDomain) Destroy() error                { return d.d.Destroy() }
func (d *libvirtDomain) Undefine() error               { return d.d.Undefine() }
func (d *libvirtDomain) IsActive() (bool, error)       { return d.d.IsActive() }
func (d *libvirtDomain) Free() error                   { return d.d.Free() }

type libvirtStoragePool struct {
	p *libvirt.StoragePool
}

func (p *libvirtStoragePool) Refresh() error { return p.p.Refresh(0) }
func (p *libvirtStoragePool) Free() error    { return p.p.Free() }
