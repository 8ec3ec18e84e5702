package persistent

// Connection and Domain are the narrow contracts Controller needs from a
// libvirt connection, mirroring internal/containerrt.Runtime's own
// narrowing of the podman CLI: production code talks to the real
// library through LibvirtConnection; tests substitute a fake that never
// touches cgo or an actual hypervisor.
type Connection interface {
	DomainDefineXML(xml string) (Domain, error)
	LookupDomainByName(name string) (Domain, error)
	LookupStoragePoolByName(name string) (StoragePool, error)
	ListAllDomains() ([]Domain, error)
	Close() error
}

// Domain is the subset of *libvirt.Domain this package calls.
type Domain interface {
	GetName() (string, error)
	GetXMLDesc() (string, error)
	Create() error
	Shutdown() error
	Destroy() error
	Undefine() error
	IsActive() (bool, error)
	Free() error
}

// StoragePool is the subset of *libvirt.StoragePool this package calls.
type StoragePool interface {
	Refresh() error
	Free() error
}
