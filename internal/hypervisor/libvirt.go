package hypervisor

import (
	"errors"
	"fmt"

	libvirt "libvirt.org/go/libvirt"
)

var _ Driver = (*libvirtDriver)(nil)

// Libvirt is the production Binding. The URI is handed to virConnectOpen
// as is, e.g. qemu:///system or test:///default.
func Libvirt(uri string) (Driver, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &libvirtDriver{conn: conn}, nil
}

type libvirtDriver struct {
	conn *libvirt.Connect
}

func (d *libvirtDriver) LookupDomain(name string) (Domain, error) {
	dom, err := d.conn.LookupDomainByName(name)
	if err != nil {
		if isNoDomain(err) {
			return nil, ErrDomainNotFound
		}
		return nil, err
	}
	return &libvirtDomain{dom: dom, name: name}, nil
}

func (d *libvirtDriver) CreateDomain(descriptorXML string) (Domain, error) {
	dom, err := d.conn.DomainCreateXML(descriptorXML, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, err
	}
	name, err := dom.GetName()
	if err != nil {
		return nil, fmt.Errorf("read name of created domain: %w", err)
	}
	return &libvirtDomain{dom: dom, name: name}, nil
}

func (d *libvirtDriver) Close() error {
	if d.conn == nil {
		return nil
	}
	_, err := d.conn.Close()
	return err
}

func isNoDomain(err error) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN
}

type libvirtDomain struct {
	dom  *libvirt.Domain
	name string
}

func (d *libvirtDomain) Name() string {
	return d.name
}

func (d *libvirtDomain) Start() error {
	return d.dom.Create()
}

func (d *libvirtDomain) Shutdown() error {
	return d.dom.Shutdown()
}

func (d *libvirtDomain) Destroy() error {
	return d.dom.Destroy()
}

func (d *libvirtDomain) IsActive() (bool, error) {
	return d.dom.IsActive()
}
