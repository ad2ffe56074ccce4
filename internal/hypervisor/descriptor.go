package hypervisor

import (
	"errors"
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

const (
	defaultDiskTarget = "vda"
	defaultDiskBus    = "virtio"
	seedDiskTarget    = "sdz"
	seedDiskBus       = "sata"
)

// PrepareDescriptor rewrites a libvirt domain descriptor so that the
// domain is called name and its first disk boots from imagePath. A disk
// is added when the descriptor has none.
func PrepareDescriptor(descriptorXML, name, imagePath string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("domain name is required")
	}

	domain, err := parseDescriptor(descriptorXML)
	if err != nil {
		return "", err
	}
	domain.Name = name

	if imagePath != "" {
		if domain.Devices == nil {
			domain.Devices = &libvirtxml.DomainDeviceList{}
		}
		if disk := primaryDisk(domain.Devices.Disks); disk != nil {
			disk.Source = fileSource(imagePath)
		} else {
			domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: fileSource(imagePath),
				Target: &libvirtxml.DomainDiskTarget{Dev: defaultDiskTarget, Bus: defaultDiskBus},
			})
		}
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain descriptor: %w", err)
	}
	return out, nil
}

// AttachSeedImage adds isoPath as a read-only cdrom. An existing cdrom on
// the seed target is replaced.
func AttachSeedImage(descriptorXML, isoPath string) (string, error) {
	if isoPath == "" {
		return descriptorXML, nil
	}

	domain, err := parseDescriptor(descriptorXML)
	if err != nil {
		return "", err
	}
	if domain.Devices == nil {
		domain.Devices = &libvirtxml.DomainDeviceList{}
	}

	seed := libvirtxml.DomainDisk{
		Device:   "cdrom",
		Driver:   &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source:   fileSource(isoPath),
		Target:   &libvirtxml.DomainDiskTarget{Dev: seedDiskTarget, Bus: seedDiskBus},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}

	disks := domain.Devices.Disks[:0]
	for _, disk := range domain.Devices.Disks {
		if disk.Device == "cdrom" && disk.Target != nil && disk.Target.Dev == seedDiskTarget {
			continue
		}
		disks = append(disks, disk)
	}
	domain.Devices.Disks = append(disks, seed)

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain descriptor: %w", err)
	}
	return out, nil
}

// DescriptorName returns the domain name declared by a descriptor.
func DescriptorName(descriptorXML string) (string, error) {
	domain, err := parseDescriptor(descriptorXML)
	if err != nil {
		return "", err
	}
	return domain.Name, nil
}

func parseDescriptor(descriptorXML string) (*libvirtxml.Domain, error) {
	if strings.TrimSpace(descriptorXML) == "" {
		return nil, errors.New("domain descriptor is empty")
	}
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(descriptorXML); err != nil {
		return nil, fmt.Errorf("parse domain descriptor: %w", err)
	}
	return domain, nil
}

func primaryDisk(disks []libvirtxml.DomainDisk) *libvirtxml.DomainDisk {
	for i := range disks {
		if disks[i].Device == "" || disks[i].Device == "disk" {
			return &disks[i]
		}
	}
	return nil
}

func fileSource(path string) *libvirtxml.DomainDiskSource {
	return &libvirtxml.DomainDiskSource{
		File: &libvirtxml.DomainDiskSourceFile{File: path},
	}
}
