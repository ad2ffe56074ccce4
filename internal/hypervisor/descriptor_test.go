package hypervisor_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/zeonglow/buildbot/internal/hypervisor"
)

func unmarshal(t *testing.T, xml string) *libvirtxml.Domain {
	t.Helper()
	domain := &libvirtxml.Domain{}
	require.NoError(t, domain.Unmarshal(xml))
	return domain
}

func TestPrepareDescriptor(t *testing.T) {
	out, err := hypervisor.PrepareDescriptor(testDescriptor, "bot", "/images/bot.qcow2")
	require.NoError(t, err)

	domain := unmarshal(t, out)
	assert.Equal(t, "bot", domain.Name)
	require.Len(t, domain.Devices.Disks, 1)
	assert.Equal(t, "/images/bot.qcow2", domain.Devices.Disks[0].Source.File.File)
	assert.Equal(t, "vda", domain.Devices.Disks[0].Target.Dev)
}

func TestPrepareDescriptor_AddsDisk(t *testing.T) {
	bare := `<domain type="kvm"><name>x</name><memory>1024</memory></domain>`

	out, err := hypervisor.PrepareDescriptor(bare, "bot", "/images/bot.qcow2")
	require.NoError(t, err)

	domain := unmarshal(t, out)
	require.NotNil(t, domain.Devices)
	require.Len(t, domain.Devices.Disks, 1)
	disk := domain.Devices.Disks[0]
	assert.Equal(t, "disk", disk.Device)
	assert.Equal(t, "qcow2", disk.Driver.Type)
	assert.Equal(t, "/images/bot.qcow2", disk.Source.File.File)
}

func TestPrepareDescriptor_KeepsDiskWithoutImage(t *testing.T) {
	out, err := hypervisor.PrepareDescriptor(testDescriptor, "bot", "")
	require.NoError(t, err)

	domain := unmarshal(t, out)
	assert.Equal(t, "/var/lib/images/template.qcow2", domain.Devices.Disks[0].Source.File.File)
}

func TestPrepareDescriptor_Errors(t *testing.T) {
	_, err := hypervisor.PrepareDescriptor(testDescriptor, " ", "/img")
	require.Error(t, err)

	_, err = hypervisor.PrepareDescriptor("", "bot", "/img")
	require.Error(t, err)

	_, err = hypervisor.PrepareDescriptor("<domain", "bot", "/img")
	require.Error(t, err)
}

func TestAttachSeedImage(t *testing.T) {
	out, err := hypervisor.AttachSeedImage(testDescriptor, "/images/bot-seed.iso")
	require.NoError(t, err)

	domain := unmarshal(t, out)
	require.Len(t, domain.Devices.Disks, 2)
	seed := domain.Devices.Disks[1]
	assert.Equal(t, "cdrom", seed.Device)
	assert.NotNil(t, seed.ReadOnly)
	assert.Equal(t, "/images/bot-seed.iso", seed.Source.File.File)

	again, err := hypervisor.AttachSeedImage(out, "/images/other.iso")
	require.NoError(t, err)
	domain = unmarshal(t, again)
	require.Len(t, domain.Devices.Disks, 2)
	assert.Equal(t, "/images/other.iso", domain.Devices.Disks[1].Source.File.File)
}

func TestAttachSeedImage_EmptyPath(t *testing.T) {
	out, err := hypervisor.AttachSeedImage(testDescriptor, "")
	require.NoError(t, err)
	assert.Equal(t, testDescriptor, out)
}

func TestDescriptorName(t *testing.T) {
	name, err := hypervisor.DescriptorName(testDescriptor)
	require.NoError(t, err)
	assert.Equal(t, "template", name)

	_, err = hypervisor.DescriptorName(strings.Repeat(" ", 3))
	require.Error(t, err)
}
