package hypervisor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeonglow/buildbot/internal/hypervisor"
	"github.com/zeonglow/buildbot/internal/hypervisor/hypervisortest"
	"github.com/zeonglow/buildbot/internal/logging"
)

const testDescriptor = `<domain type="kvm">
  <name>template</name>
  <memory unit="MiB">512</memory>
  <os><type arch="x86_64">hvm</type></os>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="/var/lib/images/template.qcow2"/>
      <target dev="vda" bus="virtio"/>
    </disk>
  </devices>
</domain>`

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openFake(t *testing.T) (*hypervisor.Connection, *hypervisortest.Driver) {
	t.Helper()
	fake := hypervisortest.New()
	conn, err := hypervisor.Open(fake.Binding(), "test:///default", hypervisor.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return conn, fake
}

func TestOpen_NilBinding(t *testing.T) {
	_, err := hypervisor.Open(nil, "qemu:///system")
	require.ErrorIs(t, err, hypervisor.ErrNoBinding)
}

func TestOpen_BindingError(t *testing.T) {
	boom := errors.New("no such socket")
	_, err := hypervisor.Open(func(string) (hypervisor.Driver, error) { return nil, boom }, "qemu:///system")

	var herr *hypervisor.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "open", herr.Op)
	assert.Equal(t, "qemu:///system", herr.URI)
	assert.ErrorIs(t, err, boom)
}

func TestOpen_PassesURIThrough(t *testing.T) {
	var got string
	fake := hypervisortest.New()
	_, err := hypervisor.Open(func(uri string) (hypervisor.Driver, error) {
		got = uri
		return fake, nil
	}, "qemu+ssh://host/system?keyfile=/k")
	require.NoError(t, err)
	assert.Equal(t, "qemu+ssh://host/system?keyfile=/k", got)
}

func TestFindDomain(t *testing.T) {
	conn, fake := openFake(t)
	fake.Add("bot")

	domain, err := conn.FindDomain("bot").Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, domain)
	assert.Equal(t, "bot", domain.Name())

	missing, err := conn.FindDomain("ghost").Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindDomain_LookupError(t *testing.T) {
	conn, fake := openFake(t)
	fake.FailLookup(errors.New("connection reset"))

	_, err := conn.FindDomain("bot").Wait(waitCtx(t))
	var herr *hypervisor.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "lookup", herr.Op)
	assert.Equal(t, "bot", herr.Domain)
}

func TestCreateDomain_WithDescriptor(t *testing.T) {
	conn, fake := openFake(t)

	domain, err := conn.CreateDomain("bot", "/images/bot.qcow2", testDescriptor).Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, domain)
	assert.Equal(t, "bot", domain.Name())

	active, err := domain.IsActive()
	require.NoError(t, err)
	assert.True(t, active)

	created := fake.Created()
	require.Len(t, created, 1)
	assert.Contains(t, created[0], "<name>bot</name>")
	assert.Contains(t, created[0], "/images/bot.qcow2")
	assert.NotContains(t, created[0], "template.qcow2")
}

func TestCreateDomain_DefinedDomain(t *testing.T) {
	conn, fake := openFake(t)
	defined := fake.Add("bot")

	domain, err := conn.CreateDomain("bot", "", "").Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "bot", domain.Name())

	starts, _, _ := defined.Counts()
	assert.Equal(t, 1, starts)
	assert.Empty(t, fake.Created())
}

func TestCreateDomain_Failure(t *testing.T) {
	conn, fake := openFake(t)
	boom := errors.New("insufficient memory")
	fake.FailCreate(boom)

	domain, err := conn.CreateDomain("bot", "/images/bot.qcow2", testDescriptor).Wait(waitCtx(t))
	assert.Nil(t, domain)

	var herr *hypervisor.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "create", herr.Op)
	assert.Equal(t, "bot", herr.Domain)
	assert.ErrorIs(t, err, boom)
}

func TestCreateDomain_NoDescriptorNoDefinition(t *testing.T) {
	conn, _ := openFake(t)

	_, err := conn.CreateDomain("bot", "", "").Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, hypervisor.ErrDomainNotFound)
}

func TestCreateDomain_BadDescriptor(t *testing.T) {
	conn, fake := openFake(t)

	_, err := conn.CreateDomain("bot", "/images/bot.qcow2", "not xml").Wait(waitCtx(t))
	require.Error(t, err)
	assert.Empty(t, fake.Created())
}

func TestShutdownAndDestroy(t *testing.T) {
	conn, _ := openFake(t)
	ctx := waitCtx(t)

	domain, err := conn.CreateDomain("bot", "/images/bot.qcow2", testDescriptor).Wait(ctx)
	require.NoError(t, err)

	_, err = conn.ShutdownDomain(domain).Wait(ctx)
	require.NoError(t, err)
	active, _ := domain.IsActive()
	assert.False(t, active)

	_, err = conn.DestroyDomain(domain).Wait(ctx)
	var herr *hypervisor.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "destroy", herr.Op)

	_, err = conn.ShutdownDomain(nil).Wait(ctx)
	require.Error(t, err)
}

func TestConnection_SerializesCalls(t *testing.T) {
	conn, fake := openFake(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		fake.Add(name)
	}

	var (
		mu    sync.Mutex
		order []string
	)
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		f := conn.FindDomain(name)
		f.Then(func(d hypervisor.Domain, err error) {
			defer wg.Done()
			mu.Lock()
			order = append(order, d.Name())
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	assert.Equal(t, []string{"a", "b", "c", "d"}, fake.Lookups())
}

func TestConnection_Close(t *testing.T) {
	conn, fake := openFake(t)
	fake.Add("bot")

	f := conn.FindDomain("bot")
	require.NoError(t, conn.Close(waitCtx(t)))
	assert.True(t, f.IsResolved())
	assert.True(t, fake.Closed())
}

func TestConnection_QueueNamedAfterURI(t *testing.T) {
	conn, _ := openFake(t)
	assert.Equal(t, "test:///default", conn.URI())
	assert.True(t, strings.HasPrefix(conn.Queue().Name(), "test://"))
}
