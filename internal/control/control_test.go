package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeonglow/buildbot/internal/config"
	"github.com/zeonglow/buildbot/internal/fleet"
	"github.com/zeonglow/buildbot/internal/hypervisor/hypervisortest"
	"github.com/zeonglow/buildbot/internal/logging"
)

const fleetConfig = `
connections:
  - name: local
    uri: test:///default
workers:
  - name: bot1
    xml_file: bot.xml
  - name: bot2
    xml_file: bot.xml
`

const descriptor = `<domain type="kvm"><name>x</name><memory>1024</memory></domain>`

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, ...string) error { return nil }

// startServer runs a control server for a two-worker fleet and returns a
// client connected to it.
func startServer(t *testing.T) (*Client, *hypervisortest.Driver) {
	t.Helper()

	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bot.xml"), []byte(descriptor), 0o644))
	cfgPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fleetConfig), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	fake := hypervisortest.New()
	f, err := fleet.New(cfg, fleet.Options{Binding: fake.Binding(), Logger: logging.Discard(), Runner: nopRunner{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	require.NoError(t, f.WaitDiscovery(ctx))

	socket := filepath.Join(dir, "s.sock")
	ln, err := Listen(socket)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- NewServer(f, logging.Discard()).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return NewClient(socket).WithTimeout(5 * time.Second), fake
}

func TestControl_ListDispatchAttach(t *testing.T) {
	client, fake := startServer(t)

	statuses, err := client.List()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "bot1", statuses[0].Name)
	assert.Equal(t, "ready", statuses[0].State)
	assert.True(t, statuses[0].CanStartBuild)

	name, err := client.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, "bot1", name)
	assert.Equal(t, []string{"bot1"}, fake.Names())

	statuses, err = client.List()
	require.NoError(t, err)
	assert.Equal(t, "running", statuses[0].State)
	assert.False(t, statuses[0].CanStartBuild)

	require.NoError(t, client.Attach("bot1"))
	statuses, err = client.List()
	require.NoError(t, err)
	assert.True(t, statuses[0].Connected)
	assert.True(t, statuses[0].CanStartBuild)

	// A lost connection drops the domain and destroys it in the background.
	require.NoError(t, client.Detach("bot1"))
	statuses, err = client.List()
	require.NoError(t, err)
	assert.False(t, statuses[0].HasDomain)
	assert.Equal(t, "ready", statuses[0].State)
	assert.True(t, statuses[0].CanStartBuild)
	require.Eventually(t, func() bool {
		_, _, destroys := fake.Get("bot1").Counts()
		return destroys == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Stop("bot1", true))
	_, _, destroys := fake.Get("bot1").Counts()
	assert.Equal(t, 1, destroys)
}

func TestControl_Stop(t *testing.T) {
	client, fake := startServer(t)

	name, err := client.Dispatch()
	require.NoError(t, err)
	require.NoError(t, client.Stop(name, false))

	statuses, err := client.List()
	require.NoError(t, err)
	assert.False(t, statuses[0].HasDomain)
	_, shutdowns, _ := fake.Get(name).Counts()
	assert.Equal(t, 1, shutdowns)
}

func TestControl_Errors(t *testing.T) {
	client, fake := startServer(t)

	err := client.Attach("nobody")
	require.ErrorContains(t, err, "unknown worker")

	fake.FailCreate(assert.AnError)
	_, err = client.Dispatch()
	require.ErrorContains(t, err, "no worker available")
}

func TestServer_UnknownCommand(t *testing.T) {
	s := NewServer(nil, logging.Discard())
	resp := s.Handle(context.Background(), Request{Command: "reboot"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")
}
