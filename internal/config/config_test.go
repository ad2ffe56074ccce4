package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
master: buildmaster.example.org:9989
connections:
  - name: local
    uri: qemu:///system
  - name: alias
    uri: qemu:///system
  - name: remote
    uri: qemu+ssh://hv1/system
workers:
  - name: bot1
    password: secret
    connection: local
    image: /var/lib/buildbot/bot1.qcow2
    base_image: /var/lib/buildbot/base.qcow2
    xml_file: bot1.xml
    seed_image: /var/lib/buildbot/bot1-seed.iso
  - name: bot2
    password: secret
    connection: alias
    image: /var/lib/buildbot/bot2.qcow2
    cheap_copy: false
    keepalive_interval: 90
  - name: bot3
    connection: remote
    keepalive_interval: 10m
runner:
  prepend: [sudo, -n]
  timeout: 15m
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "buildmaster.example.org:9989", cfg.Master)
	require.Len(t, cfg.Workers, 3)

	bot1 := cfg.Workers[0]
	require.NotNil(t, bot1.CheapCopy)
	assert.True(t, *bot1.CheapCopy)
	assert.Equal(t, time.Hour, bot1.KeepaliveInterval.Std())

	bot2 := cfg.Workers[1]
	assert.False(t, *bot2.CheapCopy)
	assert.Equal(t, 90*time.Second, bot2.KeepaliveInterval.Std())

	assert.Equal(t, 10*time.Minute, cfg.Workers[2].KeepaliveInterval.Std())
	assert.Equal(t, []string{"sudo", "-n"}, cfg.Runner.Prepend)
	assert.Equal(t, 15*time.Minute, cfg.Runner.Timeout.Std())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestURIs_CollapseSharedEndpoints(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"qemu:///system", "qemu+ssh://hv1/system"}, cfg.URIs())
}

func TestParse_DefaultsSingleConnection(t *testing.T) {
	cfg, err := Parse([]byte(`
connections:
  - name: local
    uri: test:///default
workers:
  - name: bot
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Workers[0].Connection)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)

	_, err = Parse([]byte("workers: [name: bot"))
	require.Error(t, err)

	_, err = Parse([]byte("connections: []\nunknown_key: 1\n"))
	require.Error(t, err)

	_, err = Parse([]byte("workers:\n  - name: bot\n    keepalive_interval: soon\n"))
	require.ErrorContains(t, err, "invalid duration")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg, err := Parse([]byte(`
connections:
  - name: a
    uri: ""
  - name: a
    uri: test:///default
workers:
  - name: bot
    connection: missing
    base_image: /base.qcow2
  - name: bot
    connection: a
    seed_image: /seed.iso
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"connections[0]: uri is required",
		`connection "a": defined more than once`,
		`unknown connection "missing"`,
		"image is required when base_image is set",
		`worker "bot": defined more than once`,
		"seed_image needs xml_file",
		"seed_image needs master",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Len(t, strings.Split(msg, "\n"), 7)
}

func TestLoad_ResolvesDescriptorRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bot1.xml"), []byte("<domain/>"), 0o644))
	path := filepath.Join(dir, "buildbot-vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	w, ok := cfg.Worker("bot1")
	require.True(t, ok)
	descriptor, err := cfg.Descriptor(w)
	require.NoError(t, err)
	assert.Equal(t, "<domain/>", descriptor)

	w, _ = cfg.Worker("bot2")
	descriptor, err = cfg.Descriptor(w)
	require.NoError(t, err)
	assert.Empty(t, descriptor)

	assert.Equal(t, "/abs/path", cfg.ResolvePath("/abs/path"))

	_, ok = cfg.Worker("nobody")
	assert.False(t, ok)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
