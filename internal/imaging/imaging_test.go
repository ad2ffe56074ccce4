package imaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeonglow/buildbot/internal/logging"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func TestPrepareBaseImage_Pipelines(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		cheapCopy bool
		want      [][]string
	}{
		{name: "no base image", base: "", cheapCopy: true, want: nil},
		{name: "cheap copy", base: "o", cheapCopy: true, want: [][]string{{"qemu-img", "create", "-b", "o", "-f", "qcow2", "p"}}},
		{name: "full copy", base: "o", cheapCopy: false, want: [][]string{{"cp", "o", "p"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &recordingRunner{}
			err := PrepareBaseImage(context.Background(), runner, tc.base, "p", tc.cheapCopy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, runner.calls)
		})
	}
}

func TestPrepareBaseImage_RunnerFailure(t *testing.T) {
	runner := &recordingRunner{err: errors.New("exit status 1")}

	err := PrepareBaseImage(context.Background(), runner, "o", "p", true)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, []string{"qemu-img", "create", "-b", "o", "-f", "qcow2", "p"}, toolErr.Command)
	assert.Len(t, runner.calls, 1)
}

func TestPrepareCommand_NoBaseImage(t *testing.T) {
	_, err := PrepareCommand("", "p", true)
	assert.ErrorIs(t, err, ErrNoBaseImage)

	_, err = PrepareCommand("o", "", true)
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()))
		require.NoError(t, r.Run(ctx, "sh", "-c", "exit 0"))
	})

	t.Run("exit code", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()))
		err := r.Run(ctx, "sh", "-c", "echo broken >&2; exit 3")

		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, 3, toolErr.ExitCode)
		assert.Contains(t, toolErr.Output, "broken")
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("missing binary", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()))
		err := r.Run(ctx, "definitely-not-a-command-on-path")

		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, -1, toolErr.ExitCode)
	})

	t.Run("env", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()), WithEnv(map[string]string{"BUILDBOT_TEST": "bar"}))
		require.NoError(t, r.Run(ctx, "sh", "-c", `test "$BUILDBOT_TEST" = bar`))
	})

	t.Run("prepend", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()), WithPrependCmd("env", "BUILDBOT_WRAPPED=1"))
		assert.Equal(t, []string{"env", "BUILDBOT_WRAPPED=1", "sh", "-c", "true"}, r.Argv("sh", "-c", "true"))
		require.NoError(t, r.Run(ctx, "sh", "-c", `test "$BUILDBOT_WRAPPED" = 1`))
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewExecRunner(WithLogger(logging.Discard()), WithTimeout(50*time.Millisecond))
		err := r.Run(ctx, "sh", "-c", "exec sleep 5")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFormatCmd(t *testing.T) {
	got := FormatCmd(map[string]string{"B": "2", "A": "1"}, "sudo", "qemu-img", "create", "/path with space")
	assert.Equal(t, `A="1" B="2" sudo qemu-img create "/path with space"`, got)
}

func TestRemoveImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.qcow2")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, RemoveImage(path))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, RemoveImage(path))
	require.NoError(t, RemoveImage(""))
}

func TestWriteSeedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed", "bot1-seed.iso")
	seed := Seed{Name: "bot1", Password: "secret", Master: "master:9989", KeepaliveInterval: 3600}

	require.NoError(t, WriteSeedImage(path, seed))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	require.NoError(t, err)
	root, err := image.RootDir()
	require.NoError(t, err)
	children, err := root.GetChildren()
	require.NoError(t, err)

	var found *iso9660.File
	for _, child := range children {
		if !child.IsDir() && strings.EqualFold(child.Name(), SeedFileName) {
			found = child
		}
	}
	require.NotNil(t, found, "seed image has no %s", SeedFileName)

	data, err := io.ReadAll(found.Reader())
	require.NoError(t, err)
	var got Seed
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, seed, got)
}

func TestWriteSeedImage_Validation(t *testing.T) {
	require.Error(t, WriteSeedImage("", Seed{Name: "bot"}))
	require.Error(t, WriteSeedImage(filepath.Join(t.TempDir(), "s.iso"), Seed{}))
}

func TestVolumeLabel(t *testing.T) {
	assert.Equal(t, "BOT_1", VolumeLabel("bot-1"))
	assert.Equal(t, "WORKER", VolumeLabel())
	assert.Len(t, VolumeLabel(strings.Repeat("a", 40)), 32)
}
