//go:build linux

package handle

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

func openPath(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	return fd
}

func TestReopenReadsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("hello world"), 0o644))

	h := New(openPath(t, file))
	defer h.Free()

	f, err := h.Reopen(unix.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestReopenRejectsCreate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	h := New(openPath(t, file))
	defer h.Free()

	_, err := h.Reopen(unix.O_WRONLY | unix.O_CREAT)
	require.Error(t, err)
	se, ok := err.(*saferr.Error)
	require.True(t, ok)
	assert.Equal(t, saferr.KindInvalidArgument, se.Kind)

	fetched := h.LastError()
	require.NotNil(t, fetched)
	assert.Equal(t, saferr.KindInvalidArgument, fetched.Kind)
	assert.Nil(t, h.LastError(), "fetching clears the slot")
}

func TestHandleOutlivesNothingElse(t *testing.T) {
	// A Handle pins its own fd; this test only documents that Reopen
	// keeps working after the file has been renamed/unlinked, since
	// /proc/self/fd/<n> always refers to the pinned inode regardless.
	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	h := New(openPath(t, file))
	defer h.Free()

	require.NoError(t, os.Remove(file))

	f, err := h.Reopen(unix.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStashCapturesBacktraceWhenConfigured(t *testing.T) {
	config.Default().SetGlobal(config.Global{ErrorBacktraces: true})
	defer config.Default().SetGlobal(config.Global{ErrorBacktraces: false})

	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	h := New(openPath(t, file))
	defer h.Free()

	_, err := h.Reopen(unix.O_WRONLY | unix.O_CREAT)
	require.Error(t, err)

	fetched := h.LastError()
	require.NotNil(t, fetched)
	assert.NotEmpty(t, fetched.Backtrace)
}

func TestFreeThenUseFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	h := New(openPath(t, file))
	require.NoError(t, h.Free())

	_, err := h.Reopen(unix.O_RDONLY)
	require.Error(t, err)

	_, err = h.Fd()
	require.Error(t, err)
}
