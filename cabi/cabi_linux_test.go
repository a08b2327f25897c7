//go:build linux

package cabi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/domain"
)

func TestRootOpenResolveReopenFree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("hi"), 0o644))

	rootRef := SaferootRootOpen(dir, domain.ResolverKernel, true)
	require.NotEqual(t, Ref(0), rootRef)
	defer SaferootFree(rootRef)

	handleRef := SaferootRootResolve(rootRef, "a")
	require.NotEqual(t, Ref(0), handleRef)
	defer SaferootFree(handleRef)

	fd := SaferootHandleReopen(handleRef, unix.O_RDONLY)
	require.GreaterOrEqual(t, fd, 0)
	defer unix.Close(fd)

	buf := make([]byte, 2)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestRootOpenFailureReturnsDummyWithError(t *testing.T) {
	rootRef := SaferootRootOpen("/does/not/exist", domain.ResolverKernel, true)
	require.NotEqual(t, Ref(0), rootRef)
	defer SaferootFree(rootRef)

	e := SaferootErrorFetch(rootRef)
	require.NotNil(t, e)

	assert.Nil(t, SaferootErrorFetch(rootRef), "fetching clears the slot")
}

func TestMkdirCreatSymlinkHardlinkRename(t *testing.T) {
	dir := t.TempDir()
	rootRef := SaferootRootOpen(dir, domain.ResolverKernel, true)
	defer SaferootFree(rootRef)

	assert.Equal(t, 0, SaferootRootMkdir(rootRef, "sub", 0o755))

	creatRef := SaferootRootCreat(rootRef, "sub/file", 0o644)
	require.NotEqual(t, Ref(0), creatRef)
	SaferootFree(creatRef)

	assert.Equal(t, 0, SaferootRootSymlink(rootRef, "link", "sub/file"))
	assert.Equal(t, 0, SaferootRootHardlink(rootRef, "hard", "sub/file"))
	assert.Equal(t, 0, SaferootRootRename(rootRef, "hard", "sub/renamed", 0))

	_, err := os.Stat(filepath.Join(dir, "sub", "renamed"))
	require.NoError(t, err)
}

func TestResolveMissingReturnsNullRef(t *testing.T) {
	dir := t.TempDir()
	rootRef := SaferootRootOpen(dir, domain.ResolverKernel, true)
	defer SaferootFree(rootRef)

	ref := SaferootRootResolve(rootRef, "missing")
	assert.Equal(t, Ref(0), ref)

	e := SaferootErrorFetch(rootRef)
	require.NotNil(t, e)
}

func TestFreeUnknownRefFails(t *testing.T) {
	assert.Equal(t, -1, SaferootFree(Ref(99999)))
}
