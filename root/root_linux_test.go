//go:build linux

package root

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

func openTestRoot(t *testing.T, dir string, cfg config.RootRaw) *Root {
	t.Helper()
	r, err := Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Free() })
	return r
}

var resolverConfigs = map[string]config.RootRaw{
	"kernel":   {Resolver: domain.ResolverKernel, AllowFallback: true},
	"emulated": {Resolver: domain.ResolverEmulated},
}

func forEachResolverConfig(t *testing.T, f func(t *testing.T, cfg config.RootRaw)) {
	for name, cfg := range resolverConfigs {
		cfg := cfg
		t.Run(name, func(t *testing.T) { f(t, cfg) })
	}
}

func TestMkdirCreatResolve(t *testing.T) {
	forEachResolverConfig(t, func(t *testing.T, cfg config.RootRaw) {
		dir := t.TempDir()
		r := openTestRoot(t, dir, cfg)

		require.NoError(t, r.Mkdir("sub", 0o755))

		h, err := r.Creat("sub/file", 0o644)
		require.NoError(t, err)
		defer h.Free()

		f, err := h.Reopen(unix.O_WRONLY)
		require.NoError(t, err)
		_, err = f.Write([]byte("hi"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		got, err := os.ReadFile(filepath.Join(dir, "sub", "file"))
		require.NoError(t, err)
		assert.Equal(t, "hi", string(got))

		h2, err := r.Resolve("sub/file")
		require.NoError(t, err)
		defer h2.Free()
	})
}

func TestCreatRejectsExisting(t *testing.T) {
	forEachResolverConfig(t, func(t *testing.T, cfg config.RootRaw) {
		dir := t.TempDir()
		r := openTestRoot(t, dir, cfg)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

		_, err := r.Creat("a", 0o644)
		require.Error(t, err)

		fetched := r.LastError()
		require.NotNil(t, fetched)
		assert.Equal(t, saferr.KindOSError, fetched.Kind)
	})
}

func TestSymlinkAndHardlink(t *testing.T) {
	forEachResolverConfig(t, func(t *testing.T, cfg config.RootRaw) {
		dir := t.TempDir()
		r := openTestRoot(t, dir, cfg)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "real"), []byte("data"), 0o644))
		require.NoError(t, r.Symlink("link", "real"))
		require.NoError(t, r.Hardlink("hard", "real"))

		target, err := os.Readlink(filepath.Join(dir, "link"))
		require.NoError(t, err)
		assert.Equal(t, "real", target)

		got, err := os.ReadFile(filepath.Join(dir, "hard"))
		require.NoError(t, err)
		assert.Equal(t, "data", string(got))
	})
}

func TestRenameMovesFile(t *testing.T) {
	forEachResolverConfig(t, func(t *testing.T, cfg config.RootRaw) {
		dir := t.TempDir()
		r := openTestRoot(t, dir, cfg)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
		require.NoError(t, r.Mkdir("dst", 0o755))

		require.NoError(t, r.Rename("a", "dst/b", 0))

		_, err := os.Stat(filepath.Join(dir, "a"))
		require.True(t, os.IsNotExist(err))
		got, err := os.ReadFile(filepath.Join(dir, "dst", "b"))
		require.NoError(t, err)
		assert.Equal(t, "x", string(got))
	})
}

func TestSymlinkEscapeRejectedByRoot(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape")))

	forEachResolverConfig(t, func(t *testing.T, cfg config.RootRaw) {
		r := openTestRoot(t, dir, cfg)

		_, err := r.Resolve("escape/x")
		require.Error(t, err)
	})
}

func TestConfigureSwitchesResolver(t *testing.T) {
	dir := t.TempDir()
	r := openTestRoot(t, dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})

	require.NoError(t, r.Mkdir("sub", 0o755))

	r.Configure(config.RootRaw{Resolver: domain.ResolverEmulated})
	h, err := r.Resolve("sub")
	require.NoError(t, err)
	require.NoError(t, h.Free())
}

func TestRootFreeThenUseFails(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})
	require.NoError(t, err)
	require.NoError(t, r.Free())

	_, err = r.Resolve(".")
	require.Error(t, err)
}

func TestOpenRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Open(file, config.RootRaw{Resolver: domain.ResolverKernel})
	require.Error(t, err)
}

func TestStatsRecordsSafetyViolation(t *testing.T) {
	dir := t.TempDir()
	r := openTestRoot(t, dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})

	r.audit.record(Entry{Path: "probe", Kind: "safety-violation", Detail: "synthetic", Recorded: time.Now()})

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "probe", stats[0].Path)
}

func TestStatsForReturnsSinglePathHistory(t *testing.T) {
	dir := t.TempDir()
	r := openTestRoot(t, dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})

	r.audit.record(Entry{Path: "a", Kind: "safety-violation", Detail: "first", Recorded: time.Now()})
	r.audit.record(Entry{Path: "a", Kind: "safety-violation", Detail: "second", Recorded: time.Now()})
	r.audit.record(Entry{Path: "b", Kind: "safety-violation", Detail: "other", Recorded: time.Now()})

	entries, ok := r.StatsFor("a")
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Detail)
	assert.Equal(t, "second", entries[1].Detail)

	_, ok = r.StatsFor("never-probed")
	assert.False(t, ok)
}

func TestBacktraceCapturedWhenConfigured(t *testing.T) {
	config.Default().SetGlobal(config.Global{ErrorBacktraces: true})
	defer config.Default().SetGlobal(config.Global{ErrorBacktraces: false})

	dir := t.TempDir()
	r := openTestRoot(t, dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	_, err := r.Creat("a", 0o644)
	require.Error(t, err)

	fetched := r.LastError()
	require.NotNil(t, fetched)
	assert.NotEmpty(t, fetched.Backtrace)
}

func TestNoBacktraceWhenNotConfigured(t *testing.T) {
	config.Default().SetGlobal(config.Global{ErrorBacktraces: false})

	dir := t.TempDir()
	r := openTestRoot(t, dir, config.RootRaw{Resolver: domain.ResolverKernel, AllowFallback: true})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	_, err := r.Creat("a", 0o644)
	require.Error(t, err)

	fetched := r.LastError()
	require.NotNil(t, fetched)
	assert.Empty(t, fetched.Backtrace)
}
