//go:build linux

// Package root implements the Root object: the trusted anchor
// directory every resolution and mutation is relative to. A Root owns
// an O_PATH descriptor on the anchor, dispatches each operation to the
// configured resolver (falling back from kernel to emulated on ENOSYS
// when permitted), and keeps the last-error slot and audit trail the
// ABI layer and operators rely on.
package root

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/handle"
	"github.com/nestybox/sysbox-libs/saferoot/resolve"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
	"github.com/nestybox/sysbox-libs/saferoot/sysfd"
)

// Root anchors every resolution performed through it to one directory,
// identified by its own O_PATH descriptor rather than by the path
// string used to open it: its identity is the directory, not the
// string that named it.
type Root struct {
	mu      sync.Mutex
	rootFd  int
	freed   bool
	lastErr *saferr.Error

	cfg config.RootRaw

	audit *auditLog
}

// Open resolves path (via the host's ordinary path resolution, once,
// at open time only) and anchors a new Root to it. path must name an
// existing directory; if the emulated resolver ends up governing this
// Root, path must also already be fully canonicalized, since Open does
// not canonicalize on the caller's behalf.
func Open(path string, cfg config.RootRaw) (*Root, error) {
	fd, err := sysfd.OpenAt(unix.AT_FDCWD, path, unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	st, err := sysfd.Fstat(fd)
	if err != nil {
		_ = sysfd.Close(fd)
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		_ = sysfd.Close(fd)
		return nil, saferr.New(saferr.KindNotADirectory, "%q is not a directory", path)
	}

	return &Root{
		rootFd: fd,
		cfg:    cfg,
		audit:  newAuditLog(),
	}, nil
}

// OpenOrFailed is Open's ABI-facing counterpart: a C caller has no
// thread-local to park an error in before any object exists, so this
// always returns a non-nil Root. A Root built this way carries no real
// descriptor; its only valid operations are LastError and Free.
func OpenOrFailed(path string, cfg config.RootRaw) *Root {
	r, err := Open(path, cfg)
	if err == nil {
		return r
	}
	dummy := &Root{rootFd: -1, cfg: cfg, audit: newAuditLog()}
	dummy.stash(path, err)
	return dummy
}

// currentCfg returns a copy of this Root's configuration, guarded the
// same way Configure mutates it.
func (r *Root) currentCfg() config.RootRaw {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// resolver picks the resolver this Root currently prefers.
func (r *Root) resolver() domain.Resolver {
	if r.currentCfg().Resolver == domain.ResolverEmulated {
		return resolve.Emulated{}
	}
	return resolve.Kernel{}
}

// withFallback runs try against the preferred resolver, and on an
// unsupported (ENOSYS) failure from the kernel resolver falls back to
// the emulated one when the configured AllowFallback permits it.
func (r *Root) withFallback(try func(domain.Resolver) (int, string, error)) (int, string, error) {
	r.mu.Lock()
	freed := r.freed
	r.mu.Unlock()
	if freed {
		return -1, "", saferr.New(saferr.KindInvalidArgument, "root already freed")
	}

	res := r.resolver()
	fd, leaf, err := try(res)
	if err != nil && res.Kind() == domain.ResolverKernel && saferr.Is(err, saferr.KindUnsupported) {
		if !r.currentCfg().AllowFallback {
			return fd, leaf, err
		}
		logrus.Warnf("saferoot: kernel resolver unsupported, falling back to emulated resolver")
		fd, leaf, err = try(resolve.Emulated{})
	}
	return fd, leaf, err
}

func (r *Root) resolveFd(path string) (int, error) {
	fd, _, err := r.withFallback(func(res domain.Resolver) (int, string, error) {
		fd, err := res.Resolve(r.rootFd, path)
		return fd, "", err
	})
	return fd, err
}

func (r *Root) resolveParentFd(path string) (int, string, error) {
	return r.withFallback(func(res domain.Resolver) (int, string, error) {
		return res.ResolveParent(r.rootFd, path)
	})
}

// stash records err (nil clears the slot) the same way handle.Handle
// does, captures a backtrace when the process-wide configuration asks
// for one, and files a safety-violation or not-found-via-symlink entry
// in the audit trail so operators can retrieve it via Stats.
func (r *Root) stash(path string, err error) {
	r.mu.Lock()
	if err == nil {
		r.lastErr = nil
	} else if se, ok := err.(*saferr.Error); ok {
		if config.Default().Global().ErrorBacktraces {
			se.WithBacktrace()
		}
		r.lastErr = se
	} else {
		r.lastErr = saferr.Wrap(err, saferr.KindInternal, "unexpected error type")
	}
	r.mu.Unlock()

	if err == nil {
		return
	}
	if saferr.Is(err, saferr.KindSafetyViolation) {
		r.audit.record(Entry{Path: path, Kind: "safety-violation", Detail: err.Error(), Recorded: time.Now()})
		return
	}
	if se, ok := err.(*saferr.Error); ok && se.Kind == saferr.KindNotFound && se.ViaSymlink {
		// A symlink resolved fine but its target didn't — worth
		// recording even though a plain missing leaf is not, since it's
		// a common probing pattern.
		r.audit.record(Entry{Path: path, Kind: "not-found-via-symlink", Detail: err.Error(), Recorded: time.Now()})
	}
}

// LastError returns and clears this Root's stashed error.
func (r *Root) LastError() *saferr.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lastErr
	r.lastErr = nil
	return e
}

// Configure replaces this Root's resolver preference and fallback
// policy.
func (r *Root) Configure(cfg config.RootRaw) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Stats returns a snapshot of this Root's entire audit trail.
func (r *Root) Stats() []Entry {
	return r.audit.snapshot()
}

// StatsFor returns the recorded audit history for a single path, if
// any — cheaper than scanning Stats's full snapshot when a caller
// already knows which path it's interested in.
func (r *Root) StatsFor(path string) ([]Entry, bool) {
	return r.audit.lookup(path)
}

// Resolve walks path inside the root and returns a Handle to the
// resolved inode.
func (r *Root) Resolve(path string) (*handle.Handle, error) {
	fd, err := r.resolveFd(path)
	r.stash(path, err)
	if err != nil {
		return nil, err
	}
	return handle.New(fd), nil
}

// Creat creates path as a new regular file (failing if it already
// exists) and returns a Handle to it. The creating open and the
// Handle's O_PATH open are two syscalls on the same already-resolved
// parent descriptor — the O_EXCL on the first means nothing else can
// have raced into existence under that name first.
func (r *Root) Creat(path string, mode uint32) (h *handle.Handle, err error) {
	defer func() { r.stash(path, err) }()

	parentFd, leaf, err := r.resolveParentFd(path)
	if err != nil {
		return nil, err
	}
	defer sysfd.Close(parentFd)

	fd, err := sysfd.OpenAt(parentFd, leaf, unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_WRONLY, mode)
	if err != nil {
		return nil, err
	}
	_ = sysfd.Close(fd)

	pfd, err := sysfd.OpenAt(parentFd, leaf, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	return handle.New(pfd), nil
}

// Mkdir creates path as a new directory.
func (r *Root) Mkdir(path string, mode uint32) (err error) {
	defer func() { r.stash(path, err) }()

	parentFd, leaf, err := r.resolveParentFd(path)
	if err != nil {
		return err
	}
	defer sysfd.Close(parentFd)

	return sysfd.MkdirAt(parentFd, leaf, mode)
}

// Mknod creates path as a special file (device, fifo, ...).
func (r *Root) Mknod(path string, mode uint32, dev int) (err error) {
	defer func() { r.stash(path, err) }()

	parentFd, leaf, err := r.resolveParentFd(path)
	if err != nil {
		return err
	}
	defer sysfd.Close(parentFd)

	return sysfd.MknodAt(parentFd, leaf, mode, dev)
}

// Symlink creates path as a new symlink pointing at target, stored
// verbatim and never validated.
func (r *Root) Symlink(path, target string) (err error) {
	defer func() { r.stash(path, err) }()

	parentFd, leaf, err := r.resolveParentFd(path)
	if err != nil {
		return err
	}
	defer sysfd.Close(parentFd)

	return sysfd.SymlinkAt(target, parentFd, leaf)
}

// Hardlink creates path as a new hard link to target. Both target's
// parent and path's parent are resolved safely, and the link itself is
// created by name relative to those two already-resolved parents, so
// the final component of either path is never opened or followed
// separately.
func (r *Root) Hardlink(path, target string) (err error) {
	defer func() { r.stash(path, err) }()

	targetParentFd, targetLeaf, err := r.resolveParentFd(target)
	if err != nil {
		return err
	}
	defer sysfd.Close(targetParentFd)

	parentFd, leaf, err := r.resolveParentFd(path)
	if err != nil {
		return err
	}
	defer sysfd.Close(parentFd)

	return sysfd.LinkAt(targetParentFd, targetLeaf, parentFd, leaf, 0)
}

// Rename moves src to dst, honoring renameat2(2) flags
// (RENAME_NOREPLACE, RENAME_EXCHANGE, ...).
func (r *Root) Rename(src, dst string, flags uint) (err error) {
	defer func() { r.stash(src, err) }()

	srcParentFd, srcLeaf, err := r.resolveParentFd(src)
	if err != nil {
		return err
	}
	defer sysfd.Close(srcParentFd)

	dstParentFd, dstLeaf, err := r.resolveParentFd(dst)
	if err != nil {
		return err
	}
	defer sysfd.Close(dstParentFd)

	return sysfd.RenameAt2(srcParentFd, srcLeaf, dstParentFd, dstLeaf, flags)
}

// Free releases the Root's anchor descriptor. Further use is
// undefined; Go's safety means this returns invalid-argument rather
// than corrupting memory.
func (r *Root) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil
	}
	r.freed = true
	if r.rootFd < 0 {
		// A dummy Root built by OpenOrFailed never held a descriptor.
		return nil
	}
	return sysfd.Close(r.rootFd)
}
