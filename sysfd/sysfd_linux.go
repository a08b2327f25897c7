//go:build linux

// Package sysfd is the thin syscall surface the resolvers are built on:
// openat, mkdirat, mknodat, symlinkat, linkat, renameat2, readlinkat,
// fstatat and the extended-resolution openat2. Every function here
// reports the raw kernel error verbatim (as *saferr.Error of kind
// os-error) — interpretation (not-found vs loop vs safety-violation)
// happens one layer up, in the resolve package. The exceptions are
// OpenAt2, which reports ENOSYS as unsupported and a NUL byte in the
// path as invalid-argument, and Close, which drops EINTR.
package sysfd

import (
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

// RESOLVE_* flags for openat2, from linux/openat2.h. golang.org/x/sys
// does not export these at the pinned version, so they are declared
// here directly.
const (
	ResolveNoXDev       = 0x01
	ResolveNoMagicLinks = 0x02
	ResolveNoSymlinks   = 0x04
	ResolveBeneath      = 0x08
	ResolveInRoot       = 0x10
	ResolveCached       = 0x20
)

// OpenHow mirrors struct open_how from linux/openat2.h.
type OpenHow struct {
	Flags   uint64
	Mode    uint64
	Resolve uint64
}

func wrapErrno(op, path string, err error) error {
	if err == nil {
		return nil
	}
	errno, _ := err.(unix.Errno)
	return saferr.FromErrno(int(errno), "%s %q", op, path)
}

// OpenAt opens name relative to dirFd, returning the new descriptor.
// Callers needing O_PATH|O_NOFOLLOW|O_CLOEXEC semantics (the emulated
// resolver's per-component open) pass those flags directly.
func OpenAt(dirFd int, name string, flags int, mode uint32) (int, error) {
	fd, err := unix.Openat(dirFd, name, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, wrapErrno("openat", name, err)
	}
	return fd, nil
}

// OpenAt2 issues the extended-resolution open the kernel resolver relies
// on. ENOSYS is returned as a KindUnsupported *saferr.Error so callers
// can decide whether to fall back to the emulated resolver.
func OpenAt2(dirFd int, name string, how *OpenHow) (int, error) {
	namePtr, err := unix.BytePtrFromString(name)
	if err != nil {
		return -1, saferr.Wrap(err, saferr.KindInvalidArgument, "path %q contains a NUL byte", name)
	}

	fd, _, errno := unix.Syscall6(
		unix.SYS_OPENAT2,
		uintptr(dirFd),
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(unsafe.Pointer(how)),
		unsafe.Sizeof(*how),
		0, 0,
	)
	if errno != 0 {
		if errno == unix.ENOSYS {
			return -1, &saferr.Error{Kind: saferr.KindUnsupported, Errno: int(errno), Description: "openat2 not supported by this kernel"}
		}
		return -1, saferr.FromErrno(int(errno), "openat2 %q", name)
	}
	return int(fd), nil
}

// MkdirAt creates a directory named name relative to dirFd.
func MkdirAt(dirFd int, name string, mode uint32) error {
	if err := unix.Mkdirat(dirFd, name, mode); err != nil {
		return wrapErrno("mkdirat", name, err)
	}
	return nil
}

// MknodAt creates a filesystem node (device special file, fifo, regular
// file, ...) as encoded in mode.
func MknodAt(dirFd int, name string, mode uint32, dev int) error {
	if err := unix.Mknodat(dirFd, name, mode, dev); err != nil {
		return wrapErrno("mknodat", name, err)
	}
	return nil
}

// SymlinkAt creates a symlink named name, relative to dirFd, whose
// target is stored verbatim (it is never validated at creation time).
func SymlinkAt(target string, dirFd int, name string) error {
	if err := unix.Symlinkat(target, dirFd, name); err != nil {
		return wrapErrno("symlinkat", name, err)
	}
	return nil
}

// LinkAt creates a hard link from oldDirFd/oldName to newDirFd/newName.
func LinkAt(oldDirFd int, oldName string, newDirFd int, newName string, flags int) error {
	if err := unix.Linkat(oldDirFd, oldName, newDirFd, newName, flags); err != nil {
		return wrapErrno("linkat", newName, err)
	}
	return nil
}

// RenameAt2 renames oldName (relative to oldDirFd) to newName (relative
// to newDirFd) honoring the renameat2(2) flags (RENAME_EXCHANGE,
// RENAME_NOREPLACE, ...).
func RenameAt2(oldDirFd int, oldName string, newDirFd int, newName string, flags uint) error {
	if err := unix.Renameat2(oldDirFd, oldName, newDirFd, newName, int(flags)); err != nil {
		return wrapErrno("renameat2", newName, err)
	}
	return nil
}

// ReadlinkAt reads the target of the symlink named name, relative to
// dirFd.
func ReadlinkAt(dirFd int, name string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(dirFd, name, buf)
	if err != nil {
		return "", wrapErrno("readlinkat", name, err)
	}
	return string(buf[:n]), nil
}

// FstatAt stats name relative to dirFd without following a trailing
// symlink unless flags clears AT_SYMLINK_NOFOLLOW.
func FstatAt(dirFd int, name string, flags int) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, name, &st, flags); err != nil {
		return nil, wrapErrno("fstatat", name, err)
	}
	return &st, nil
}

// Fstat stats an already-open descriptor.
func Fstat(fd int) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, wrapErrno("fstat", "", err)
	}
	return &st, nil
}

// SameFile reports whether two stat results refer to the same inode on
// the same device — the device+inode comparison used to detect
// "current is the root" during ".." handling and during post-walk
// verification.
func SameFile(a, b *unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// Dup duplicates fd with the close-on-exec flag set, the same
// discipline every descriptor the resolvers hold must carry.
func Dup(fd int) (int, error) {
	newFd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, wrapErrno("dup", "", err)
	}
	return int(newFd), nil
}

// Close closes fd, swallowing EINTR the way close(2) callers must
// (retrying close on EINTR risks closing an unrelated fd on Linux).
func Close(fd int) error {
	if err := unix.Close(fd); err != nil && err != unix.EINTR {
		return wrapErrno("close", "", err)
	}
	return nil
}

// ProcSelfFd returns the /proc/self/fd/<n> path used by reopen to turn
// an O_PATH descriptor into one usable for real I/O.
func ProcSelfFd(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

// ProcfsAvailable reports whether /proc/self/fd is usable, so Reopen
// can fail KindUnsupported rather than a confusing ENOENT when procfs
// isn't mounted.
func ProcfsAvailable() bool {
	_, err := os.Stat("/proc/self/fd")
	return err == nil
}
