//go:build linux

// Package resolve implements two interchangeable path-resolution
// engines: a portable userspace walker (Emulated, a component-at-a-time
// walk in the shape of cyphar/filepath-securejoin's
// partialLookupInRoot) and a single-syscall kernel-assisted walker
// (Kernel, built on openat2's RESOLVE_* flags).
package resolve

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
	"github.com/nestybox/sysbox-libs/saferoot/sysfd"
)

// postWalkBound caps the upward re-walk post-walk verification
// performs. It only needs to be large enough to cross any plausible
// directory depth; it is not a precise function of the input path,
// since by the time verification runs the path has already been fully
// resolved into a single descriptor.
const postWalkBound = 4096

// Emulated is the portable, component-at-a-time resolver. It never asks
// the kernel to enforce containment; every guarantee comes from
// checking this process's own fstat results between syscalls, plus a
// post-walk re-verification that detects a concurrent attacker having
// swapped a directory for a symlink mid-walk.
type Emulated struct{}

var _ domain.Resolver = Emulated{}

func (Emulated) Kind() domain.ResolverKind { return domain.ResolverEmulated }

func (e Emulated) Resolve(rootFd int, path string) (int, error) {
	fd, remaining, viaSymlink, err := e.walk(rootFd, splitComponents(path), path)
	if err != nil {
		return -1, err
	}
	if remaining != "" {
		_ = sysfd.Close(fd)
		return -1, &saferr.Error{Kind: saferr.KindNotFound, Description: fmt.Sprintf("path %q does not exist", path), ViaSymlink: viaSymlink}
	}
	return fd, nil
}

func (e Emulated) ResolveParent(rootFd int, path string) (int, string, error) {
	parent, leaf, ok := splitParentLeaf(path)
	if !ok {
		return -1, "", saferr.New(saferr.KindInvalidArgument, "path %q has no leaf component", path)
	}
	fd, remaining, viaSymlink, err := e.walk(rootFd, parent, path)
	if err != nil {
		return -1, "", err
	}
	if remaining != "" {
		_ = sysfd.Close(fd)
		return -1, "", &saferr.Error{Kind: saferr.KindNotFound, Description: fmt.Sprintf("parent of %q does not exist", path), ViaSymlink: viaSymlink}
	}
	st, err := sysfd.Fstat(fd)
	if err != nil {
		_ = sysfd.Close(fd)
		return -1, "", saferr.Wrap(err, saferr.KindInternal, "stat parent of %q", path)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		_ = sysfd.Close(fd)
		return -1, "", saferr.New(saferr.KindNotADirectory, "parent of %q is not a directory", path)
	}
	return fd, leaf, nil
}

// walk performs the component-at-a-time resolution and its post-walk
// verification. On success it returns an O_PATH descriptor and any
// unconsumed path, which is non-empty only when a named component was
// missing (the caller decides whether that is a hard not-found or an
// acceptable "parent-only" stopping point). The returned bool reports
// whether the missing component was itself taken from a symlink's
// target, for the audit trail.
func (e Emulated) walk(rootFd int, components []string, origPath string) (result int, remaining string, viaSymlink bool, err error) {
	rootStat, err := sysfd.Fstat(rootFd)
	if err != nil {
		return -1, "", false, saferr.Wrap(err, saferr.KindInternal, "stat root fd")
	}

	current, err := sysfd.Dup(rootFd)
	if err != nil {
		return -1, "", false, saferr.Wrap(err, saferr.KindInternal, "duplicate root fd")
	}
	defer func() {
		if err != nil {
			_ = sysfd.Close(current)
		}
	}()

	queue := append([]string(nil), components...)
	budget := domain.SymlinkMax
	// fromTarget counts the leading queue entries that came from a
	// symlink's target rather than from the caller's path.
	fromTarget := 0

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		nameFromTarget := fromTarget > 0
		if nameFromTarget {
			fromTarget--
		}

		switch name {
		case "", ".":
			continue

		case "..":
			curStat, serr := sysfd.Fstat(current)
			if serr != nil {
				return -1, "", false, saferr.Wrap(serr, saferr.KindInternal, "stat current directory")
			}
			if sysfd.SameFile(curStat, rootStat) {
				// Cannot escape above the root — neutralized as a no-op.
				continue
			}
			parentFd, operr := sysfd.OpenAt(current, "..", unix.O_PATH|unix.O_DIRECTORY, 0)
			if operr != nil {
				return -1, "", false, saferr.Wrap(operr, saferr.KindInternal, "open %q's parent", origPath)
			}
			_ = sysfd.Close(current)
			current = parentFd

		default:
			nextFd, operr := sysfd.OpenAt(current, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
			if operr != nil {
				if isNotExist(operr) {
					// Put the component back so the caller sees the full
					// unresolved remainder.
					return current, joinRemaining(name, queue), nameFromTarget, nil
				}
				return -1, "", false, operr
			}

			st, serr := sysfd.Fstat(nextFd)
			if serr != nil {
				_ = sysfd.Close(nextFd)
				return -1, "", false, saferr.Wrap(serr, saferr.KindInternal, "stat %q", name)
			}

			switch st.Mode & unix.S_IFMT {
			case unix.S_IFLNK:
				_ = sysfd.Close(nextFd)

				budget--
				if budget < 0 {
					return -1, "", false, saferr.New(saferr.KindLoop, "symlink limit exceeded resolving %q", origPath)
				}

				target, rerr := sysfd.ReadlinkAt(current, name)
				if rerr != nil {
					return -1, "", false, rerr
				}

				targetComponents := splitComponents(target)
				if len(target) > 0 && target[0] == '/' {
					rootClone, derr := sysfd.Dup(rootFd)
					if derr != nil {
						return -1, "", false, saferr.Wrap(derr, saferr.KindInternal, "clone root fd")
					}
					_ = sysfd.Close(current)
					current = rootClone
				}
				queue = append(targetComponents, queue...)
				fromTarget += len(targetComponents)

			case unix.S_IFDIR:
				_ = sysfd.Close(current)
				current = nextFd

			default:
				if len(queue) > 0 {
					_ = sysfd.Close(nextFd)
					return -1, "", false, saferr.New(saferr.KindNotADirectory, "%q is not a directory, resolving %q", name, origPath)
				}
				// A non-directory leaf has no ".." to climb from, so
				// containment is verified on the directory holding it.
				if verr := verifyContainment(rootFd, rootStat, current); verr != nil {
					_ = sysfd.Close(nextFd)
					return -1, "", false, verr
				}
				_ = sysfd.Close(current)
				return nextFd, "", false, nil
			}
		}
	}

	if verr := verifyContainment(rootFd, rootStat, current); verr != nil {
		return -1, "", false, verr
	}

	return current, "", false, nil
}

// verifyContainment re-walks upward from current via repeated ".."
// opens until it reaches an inode matching rootStat, confirming no
// concurrent mutation redirected the walk outside the root. It
// operates on a duplicate so it never disturbs the fd the caller is
// about to receive.
func verifyContainment(rootFd int, rootStat *unix.Stat_t, current int) error {
	cur, err := sysfd.Dup(current)
	if err != nil {
		return saferr.Wrap(err, saferr.KindInternal, "duplicate resolved fd for verification")
	}
	defer sysfd.Close(cur)

	st, err := sysfd.Fstat(cur)
	if err != nil {
		return saferr.Wrap(err, saferr.KindInternal, "stat resolved fd for verification")
	}
	if sysfd.SameFile(st, rootStat) {
		return nil
	}

	for i := 0; i < postWalkBound; i++ {
		parent, err := sysfd.OpenAt(cur, "..", unix.O_PATH|unix.O_DIRECTORY, 0)
		if err != nil {
			logrus.Warnf("saferoot: post-walk verification could not step up from fd %d: %v", cur, err)
			return saferr.New(saferr.KindSafetyViolation, "could not verify containment after resolution")
		}
		_ = sysfd.Close(cur)
		cur = parent

		st, err := sysfd.Fstat(cur)
		if err != nil {
			return saferr.Wrap(err, saferr.KindInternal, "stat during post-walk verification")
		}
		if sysfd.SameFile(st, rootStat) {
			return nil
		}
	}

	logrus.Errorf("saferoot: safety violation — resolved path never reached the root within %d steps", postWalkBound)
	return saferr.New(saferr.KindSafetyViolation, "resolved path escaped the root (concurrent mutation suspected)")
}

func isNotExist(err error) bool {
	se, ok := err.(*saferr.Error)
	return ok && se.Kind == saferr.KindOSError && se.Errno == int(unix.ENOENT)
}

func joinRemaining(head string, tail []string) string {
	parts := append([]string{head}, tail...)
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}
