//go:build linux

package resolve

import (
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
	"github.com/nestybox/sysbox-libs/saferoot/sysfd"
)

// Kernel is the single-syscall resolver: it issues exactly one
// openat2(2) per Resolve, with RESOLVE_IN_ROOT | RESOLVE_NO_MAGICLINKS,
// and lets the kernel itself enforce that symlink targets and ".."
// cannot escape the root directory fd.
type Kernel struct{}

var _ domain.Resolver = Kernel{}

func (Kernel) Kind() domain.ResolverKind { return domain.ResolverKernel }

func (Kernel) Resolve(rootFd int, path string) (int, error) {
	if path == "" {
		path = "."
	}
	fd, err := sysfd.OpenAt2(rootFd, path, &sysfd.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: uint64(sysfd.ResolveInRoot | sysfd.ResolveNoMagicLinks),
	})
	if err != nil {
		return -1, translateResolveErr(err, path)
	}
	return fd, nil
}

func (Kernel) ResolveParent(rootFd int, path string) (int, string, error) {
	parent, leaf, ok := splitParentLeaf(path)
	if !ok {
		return -1, "", saferr.New(saferr.KindInvalidArgument, "path %q has no leaf component", path)
	}

	parentPath := ""
	for i, c := range parent {
		if i > 0 {
			parentPath += "/"
		}
		parentPath += c
	}
	if parentPath == "" {
		parentPath = "."
	}

	fd, err := sysfd.OpenAt2(rootFd, parentPath, &sysfd.OpenHow{
		Flags:   unix.O_PATH | unix.O_DIRECTORY | unix.O_CLOEXEC,
		Resolve: uint64(sysfd.ResolveInRoot | sysfd.ResolveNoMagicLinks),
	})
	if err != nil {
		return -1, "", translateResolveErr(err, path)
	}
	return fd, leaf, nil
}

// translateResolveErr maps openat2's raw errno onto the shared Kind
// vocabulary so callers above the resolver layer never need to know
// which resolver produced the failure — the kernel and emulated
// resolvers must produce equivalent errors for the same underlying
// condition, not just equivalent handles on success.
func translateResolveErr(err error, path string) error {
	se, ok := err.(*saferr.Error)
	if !ok || se.Kind != saferr.KindOSError {
		return err
	}
	switch unix.Errno(se.Errno) {
	case unix.ENOENT:
		return saferr.Wrap(se, saferr.KindNotFound, "path %q does not exist", path)
	case unix.ENOTDIR:
		return saferr.Wrap(se, saferr.KindNotADirectory, "a non-final component of %q is not a directory", path)
	case unix.ELOOP:
		return saferr.Wrap(se, saferr.KindLoop, "too many symlinks resolving %q", path)
	case unix.EXDEV:
		return saferr.Wrap(se, saferr.KindSafetyViolation, "path %q would cross a mountpoint", path)
	default:
		return se
	}
}
