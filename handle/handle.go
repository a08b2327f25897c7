// Package handle implements the Handle object: an opaque,
// already-resolved reference to an inode inside some Root's subtree,
// independent of that Root's lifetime because it holds its own O_PATH
// descriptor.
package handle

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
	"github.com/nestybox/sysbox-libs/saferoot/sysfd"
)

// Handle owns an O_PATH descriptor resolved inside a Root's subtree.
// Distinct Handles may be used from distinct goroutines, but a single
// Handle's last-error slot is not synchronized beyond the mutex
// guarding the fd/freed transition itself — fetching the error is
// still the caller's responsibility to serialize, matching the C ABI's
// last-error-slot contract.
type Handle struct {
	mu      sync.Mutex
	fd      int
	freed   bool
	lastErr *saferr.Error
}

// New wraps an already-resolved O_PATH descriptor. Callers are
// exclusively the resolvers (via root.Root), never user code directly.
func New(fd int) *Handle {
	return &Handle{fd: fd}
}

// Fd exposes the raw O_PATH descriptor, for callers (root.Root's own
// mutating operations) that need to pass it to an *at syscall.
func (h *Handle) Fd() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return -1, saferr.New(saferr.KindInvalidArgument, "handle already freed")
	}
	return h.fd, nil
}

// Reopen translates the path-only descriptor into one usable for real
// I/O, by opening /proc/self/fd/<n> with the requested flags. This is
// safe regardless of subsequent renames or unlinks of the original
// path, because /proc/self/fd/<n> always refers to the exact inode the
// Handle pinned.
func (h *Handle) Reopen(flags int) (f *os.File, err error) {
	defer func() { h.stash(err) }()

	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		return nil, saferr.New(saferr.KindInvalidArgument, "handle already freed")
	}
	fd := h.fd
	h.mu.Unlock()

	if flags&unix.O_CREAT != 0 {
		return nil, saferr.New(saferr.KindInvalidArgument, "O_CREAT is not valid for reopen")
	}
	flags |= unix.O_NOCTTY

	if !sysfd.ProcfsAvailable() {
		return nil, &saferr.Error{Kind: saferr.KindUnsupported, Description: "/proc/self/fd is not mounted; reopen requires procfs"}
	}

	newFd, err := unix.Open(sysfd.ProcSelfFd(fd), flags, 0)
	if err != nil {
		errno, _ := err.(unix.Errno)
		return nil, saferr.FromErrno(int(errno), "reopen via /proc/self/fd/%d", fd)
	}

	return os.NewFile(uintptr(newFd), sysfd.ProcSelfFd(fd)), nil
}

// LastError returns and clears the handle's stashed error; fetching it
// clears the slot.
func (h *Handle) LastError() *saferr.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lastErr
	h.lastErr = nil
	return e
}

// stash records err (nil clears the slot), capturing a backtrace first
// when the process-wide configuration asks for one.
func (h *Handle) stash(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.lastErr = nil
		return
	}
	if se, ok := err.(*saferr.Error); ok {
		if config.Default().Global().ErrorBacktraces {
			se.WithBacktrace()
		}
		h.lastErr = se
		return
	}
	h.lastErr = saferr.Wrap(err, saferr.KindInternal, "unexpected error type")
}

// Free releases the underlying descriptor. Any further use of the
// Handle is undefined — Go's memory safety means we don't corrupt
// memory, but the fd is gone, so Fd/Reopen after Free return
// invalid-argument rather than panicking.
func (h *Handle) Free() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return nil
	}
	h.freed = true
	return sysfd.Close(h.fd)
}
