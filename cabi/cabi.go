// Package cabi is the thin dispatch layer behind a C-compatible ABI:
// free and error-fetch functions typed by the object-kind tag, a
// configure function for Roots, and a Go-side table standing in for
// real C pointers. Actual cgo pointer
// passing, object lifetime across the FFI boundary, and string
// marshalling are out of scope here — this package demonstrates the
// dispatch shape a cgo export layer would sit on top of, nothing more.
package cabi

import (
	"sync"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/handle"
	"github.com/nestybox/sysbox-libs/saferoot/root"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
	"github.com/nestybox/sysbox-libs/saferoot/sysfd"
)

// Ref is the opaque token handed back in place of a real pointer.
// Ref(0) plays the role of a null pointer.
type Ref uintptr

type entry struct {
	kind   domain.ObjectKind
	root   *root.Root
	handle *handle.Handle
}

type table struct {
	mu      sync.Mutex
	next    uintptr
	entries map[uintptr]*entry
}

func newTable() *table {
	return &table{next: 1, entries: make(map[uintptr]*entry)}
}

func (t *table) put(e *entry) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := t.next
	t.next++
	t.entries[ref] = e
	return Ref(ref)
}

func (t *table) get(r Ref) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uintptr(r)]
	return e, ok
}

func (t *table) delete(r Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, uintptr(r))
}

var objects = newTable()

// SaferootRootOpen implements saferoot_root_open. It always returns a
// valid Ref of kind root: a failed Root is one whose only valid
// operations are SaferootErrorFetch then SaferootFree.
func SaferootRootOpen(path string, resolver domain.ResolverKind, allowFallback bool) Ref {
	r := root.OpenOrFailed(path, config.RootRaw{Resolver: resolver, AllowFallback: allowFallback})
	return objects.put(&entry{kind: domain.KindRoot, root: r})
}

// SaferootRootResolve implements saferoot_root_resolve. Returns Ref(0)
// on failure; the error is fetched from rootRef.
func SaferootRootResolve(rootRef Ref, path string) Ref {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return 0
	}
	h, err := e.root.Resolve(path)
	if err != nil {
		return 0
	}
	return objects.put(&entry{kind: domain.KindHandle, handle: h})
}

// SaferootRootCreat implements saferoot_root_creat.
func SaferootRootCreat(rootRef Ref, path string, mode uint32) Ref {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return 0
	}
	h, err := e.root.Creat(path, mode)
	if err != nil {
		return 0
	}
	return objects.put(&entry{kind: domain.KindHandle, handle: h})
}

// SaferootRootMkdir implements saferoot_root_mkdir: 0 on success, -1 on
// failure.
func SaferootRootMkdir(rootRef Ref, path string, mode uint32) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	if err := e.root.Mkdir(path, mode); err != nil {
		return -1
	}
	return 0
}

// SaferootRootMknod implements saferoot_root_mknod.
func SaferootRootMknod(rootRef Ref, path string, mode uint32, dev int) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	if err := e.root.Mknod(path, mode, dev); err != nil {
		return -1
	}
	return 0
}

// SaferootRootSymlink implements saferoot_root_symlink.
func SaferootRootSymlink(rootRef Ref, path, target string) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	if err := e.root.Symlink(path, target); err != nil {
		return -1
	}
	return 0
}

// SaferootRootHardlink implements saferoot_root_hardlink.
func SaferootRootHardlink(rootRef Ref, path, target string) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	if err := e.root.Hardlink(path, target); err != nil {
		return -1
	}
	return 0
}

// SaferootRootRename implements saferoot_root_rename.
func SaferootRootRename(rootRef Ref, src, dst string, flags uint) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	if err := e.root.Rename(src, dst, flags); err != nil {
		return -1
	}
	return 0
}

// SaferootHandleReopen implements saferoot_handle_reopen: returns the
// newly opened file descriptor, or -1 on failure. The fd is dup'd off
// the *os.File Reopen returns and that File is closed immediately,
// because os.File arms a finalizer that closes its fd once the File
// becomes unreachable — leaving the bare int we return here as the
// only reference would make it vulnerable to being closed out from
// under the caller at the next GC.
func SaferootHandleReopen(handleRef Ref, flags int) int {
	e, ok := objects.get(handleRef)
	if !ok || e.handle == nil {
		return -1
	}
	f, err := e.handle.Reopen(flags)
	if err != nil {
		return -1
	}
	defer f.Close()

	newFd, err := sysfd.Dup(int(f.Fd()))
	if err != nil {
		return -1
	}
	return newFd
}

// SaferootErrorFetch implements saferoot_error. The object kind recorded
// for ref in the table decides whether the Root's or the Handle's slot
// is read; it returns nil if no error is stashed or ref is unknown.
// Fetching clears the slot.
func SaferootErrorFetch(ref Ref) *saferr.Error {
	e, ok := objects.get(ref)
	if !ok {
		return nil
	}
	switch e.kind {
	case domain.KindRoot:
		return e.root.LastError()
	case domain.KindHandle:
		return e.handle.LastError()
	default:
		return nil
	}
}

// SaferootConfigure implements saferoot_configure for Roots only: it
// replaces the Root's resolver preference and fallback policy with cfg
// and returns 0, or returns -1 when rootRef does not name a Root in the
// table. It takes no object-kind argument, so the process-wide
// configuration cannot be read or written through it, and it does not
// return the previous configuration.
func SaferootConfigure(rootRef Ref, cfg config.RootRaw) int {
	e, ok := objects.get(rootRef)
	if !ok || e.root == nil {
		return -1
	}
	e.root.Configure(cfg)
	return 0
}

// SaferootFree implements saferoot_free: typed release by kind,
// releasing the underlying Root or Handle and dropping it from the
// table.
func SaferootFree(ref Ref) int {
	e, ok := objects.get(ref)
	if !ok {
		return -1
	}
	defer objects.delete(ref)

	switch e.kind {
	case domain.KindRoot:
		if err := e.root.Free(); err != nil {
			return -1
		}
	case domain.KindHandle:
		if err := e.handle.Free(); err != nil {
			return -1
		}
	}
	return 0
}
