// Package domain holds the small, dependency-free vocabulary shared
// across saferoot's packages: the object-kind and resolver tags that
// are stable ABI, and the interfaces root and handle satisfy so
// resolve and cabi can depend on behavior rather than concrete types.
package domain

// ObjectKind tags a C ABI object for typed free/configure/error-fetch
// dispatch. Numeric values are stable ABI and intentionally sparse, to
// leave room for tag ranges to grow.
type ObjectKind uint32

const (
	KindInvalid ObjectKind = 0
	KindNone    ObjectKind = 57343
	KindError   ObjectKind = 57344
	KindRoot    ObjectKind = 57345
	KindHandle  ObjectKind = 57346
)

func (k ObjectKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindError:
		return "error"
	case KindRoot:
		return "root"
	case KindHandle:
		return "handle"
	default:
		return "invalid"
	}
}

// ResolverKind selects between the kernel-assisted and emulated
// resolvers. Numeric values are stable ABI.
type ResolverKind uint32

const (
	ResolverInvalid  ResolverKind = 0
	ResolverKernel   ResolverKind = 61440
	ResolverEmulated ResolverKind = 61441
)

func (r ResolverKind) String() string {
	switch r {
	case ResolverKernel:
		return "kernel"
	case ResolverEmulated:
		return "emulated"
	default:
		return "invalid"
	}
}

// SymlinkMax is the per-resolution symlink expansion budget: the
// number of symlinks a single resolve may follow before it fails with
// KindLoop instead of looping forever.
const SymlinkMax = 40

// Resolver is the algorithm a Root dispatches to: component-at-a-time
// containment-preserving path resolution. Both resolve.Emulated and
// resolve.Kernel satisfy this.
type Resolver interface {
	// Resolve walks path ("" for the root itself) starting from rootFd
	// and returns an O_PATH descriptor to the resolved inode.
	Resolve(rootFd int, path string) (fd int, err error)

	// ResolveParent walks every component of path except the last,
	// returning an O_PATH|O_DIRECTORY descriptor to the parent and the
	// leaf component's name, so a mutating operation can apply a
	// single *at syscall to it instead of resolving and then
	// re-touching the final component separately.
	ResolveParent(rootFd int, path string) (parentFd int, leaf string, err error)

	// Kind identifies which resolver this is, for the Root's
	// kernel-to-emulated fallback decision.
	Kind() ResolverKind
}
