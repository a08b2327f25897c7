// Package config implements size-versioned configuration structs: a
// process-wide Global configuration and a per-Root configuration, both
// wire-compatible across versions by carrying their own size and by
// zero-extending a caller's smaller, older struct or rejecting a larger
// one whose unknown tail is nonzero.
package config

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

// Global is the process-wide configuration: currently just the
// backtrace-capture toggle. It is safe for concurrent access, since it
// is read far more often than it is written.
type Global struct {
	ErrorBacktraces bool
}

// globalConfigWireSize is the only wire layout known today: one byte of
// flags. Future versions would grow this and bump the size while this
// function keeps decoding the byte(s) it understands.
const globalConfigWireSize = 1

const flagErrorBacktraces = 1 << 0

// EncodeGlobal serialises g into its current wire representation.
func EncodeGlobal(g Global) []byte {
	buf := make([]byte, globalConfigWireSize)
	if g.ErrorBacktraces {
		buf[0] |= flagErrorBacktraces
	}
	return buf
}

// DecodeGlobal parses raw: a shorter raw is zero-extended (older
// caller, unaware of bits added since), a longer raw must have an
// all-zero tail (newer caller using a field this binary predates) or
// decoding fails invalid-argument.
func DecodeGlobal(raw []byte) (Global, error) {
	normalized, err := normalizeWireSize(raw, globalConfigWireSize)
	if err != nil {
		return Global{}, err
	}
	return Global{ErrorBacktraces: normalized[0]&flagErrorBacktraces != 0}, nil
}

// RootRaw is the per-Root configuration: which resolver a Root prefers,
// and whether it may fall back to the emulated resolver when the kernel
// one reports ENOSYS.
type RootRaw struct {
	Resolver      domain.ResolverKind
	AllowFallback bool
}

const rootConfigWireSize = 8

// EncodeRoot serialises r into its current wire representation: a
// little-endian uint32 resolver tag, a fallback-allowed byte, and 3
// reserved zero bytes (room for the next field without a size bump).
func EncodeRoot(r RootRaw) []byte {
	buf := make([]byte, rootConfigWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Resolver))
	if r.AllowFallback {
		buf[4] = 1
	}
	return buf
}

// DecodeRoot is RootRaw's counterpart to DecodeGlobal.
func DecodeRoot(raw []byte) (RootRaw, error) {
	normalized, err := normalizeWireSize(raw, rootConfigWireSize)
	if err != nil {
		return RootRaw{}, err
	}
	resolver := domain.ResolverKind(binary.LittleEndian.Uint32(normalized[0:4]))
	if resolver != domain.ResolverKernel && resolver != domain.ResolverEmulated {
		return RootRaw{}, saferr.New(saferr.KindInvalidArgument, "unknown resolver tag %d", resolver)
	}
	return RootRaw{
		Resolver:      resolver,
		AllowFallback: normalized[4] != 0,
	}, nil
}

// normalizeWireSize enforces that a raw wire buffer's size falls
// between the minimum-supported size (0, since an all-defaults struct
// is always acceptable) and the currently-known size, currentSize.
func normalizeWireSize(raw []byte, currentSize int) ([]byte, error) {
	if len(raw) <= currentSize {
		out := make([]byte, currentSize)
		copy(out, raw)
		return out, nil
	}
	for _, b := range raw[currentSize:] {
		if b != 0 {
			return nil, saferr.New(saferr.KindInvalidArgument, "configuration struct has %d unknown trailing bytes set", len(raw)-currentSize)
		}
	}
	return raw[:currentSize], nil
}

// Process holds the live, in-memory configuration state: the global
// toggle (process-wide) plus whatever per-Root entries callers have
// set, keyed by a string. root.Root and handle.Handle read only the
// global toggle, through Default; the per-Root entries are read and
// written by Store and by callers, while a Root keeps its own
// configuration as set by root.Open and Root.Configure.
type Process struct {
	backtraces int32 // 0 or 1, via sync/atomic (go.mod pins go1.18, predating atomic.Bool)

	mu    sync.RWMutex
	roots map[string]RootRaw
}

// NewProcess builds a standalone Process seeded from the environment.
// The variable is SAFEROOT_BACKTRACES; any value other than "0",
// "false" or the empty string enables capture. Most callers want the
// shared instance returned by Default instead; NewProcess exists for
// callers (tests, Store round-trips) that need an isolated instance.
func NewProcess(env func(string) string) *Process {
	p := &Process{roots: make(map[string]RootRaw)}
	switch env("SAFEROOT_BACKTRACES") {
	case "", "0", "false":
		p.SetGlobal(Global{ErrorBacktraces: false})
	default:
		p.SetGlobal(Global{ErrorBacktraces: true})
	}
	return p
}

// defaultProcess is the process-wide instance root.Root and
// handle.Handle consult when deciding whether to capture a backtrace
// on a freshly stashed error.
var defaultProcess = &Process{roots: make(map[string]RootRaw)}

// Default returns the shared process-wide configuration instance.
func Default() *Process { return defaultProcess }

// InitDefaultFromEnv seeds the shared process-wide configuration's
// backtrace toggle from env, the same rule NewProcess applies to a
// standalone instance. Callers (cmd/saferoot-cli's startup, typically)
// call this once before opening any Root.
func InitDefaultFromEnv(env func(string) string) {
	switch env("SAFEROOT_BACKTRACES") {
	case "", "0", "false":
		Default().SetGlobal(Global{ErrorBacktraces: false})
	default:
		Default().SetGlobal(Global{ErrorBacktraces: true})
	}
}

func (p *Process) Global() Global {
	return Global{ErrorBacktraces: atomic.LoadInt32(&p.backtraces) != 0}
}

func (p *Process) SetGlobal(g Global) {
	var v int32
	if g.ErrorBacktraces {
		v = 1
	}
	atomic.StoreInt32(&p.backtraces, v)
}

// RootConfig returns the stored configuration for key (typically the
// root's canonical path), or the given default if none was set.
func (p *Process) RootConfig(key string, dflt RootRaw) RootRaw {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.roots[key]; ok {
		return r
	}
	return dflt
}

func (p *Process) SetRootConfig(key string, r RootRaw) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[key] = r
}
