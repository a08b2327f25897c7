// Package saferr implements the tagged error model shared by every
// saferoot component: a Kind, a saved errno, a human description, an
// optional wrapped cause and an optional captured backtrace.
//
// Errors are never panicked across a component boundary. They are built
// here and stashed on the object whose method produced them (see the
// root and handle packages), mirroring the last-error-slot convention
// the ABI in cabi exposes to C callers.
package saferr

import (
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"
)

// Kind tags the category of failure, matching the kinds enumerated in
// the error handling design: invalid-argument, not-found, and so on.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotFound
	KindNotADirectory
	KindIsADirectory
	KindLoop
	KindSafetyViolation
	KindOSError
	KindUnsupported
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindNotADirectory:
		return "not-a-directory"
	case KindIsADirectory:
		return "is-a-directory"
	case KindLoop:
		return "loop"
	case KindSafetyViolation:
		return "safety-violation"
	case KindOSError:
		return "os-error"
	case KindUnsupported:
		return "unsupported"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Frame is one backtrace record, matching the ABI's {ip, symbol_address,
// symbol_name, symbol_file, symbol_lineno} layout.
type Frame struct {
	IP            uintptr
	SymbolAddress uintptr
	SymbolName    string
	SymbolFile    string
	SymbolLineno  int
}

// Error is the tagged union described by the error handling design: a
// Kind, a saved errno (0 if none applies), a description, an optional
// wrapped cause and an optional backtrace.
type Error struct {
	Kind        Kind
	Errno       int
	Description string
	Cause       error
	Backtrace   []Frame

	// ViaSymlink marks a KindNotFound produced while a component chased
	// a symlink's target and then found the target itself missing — a
	// common probing pattern, worth an audit entry even though plain
	// not-found misses are not (see root.auditLog).
	ViaSymlink bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Description)
	if e.Errno != 0 {
		msg = fmt.Sprintf("%s (errno %d)", msg, e.Errno)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause.Error())
	}
	return msg
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds an Error of the given kind with no saved errno. Backtrace
// capture is governed by the process-wide configuration (see the config
// package); New itself never decides whether to capture, it only carries
// what the caller already decided via WithBacktrace.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:        kind,
		Description: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches cause as the inner error of a newly built Error,
// preserving the chain the error handling design requires ("higher
// layers wrap with added context, preserving the innermost cause
// chain").
func Wrap(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:        kind,
		Description: fmt.Sprintf(format, args...),
		Cause:       cause,
	}
}

// FromErrno builds an os-error Error carrying the given errno, the shape
// every syscall-producing layer in sysfd returns.
func FromErrno(errno int, format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindOSError,
		Errno:       errno,
		Description: fmt.Sprintf(format, args...),
	}
}

// WithBacktrace captures the current call stack into e using
// github.com/pkg/errors' errors.WithStack. Capture is opt-in: it costs
// real work to unwind the stack, so callers only invoke this when the
// process-wide configuration's backtrace flag is set, and skip it
// otherwise.
func (e *Error) WithBacktrace() *Error {
	if e == nil {
		return e
	}
	stacked := pkgerrors.WithStack(errMarker{e})
	type stackTracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	st, ok := stacked.(stackTracer)
	if !ok {
		return e
	}
	frames := st.StackTrace()
	e.Backtrace = make([]Frame, 0, len(frames))
	for _, f := range frames {
		pc := uintptr(f) - 1
		e.Backtrace = append(e.Backtrace, Frame{
			IP:            uintptr(f),
			SymbolAddress: pc,
			SymbolName:    fmt.Sprintf("%n", f),
			SymbolFile:    fmt.Sprintf("%s", f),
			SymbolLineno:  lineOf(f),
		})
	}
	return e
}

// errMarker lets us feed our own *Error through pkg/errors.WithStack
// without pkg/errors deciding our Error() string representation.
type errMarker struct{ err *Error }

func (m errMarker) Error() string { return m.err.Error() }

func lineOf(f pkgerrors.Frame) int {
	line, _ := strconv.Atoi(fmt.Sprintf("%d", f))
	return line
}

// Is reports whether the first *Error found in err's Unwrap chain has
// the given kind. The Cause of that *Error is not inspected, so a kind
// carried only by a wrapped inner *Error does not match.
func Is(err error, kind Kind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}
