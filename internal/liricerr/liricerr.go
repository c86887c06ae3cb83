// Package liricerr defines the structured error taxonomy shared by every
// Liric component: construction, session, backend, and linkage errors all
// return one of these rather than panicking.
package liricerr

import "fmt"

// Code classifies an error along the axis the caller needs to react to.
type Code int

const (
	// Argument marks a construction-time error: a bad opcode, a type
	// mismatch between an instruction and its operands, an out-of-range
	// index. Recoverable; the session remains usable.
	Argument Code = iota
	// ModeConflict marks an operation rejected because of the active
	// compile strategy (e.g. ir_optimize while IN_FUNC).
	ModeConflict
	// State marks an operation attempted outside its state-machine
	// transition, e.g. emit() with no active block.
	State
	// NotFound marks a missing symbol, block id, or function name.
	NotFound
	// Backend marks an encoder/selector failure: unsupported opcode, the
	// scratch buffer overflowed. Invalidates the current function.
	Backend
	// Parse marks a failure inside a Module-construction adapter.
	Parse
	// Unsupported marks a request the active target cannot satisfy (an
	// intrinsic with no BLOB/LIBC mapping, an object-emit path hitting an
	// unresolved BUILTIN).
	Unsupported
)

func (c Code) String() string {
	switch c {
	case Argument:
		return "argument"
	case ModeConflict:
		return "mode-conflict"
	case State:
		return "state"
	case NotFound:
		return "not-found"
	case Backend:
		return "backend"
	case Parse:
		return "parse"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the structured result every Liric entry point returns on
// failure. It never unwinds the host process (except llvm.trap, which is
// lowered to a trap instruction, not a Go panic).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that chains an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error with the given code, looking through
// wrapped causes via errors.As semantics (manual, to avoid importing errors
// just for this one check in hot paths).
func Is(err error, code Code) bool {
	for err != nil {
		if le, ok := err.(*Error); ok {
			if le.Code == code {
				return true
			}
			err = le.Cause
			continue
		}
		return false
	}
	return false
}
