// Package intrinsics is the read-only registry of (name, target, kind,
// bytes) tuples the object builder and JIT installer consult to resolve
// `llvm.*` intrinsics, grounded on original_source/src/stencil_data.c and
// stencil_runtime.c.
package intrinsics

import "github.com/krystophny/liric/internal/target"

// Entry describes one intrinsic's resolution strategy.
type Entry struct {
	Name string
	Kind target.IntrinsicKind

	// LibcName is used when Kind==IntrinsicLibc: the rewritten callee name.
	LibcName string

	// Blobs maps an arch to a pre-assembled machine-code stencil with no
	// labelled holes (these intrinsics take their argument(s) in the
	// platform's normal ABI registers and need no relocation fixups beyond
	// the call site itself); used when Kind==IntrinsicBlob.
	Blobs map[target.Arch][]byte
}

// Registry is the read-only table of known intrinsics.
type Registry struct {
	byName map[string]Entry
}

// Default returns the built-in registry. Entries mirror the handful of
// `llvm.*` names a Fortran front end actually emits: fabs/sqrt/memcpy family
// plus llvm.trap, which is handled specially by the selector rather than
// through this table.
func Default() *Registry {
	r := &Registry{byName: make(map[string]Entry)}
	r.add(Entry{Name: "llvm.fabs.f64", Kind: target.IntrinsicLibc, LibcName: "fabs"})
	r.add(Entry{Name: "llvm.fabs.f32", Kind: target.IntrinsicLibc, LibcName: "fabsf"})
	r.add(Entry{Name: "llvm.sqrt.f64", Kind: target.IntrinsicLibc, LibcName: "sqrt"})
	r.add(Entry{Name: "llvm.sqrt.f32", Kind: target.IntrinsicLibc, LibcName: "sqrtf"})
	r.add(Entry{Name: "llvm.memcpy.p0.p0.i64", Kind: target.IntrinsicLibc, LibcName: "memcpy"})
	r.add(Entry{Name: "llvm.memmove.p0.p0.i64", Kind: target.IntrinsicLibc, LibcName: "memmove"})
	r.add(Entry{Name: "llvm.memset.p0.i64", Kind: target.IntrinsicLibc, LibcName: "memset"})
	r.add(Entry{Name: "llvm.lfortran_runtime.init", Kind: target.IntrinsicBuiltin})
	return r
}

func (r *Registry) add(e Entry) { r.byName[e.Name] = e }

// Lookup returns the entry for name, if any is registered.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// RegisterBlob adds (or replaces) a BLOB-kind entry whose bytes for arch are
// the pre-assembled stencil; used by callers that ship their own intrinsic
// blobs (e.g. lfortran's runtime support functions) alongside the defaults.
func (r *Registry) RegisterBlob(name string, blobs map[target.Arch][]byte) {
	r.add(Entry{Name: name, Kind: target.IntrinsicBlob, Blobs: blobs})
}

// SupportsOn reports whether name resolves to something usable on arch: a
// LIBC rewrite always does (libc is assumed present), a BLOB does only if
// bytes are registered for arch, and a BUILTIN never does — the object
// path rejects unresolved builtins.
func (e Entry) SupportsOn(arch target.Arch) bool {
	switch e.Kind {
	case target.IntrinsicLibc:
		return true
	case target.IntrinsicBlob:
		_, ok := e.Blobs[arch]
		return ok
	default:
		return false
	}
}
