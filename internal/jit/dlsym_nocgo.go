//go:build !cgo

package jit

import "fmt"

// Without cgo there is no portable dlopen/dlsym; builtin/libc intrinsic
// resolution and load_library both degrade to "not found" so JIT use still
// works for programs that only call functions registered via AddSymbol.
// See DESIGN.md.

func dlopen(path string) (uintptr, error) {
	return 0, fmt.Errorf("jit: load_library requires a cgo build")
}

func dlsymDefault(name string) (uintptr, bool) { return 0, false }

func dlsymHandle(handle uintptr, name string) (uintptr, bool) { return 0, false }
