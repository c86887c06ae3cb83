//go:build cgo

package objfile

// #cgo LDFLAGS: -ldl
// #include <dlfcn.h>
// #include <stdlib.h>
import "C"
import "unsafe"

// resolveHostSymbol looks up name against the host process's default
// symbol scope (RTLD_DEFAULT), the same resolution order internal/jit
// uses for JIT-installed code. The no-link Mach-O writer uses it to bake
// a libc address directly into a synthesized GOT slot at build time.
func resolveHostSymbol(name string) (uintptr, bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	addr := C.dlsym(C.RTLD_DEFAULT, cname)
	if addr == nil {
		return 0, false
	}
	return uintptr(addr), true
}
