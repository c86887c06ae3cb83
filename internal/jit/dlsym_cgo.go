//go:build cgo

package jit

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// dlopen loads a shared library by path for jit.LoadLibrary.
func dlopen(path string) (uintptr, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_GLOBAL)
	if h == nil {
		return 0, fmt.Errorf("dlopen %q: %s", path, C.GoString(C.dlerror()))
	}
	return uintptr(h), nil
}

// dlsymDefault resolves name against the process-wide default namespace
// (RTLD_DEFAULT).
func dlsymDefault(name string) (uintptr, bool) {
	return dlsymHandle(uintptr(C.RTLD_DEFAULT), name)
}

// dlsymHandle resolves name against a specific dlopen handle.
func dlsymHandle(handle uintptr, name string) (uintptr, bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	addr := C.dlsym(unsafe.Pointer(handle), cname)
	if addr == nil {
		return 0, false
	}
	return uintptr(addr), true
}
