//go:build cgo

package jit

/*
void __clear_cache(void *start, void *end);
*/
import "C"
import "unsafe"

// clearCacheArch invalidates the host's instruction cache over region using
// the compiler builtin (a no-op on x86_64, required on aarch64/riscv64
// before freshly written code is executed).
func clearCacheArch(region []byte) {
	start := unsafe.Pointer(&region[0])
	end := unsafe.Pointer(uintptr(start) + uintptr(len(region)))
	C.__clear_cache(start, end)
}
