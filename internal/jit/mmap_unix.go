//go:build linux || darwin

package jit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func codeBase(m []byte) uintptr {
	if len(m) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m[0]))
}

// setWritable flips the code region to RW: mprotect flips RW<->RX around
// writes off Apple aarch64; on Apple aarch64 the region was mapped with
// MAP_JIT and this instead toggles the per-thread write-protect flag via
// pthread_jit_write_protect_np, see darwin_jit.go.
func (j *JIT) setWritable() error {
	if appleJITEnabled() {
		return applyAppleWriteProtect(false)
	}
	return unix.Mprotect(j.code, unix.PROT_READ|unix.PROT_WRITE)
}

func (j *JIT) setExecutable() error {
	if appleJITEnabled() {
		return applyAppleWriteProtect(true)
	}
	return unix.Mprotect(j.code, unix.PROT_READ|unix.PROT_EXEC)
}

// clearInstructionCache invalidates the icache over region before it is
// made executable: the writer calls __builtin___clear_cache on the
// written extent before flipping to executable.
func clearInstructionCache(region []byte) {
	if len(region) == 0 {
		return
	}
	clearCacheArch(region)
}
