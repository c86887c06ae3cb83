//go:build darwin && arm64 && cgo

package jit

/*
#include <pthread.h>
#include <sys/mman.h>

static int liric_map_jit_flag(void) { return MAP_JIT; }
*/
import "C"

func appleJITEnabled() bool { return true }

// applyAppleWriteProtect toggles this thread's JIT write-protect state:
// executable=false enters write mode, executable=true re-enters execute
// mode. Both states are per-thread, so writes/executions must not
// interleave across threads.
func applyAppleWriteProtect(executable bool) error {
	if executable {
		C.pthread_jit_write_protect_np(1)
	} else {
		C.pthread_jit_write_protect_np(0)
	}
	return nil
}

// mapJITFlagIfApple returns MAP_JIT so mmapRegion can request it for the
// code region: required by the kernel before pthread_jit_write_protect_np
// may toggle that region between writable and executable.
func mapJITFlagIfApple() int32 { return int32(C.liric_map_jit_flag()) }
