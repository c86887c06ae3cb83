//go:build !(darwin && arm64 && cgo)

package jit

// appleJITEnabled is false everywhere except Apple aarch64 built with cgo;
// elsewhere the code region is managed with plain mprotect RW<->RX flips.
func appleJITEnabled() bool { return false }

func applyAppleWriteProtect(executable bool) error { return nil }

// mapJITFlagIfApple returns 0 outside the Apple-aarch64-cgo build: the code
// region needs no MAP_JIT flag since mprotect handles RW<->RX directly.
func mapJITFlagIfApple() int32 { return 0 }
