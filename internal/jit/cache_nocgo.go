//go:build !cgo

package jit

// clearCacheArch is a no-op in the pure-Go build: without cgo there is no
// portable way to call __builtin___clear_cache, so a cgo-enabled build is
// required for JIT use on aarch64/riscv64 hosts (x86_64 needs no icache
// invalidation). See DESIGN.md.
func clearCacheArch(region []byte) {}
