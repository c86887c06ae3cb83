// Package encode turns the selector's generic machine pseudo-ops into real
// architecture bytes plus code relocations. Each architecture gets its own
// Encoder; instruction selection stays a single shared implementation in
// internal/isel.
package encode

import (
	"github.com/krystophny/liric/internal/intrinsics"
	"github.com/krystophny/liric/internal/isel"
	"github.com/krystophny/liric/internal/target"
)

// Descriptors returns the full set of target.Descriptor this engine
// supports, wired to the shared selector and per-arch encoders:
// x86_64/aarch64/riscv64 on linux, plus aarch64 on darwin.
func Descriptors(reg *intrinsics.Registry) []target.Descriptor {
	return []target.Descriptor{
		descriptor("x86_64-linux", target.X86_64, target.Linux, reg, NewX64()),
		descriptor("aarch64-linux", target.AArch64, target.Linux, reg, NewARM64()),
		descriptor("aarch64-darwin", target.AArch64, target.Darwin, reg, NewARM64()),
		descriptor("riscv64-linux", target.RISCV64, target.Linux, reg, NewRISCV64()),
	}
}

func descriptor(name string, arch target.Arch, os target.OS, reg *intrinsics.Registry, enc target.Encoder) target.Descriptor {
	return target.Descriptor{
		Name:     name,
		Arch:     arch,
		OS:       os,
		WordSize: 8,
		Select:   &isel.Selector{WordSize: 8, Intrinsics: reg, Arch: arch},
		Encode:   enc,
		SupportsIntrinsic: func(intrinsic string) bool {
			e, ok := reg.Lookup(intrinsic)
			return ok && e.SupportsOn(arch)
		},
	}
}

// Lookup finds the descriptor matching arch/os, if this engine supports
// that combination — not every Arch x OS pair is wired.
func Lookup(descs []target.Descriptor, arch target.Arch, os target.OS) (target.Descriptor, bool) {
	for _, d := range descs {
		if d.Arch == arch && d.OS == os {
			return d, true
		}
	}
	return target.Descriptor{}, false
}
