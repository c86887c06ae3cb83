// Package objfile writes an objbuild.Object out as concrete object/
// executable file bytes: ELF-64 relocatable and static/dynamic executable
// for x86_64/aarch64/riscv64, and Mach-O MH_OBJECT relocatable plus a
// "no-link" PIE executable for aarch64/darwin, per spec §4.8. Every writer
// here is self-contained: no linker is invoked, and the only external
// process ever shelled out to is an ad-hoc `codesign` equivalent performed
// in-process (see macho_nolink.go), grounded on the teacher's
// (tinyrange-rtg std/compiler) elf_x64.go/macho_arm64.go/codesign.go byte
// layouts, generalized from their single-purpose static builders to this
// engine's relocation-driven Object model.
package objfile

import (
	"encoding/binary"

	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/objbuild"
)

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func le64(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }

func putLE16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLE64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// buf is a small growable byte-string builder used by every writer in this
// package; it exists only to keep section assembly linear and readable,
// not as a reusable abstraction.
type buf struct{ b []byte }

func (w *buf) bytes(p []byte) { w.b = append(w.b, p...) }
func (w *buf) u8(v byte)      { w.b = append(w.b, v) }
func (w *buf) u16(v uint16)   { w.b = append(w.b, le16(v)...) }
func (w *buf) u32(v uint32)   { w.b = append(w.b, le32(v)...) }
func (w *buf) u64(v uint64)   { w.b = append(w.b, le64(v)...) }
func (w *buf) cstr(s string)  { w.b = append(w.b, append([]byte(s), 0)...) }
func (w *buf) padTo(align int) {
	for len(w.b)%align != 0 {
		w.b = append(w.b, 0)
	}
}
func (w *buf) len() int { return len(w.b) }

// symbolIndex finds the index of name within obj.Symbols, the order every
// writer in this package uses for its own symbol table.
func symbolIndex(obj *objbuild.Object, name string) (int, error) {
	for i, s := range obj.Symbols {
		if s.Name == name {
			return i, nil
		}
	}
	return 0, liricerr.New(liricerr.NotFound, "objfile: relocation against unknown symbol %q", name)
}

// findEntry returns the entry point symbol's byte offset within .text,
// defaulting to "main" per §4.8. Returns a linkage error if the symbol is
// undefined or missing: an AOT entry point cannot be resolved at load time
// the way a JIT lookup_symbol could.
func findEntry(obj *objbuild.Object, entryName string) (int, error) {
	if entryName == "" {
		entryName = "main"
	}
	for _, s := range obj.Symbols {
		if s.Name == entryName {
			if s.Kind != objbuild.SymText {
				return 0, liricerr.New(liricerr.Unsupported, "objfile: entry symbol %q is not a defined function", entryName)
			}
			return s.Offset, nil
		}
	}
	return 0, liricerr.New(liricerr.NotFound, "objfile: entry symbol %q not found", entryName)
}

// dataAlign is the alignment every writer places the whole .data section
// at: 8 bytes, matching objbuild's own per-global bump to 8 whenever a
// global carries a pointer-bearing relocation.
const dataAlign = 8
