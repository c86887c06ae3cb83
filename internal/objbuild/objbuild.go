// Package objbuild assembles a target-specific Object — code bytes, data
// bytes, and a resolved/unresolved symbol table — from an ir.Module,
// independent of which object file format it is ultimately written into.
package objbuild

import (
	"github.com/krystophny/liric/internal/intrinsics"
	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/target"
)

const (
	maxCodeSize = 4 << 20 // generous ceiling for the engine's test workloads
	maxDataSize = 1 << 20
	funcAlign   = 16
)

// SymbolKind distinguishes a defined symbol's section from an undefined
// (external) one the linker/JIT must still resolve.
type SymbolKind int

const (
	SymUndefined SymbolKind = iota
	SymText
	SymData
)

// Symbol is one entry in the object's symbol table, kept both by
// name->index and by declaration order.
type Symbol struct {
	Name   string
	Kind   SymbolKind
	Offset int // byte offset within .text or .data; 0 for undefined
}

// Object is the target-independent build result; an objfile writer turns
// it into concrete ELF/Mach-O bytes.
type Object struct {
	Target target.Descriptor
	Code   []byte
	Data   []byte

	Symbols     []Symbol
	symbolIndex map[string]int

	CodeRelocs []target.CodeReloc
	DataRelocs []target.CodeReloc

	// NoLink indicates intrinsics with no defined blob fall back to their
	// libc name, the "no-link" build path.
	NoLink bool
}

// Builder runs the object-builder algorithm against one module.
type Builder struct {
	Desc       target.Descriptor
	Intrinsics *intrinsics.Registry
	NoLink     bool
}

// Build runs the object-builder's five-step algorithm.
func (bd *Builder) Build(m *ir.Module) (*Object, error) {
	o := &Object{Target: bd.Desc, symbolIndex: map[string]int{}, NoLink: bd.NoLink}

	// Step 1: pre-register every function and non-external global.
	for _, fn := range m.Functions() {
		o.preRegister(fn.Name)
	}
	for _, g := range m.Globals() {
		if !g.External {
			o.preRegister(g.Name)
		}
	}

	// Step 2: emit defined functions.
	for _, fn := range m.Functions() {
		if fn.Decl {
			continue
		}
		if err := o.emitFunction(bd.Desc, fn, m); err != nil {
			return nil, err
		}
	}

	// Step 3: promote intrinsic blobs for still-undefined functions.
	for _, fn := range m.Functions() {
		if !fn.Decl {
			continue
		}
		if o.symbolIndex[fn.Name] >= 0 && o.Symbols[o.symbolIndex[fn.Name]].Kind != SymUndefined {
			continue
		}
		e, ok := bd.Intrinsics.Lookup(fn.Name)
		if !ok || e.Kind != target.IntrinsicBlob || !e.SupportsOn(bd.Desc.Arch) {
			continue
		}
		o.emitBlob(fn.Name, e.Blobs[bd.Desc.Arch])
	}

	// Step 4: lay out defined globals.
	for _, g := range m.Globals() {
		if g.External {
			continue
		}
		if err := o.emitGlobal(g); err != nil {
			return nil, err
		}
	}

	// Step 5: no-link remapping of any remaining unresolved intrinsic.
	if bd.NoLink {
		o.remapUnresolvedIntrinsics(bd.Intrinsics, bd.Desc.Arch)
	}

	if len(o.Code) > maxCodeSize {
		return nil, liricerr.New(liricerr.Backend, "objbuild: code size %d exceeds %d byte limit", len(o.Code), maxCodeSize)
	}
	if len(o.Data) > maxDataSize {
		return nil, liricerr.New(liricerr.Backend, "objbuild: data size %d exceeds %d byte limit", len(o.Data), maxDataSize)
	}
	return o, nil
}

func (o *Object) preRegister(name string) {
	if _, ok := o.symbolIndex[name]; ok {
		return
	}
	o.symbolIndex[name] = len(o.Symbols)
	o.Symbols = append(o.Symbols, Symbol{Name: name, Kind: SymUndefined})
}

func (o *Object) define(name string, kind SymbolKind, offset int) {
	idx, ok := o.symbolIndex[name]
	if !ok {
		idx = len(o.Symbols)
		o.Symbols = append(o.Symbols, Symbol{})
		o.symbolIndex[name] = idx
	}
	o.Symbols[idx] = Symbol{Name: name, Kind: kind, Offset: offset}
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

func (o *Object) emitFunction(desc target.Descriptor, fn *ir.Function, m *ir.Module) error {
	mf, err := desc.Select.Select(fn, m)
	if err != nil {
		return err
	}
	code, relocs, err := desc.Encode.Encode(mf)
	if err != nil {
		return err
	}
	off := alignUp(len(o.Code), funcAlign)
	o.Code = append(o.Code, make([]byte, off-len(o.Code))...)
	o.define(fn.Name, SymText, off)
	o.Code = append(o.Code, code...)
	for _, r := range relocs {
		r.Offset += off
		o.CodeRelocs = append(o.CodeRelocs, r)
	}
	return nil
}

func (o *Object) emitBlob(name string, blob []byte) {
	off := alignUp(len(o.Code), funcAlign)
	o.Code = append(o.Code, make([]byte, off-len(o.Code))...)
	o.define(name, SymText, off)
	o.Code = append(o.Code, blob...)
}

func (o *Object) emitGlobal(g *ir.Global) error {
	align := g.Type.Align()
	if align < 8 && len(g.Relocs) > 0 {
		align = 8
	}
	off := alignUp(len(o.Data), align)
	o.Data = append(o.Data, make([]byte, off-len(o.Data))...)
	o.define(g.Name, SymData, off)
	o.Data = append(o.Data, g.Initializer...)
	for _, r := range g.Relocs {
		o.DataRelocs = append(o.DataRelocs, target.CodeReloc{
			Offset: off + r.Offset, Symbol: r.Symbol, Kind: target.RelABS64, Addend: r.Addend,
		})
	}
	return nil
}

// remapUnresolvedIntrinsics rewrites call relocations against still-
// undefined llvm.* intrinsics to their libc name: any intrinsic still
// unresolved after step 3 is remapped to its libc equivalent.
func (o *Object) remapUnresolvedIntrinsics(reg *intrinsics.Registry, arch target.Arch) {
	for i := range o.CodeRelocs {
		r := &o.CodeRelocs[i]
		idx, ok := o.symbolIndex[r.Symbol]
		if !ok || o.Symbols[idx].Kind != SymUndefined {
			continue
		}
		e, ok := reg.Lookup(r.Symbol)
		if !ok || e.Kind != target.IntrinsicLibc {
			continue
		}
		r.Symbol = e.LibcName
		o.preRegister(e.LibcName)
	}
}

// Undefined returns the names still unresolved after Build, in declaration
// order: any still-external symbol is retained as undefined.
func (o *Object) Undefined() []string {
	var out []string
	for _, s := range o.Symbols {
		if s.Kind == SymUndefined {
			out = append(out, s.Name)
		}
	}
	return out
}
