package ir

import (
	"github.com/krystophny/liric/internal/arena"
	"github.com/krystophny/liric/internal/symtab"
)

// Module is the top-level IR container: arena, functions, globals, the
// primitive-type cache, and the symbol interner.
type Module struct {
	Arena *arena.Arena

	funcs   []*Function
	globals []*Global

	prims  [Vector + 1]*Type // interned per-kind primitives (void..ptr)
	Syms   *symtab.Table
}

// New creates an empty module with its own arena and symbol interner.
func New() *Module {
	m := &Module{
		Arena: arena.New(0),
		Syms:  symtab.New(),
	}
	m.internPrimitives()
	return m
}

func (m *Module) internPrimitives() {
	for k := Void; k <= Ptr; k++ {
		m.prims[k] = &Type{Kind: k}
	}
}

// VoidType, I1Type, ... return the module's single interned instance of the
// corresponding primitive so that equivalent queries share an object.
func (m *Module) VoidType() *Type { return m.prims[Void] }
func (m *Module) I1Type() *Type   { return m.prims[I1] }
func (m *Module) I8Type() *Type   { return m.prims[I8] }
func (m *Module) I16Type() *Type  { return m.prims[I16] }
func (m *Module) I32Type() *Type  { return m.prims[I32] }
func (m *Module) I64Type() *Type  { return m.prims[I64] }
func (m *Module) F32Type() *Type  { return m.prims[F32] }
func (m *Module) F64Type() *Type  { return m.prims[F64] }
func (m *Module) PtrType() *Type  { return m.prims[Ptr] }

// ArrayType constructs a fresh array type; arrays are not interned because
// their identity legitimately varies with elem+count and nothing in the
// pipeline needs pointer-equality across distinct array declarations.
func (m *Module) ArrayType(elem *Type, count int) *Type {
	return &Type{Kind: Array, Elem: elem, Count: count}
}

// StructType constructs a fresh struct type. packed=true disables per-field
// padding.
func (m *Module) StructType(fields []Field, packed bool) *Type {
	return &Type{Kind: Struct, Fields: fields, Packed: packed}
}

// FuncType constructs a function signature type.
func (m *Module) FuncType(ret *Type, params []*Type, vararg bool) *Type {
	return &Type{Kind: Func, Ret: ret, Params: params, Vararg: vararg}
}

// VectorType constructs a vector type.
func (m *Module) VectorType(elem *Type, lanes int, scalable bool) *Type {
	return &Type{Kind: Vector, Elem: elem, Lanes: lanes, Scalable: scalable}
}

// Functions returns the module's functions in declaration order.
func (m *Module) Functions() []*Function { return m.funcs }

// Globals returns the module's globals in declaration order.
func (m *Module) Globals() []*Global { return m.globals }

// FindFunction looks up a function by name.
func (m *Module) FindFunction(name string) *Function {
	for _, f := range m.funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FindGlobal looks up a global by name.
func (m *Module) FindGlobal(name string) *Global {
	for _, g := range m.globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// addFunction appends a function owned by this module; it is invalid to
// move a Function into another module afterward — a Value created inside
// module M may not appear in module M'.
func (m *Module) addFunction(f *Function) {
	m.funcs = append(m.funcs, f)
}

func (m *Module) addGlobal(g *Global) {
	m.globals = append(m.globals, g)
}
