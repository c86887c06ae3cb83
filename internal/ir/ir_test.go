package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// addOne builds `define i64 @add_one(i64 %0) { entry: %1 = add %0, 1; ret %1 }`.
func addOne(m *Module) *Function {
	fn := m.NewFunction("add_one", m.I64Type(), []*Type{m.I64Type()}, false)
	entry := fn.NewBlock("entry")
	one := IntConst(m.I64Type(), 1)
	sum, err := entry.Add(fn.Arg(0), one)
	if err != nil {
		panic(err)
	}
	entry.Ret(sum)
	return fn
}

func TestBuildAndFinalizeSimpleFunction(t *testing.T) {
	m := New()
	fn := addOne(m)
	require.NoError(t, fn.Finalize())
	require.Len(t, m.Functions(), 1)
	require.Equal(t, fn, m.FindFunction("add_one"))
}

func TestFinalizeRejectsInstructionAfterTerminator(t *testing.T) {
	m := New()
	fn := m.NewFunction("bad", m.VoidType(), nil, false)
	b := fn.NewBlock("entry")
	b.RetVoid()
	b.Append(&Inst{Op: OpAdd, Result: Value{Kind: VReg, Type: m.I64Type(), Reg: fn.AllocReg()},
		Args: []Value{IntConst(m.I64Type(), 1), IntConst(m.I64Type(), 2)}})
	require.Error(t, fn.Finalize())
}

func TestFinalizeRejectsUnterminatedBlock(t *testing.T) {
	m := New()
	fn := m.NewFunction("bad", m.VoidType(), nil, false)
	b := fn.NewBlock("entry")
	b.Append(&Inst{Op: OpAdd, Result: Value{Kind: VReg, Type: m.I64Type(), Reg: fn.AllocReg()},
		Args: []Value{IntConst(m.I64Type(), 1), IntConst(m.I64Type(), 2)}})
	require.Error(t, fn.Finalize())
}

func TestFinalizeRejectsVRegRedefinition(t *testing.T) {
	m := New()
	fn := m.NewFunction("bad", m.VoidType(), nil, false)
	b := fn.NewBlock("entry")
	reg := fn.AllocReg()
	one := IntConst(m.I64Type(), 1)
	b.Append(&Inst{Op: OpAdd, Result: Value{Kind: VReg, Type: m.I64Type(), Reg: reg}, Args: []Value{one, one}})
	b.Append(&Inst{Op: OpAdd, Result: Value{Kind: VReg, Type: m.I64Type(), Reg: reg}, Args: []Value{one, one}})
	b.RetVoid()
	require.Error(t, fn.Finalize())
}

func TestFinalizeRejectsUseNotDominated(t *testing.T) {
	m := New()
	fn := m.NewFunction("bad", m.VoidType(), nil, false)
	entry := fn.NewBlock("entry")
	other := fn.NewBlock("other")
	reg := other.Fn.AllocReg()
	definedElsewhere := Value{Kind: VReg, Type: m.I64Type(), Reg: reg}
	other.Append(&Inst{Op: OpAdd, Result: definedElsewhere, Args: []Value{IntConst(m.I64Type(), 1), IntConst(m.I64Type(), 1)}})
	other.RetVoid()
	// Reference other's vreg from entry, before it is ever defined on any
	// dominating path.
	entry.Insts = []*Inst{{Op: OpAdd, Result: Value{Kind: VReg, Type: m.I64Type(), Reg: fn.AllocReg()},
		Args: []Value{definedElsewhere, IntConst(m.I64Type(), 1)}}, {Op: OpRetVoid}}
	require.Error(t, fn.Finalize())
}

func TestDeclarationFinalizesTrivially(t *testing.T) {
	m := New()
	decl := m.NewDeclaration("puts", m.I32Type(), []*Type{m.PtrType()}, false)
	require.NoError(t, decl.Finalize())
	require.True(t, decl.Decl)
	require.Empty(t, decl.Blocks())
}

func TestCondBrRequiresI1(t *testing.T) {
	m := New()
	fn := m.NewFunction("f", m.VoidType(), nil, false)
	entry := fn.NewBlock("entry")
	then := fn.NewBlock("then")
	els := fn.NewBlock("else")
	then.RetVoid()
	els.RetVoid()
	err := entry.CondBr(IntConst(m.I64Type(), 1), then, els)
	require.Error(t, err)
}

func TestStructLayoutPadding(t *testing.T) {
	m := New()
	st := m.StructType([]Field{
		{Name: "a", Type: m.I8Type()},
		{Name: "b", Type: m.I64Type()},
	}, false)
	require.Equal(t, 16, st.Size()) // i8 padded to 8 before the i64 field
	require.Equal(t, 8, st.Offset(1))
}

func TestPackedStructHasNoPadding(t *testing.T) {
	m := New()
	st := m.StructType([]Field{
		{Name: "a", Type: m.I8Type()},
		{Name: "b", Type: m.I64Type()},
	}, true)
	require.Equal(t, 9, st.Size())
	require.Equal(t, 1, st.Offset(1))
}
