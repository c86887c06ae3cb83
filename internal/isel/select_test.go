package isel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krystophny/liric/internal/intrinsics"
	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/target"
)

func newSelector() *Selector {
	return &Selector{WordSize: 8, Intrinsics: intrinsics.Default(), Arch: target.X86_64}
}

// TestSelectConstantReturn mirrors spec scenario 1:
// `define i32 @f() { entry: ret i32 42 }`.
func TestSelectConstantReturn(t *testing.T) {
	m := ir.New()
	fn := m.NewFunction("f", m.I32Type(), nil, false)
	fn.NewBlock("entry").Ret(ir.IntConst(m.I32Type(), 42))
	require.NoError(t, fn.Finalize())

	mf, err := newSelector().Select(fn, m)
	require.NoError(t, err)
	require.Equal(t, "f", mf.Name)
	require.Len(t, mf.Blocks, 1)

	insts := mf.Blocks[0].Insts
	require.Len(t, insts, 2)
	require.Equal(t, "const", insts[0].Op)
	require.EqualValues(t, 42, insts[0].Imm)
	require.Equal(t, "ret", insts[1].Op)
	require.Equal(t, insts[0].Def, insts[1].Uses[0])
}

// TestSelectAddI32 mirrors spec scenario 2:
// `%a = add i32 10, 32; ret i32 %a`.
func TestSelectAddI32(t *testing.T) {
	m := ir.New()
	fn := m.NewFunction("f", m.I32Type(), nil, false)
	b := fn.NewBlock("entry")
	sum, err := b.Add(ir.IntConst(m.I32Type(), 10), ir.IntConst(m.I32Type(), 32))
	require.NoError(t, err)
	b.Ret(sum)
	require.NoError(t, fn.Finalize())

	mf, err := newSelector().Select(fn, m)
	require.NoError(t, err)

	insts := mf.Blocks[0].Insts
	require.Equal(t, "const", insts[0].Op)
	require.Equal(t, "const", insts[1].Op)
	require.Equal(t, "add", insts[2].Op)
	require.Equal(t, "ret", insts[3].Op)
}

// TestSelectCondBrFusesComparisonAndBranch mirrors spec scenario 3's shape:
// an icmp feeding a condbr lowers to an icmp.* pseudo-op followed by condbr
// referencing the two successor block ids.
func TestSelectCondBrFusesComparisonAndBranch(t *testing.T) {
	m := ir.New()
	fn := m.NewFunction("f", m.I32Type(), nil, false)
	entry := fn.NewBlock("entry")
	then := fn.NewBlock("then")
	els := fn.NewBlock("else")

	cond, err := entry.ICmp(ir.ICmpSGT, ir.IntConst(m.I32Type(), 5), ir.IntConst(m.I32Type(), 3))
	require.NoError(t, err)
	require.NoError(t, entry.CondBr(cond, then, els))
	then.Ret(ir.IntConst(m.I32Type(), 1))
	els.Ret(ir.IntConst(m.I32Type(), 0))
	require.NoError(t, fn.Finalize())

	mf, err := newSelector().Select(fn, m)
	require.NoError(t, err)
	require.Len(t, mf.Blocks, 3)

	entryInsts := mf.Blocks[0].Insts
	last := entryInsts[len(entryInsts)-1]
	require.Equal(t, "condbr", last.Op)
	require.Equal(t, []int{then.ID, els.ID}, last.Targets)

	var foundICmp bool
	for _, in := range entryInsts {
		if in.Op == "icmp.sgt" {
			foundICmp = true
		}
	}
	require.True(t, foundICmp)
}

func TestSelectRejectsDeclaration(t *testing.T) {
	m := ir.New()
	decl := m.NewDeclaration("puts", m.I32Type(), []*ir.Type{m.PtrType()}, false)
	require.NoError(t, decl.Finalize())

	_, err := newSelector().Select(decl, m)
	require.Error(t, err)
}

func TestSelectCallLowersIntrinsicLibcRewrite(t *testing.T) {
	m := ir.New()
	fn := m.NewFunction("f", m.F64Type(), nil, false)
	b := fn.NewBlock("entry")
	res := b.Call("llvm.fabs.f64", m.F64Type(), []ir.Value{ir.FloatConst(m.F64Type(), -1.5)}, ir.CallFlags{})
	b.Ret(res)
	require.NoError(t, fn.Finalize())

	mf, err := newSelector().Select(fn, m)
	require.NoError(t, err)

	var call *target.MInst
	for i := range mf.Blocks[0].Insts {
		if mf.Blocks[0].Insts[i].Op == "call" {
			call = &mf.Blocks[0].Insts[i]
		}
	}
	require.NotNil(t, call)
	require.Equal(t, "fabs", call.Sym)
}

// TestSelectLoopSumPhis mirrors spec scenario 4's shape: a two-block loop
// with phi-carried accumulator and counter, each predecessor edge getting a
// parallel copy ahead of its terminator.
func TestSelectLoopSumPhis(t *testing.T) {
	m := ir.New()
	fn := m.NewFunction("f", m.I32Type(), nil, false)
	entry := fn.NewBlock("entry")
	loop := fn.NewBlock("loop")
	exit := fn.NewBlock("exit")

	zero := ir.IntConst(m.I32Type(), 0)
	one := ir.IntConst(m.I32Type(), 1)
	ten := ir.IntConst(m.I32Type(), 10)
	entry.Br(loop)

	sumPhi := loop.Phi(m.I32Type(), []ir.PhiIncoming{{Value: zero, From: entry}})
	iPhi := loop.Phi(m.I32Type(), []ir.PhiIncoming{{Value: one, From: entry}})
	newSum, err := loop.Add(sumPhi, iPhi)
	require.NoError(t, err)
	newI, err := loop.Add(iPhi, one)
	require.NoError(t, err)
	cond, err := loop.ICmp(ir.ICmpSLE, newI, ten)
	require.NoError(t, err)
	require.NoError(t, loop.CondBr(cond, loop, exit))

	exit.Ret(sumPhi)

	// Wire the loop-back phi incoming edges now that newSum/newI exist.
	loopTerm := loop.Insts[len(loop.Insts)-1]
	require.Equal(t, ir.OpCondBr, loopTerm.Op)
	for _, inst := range loop.Insts {
		if inst.Op == ir.OpPhi {
			inst.Incoming = append(inst.Incoming, ir.PhiIncoming{From: loop})
		}
	}
	// Patch incoming values/blocks directly (builder API only supports
	// incoming edges known at Phi-construction time).
	for _, inst := range loop.Insts {
		if inst.Op != ir.OpPhi {
			continue
		}
		if inst.Result.Reg == sumPhi.Reg {
			inst.Incoming[1].Value = newSum
			inst.Args = append(inst.Args, newSum)
		}
		if inst.Result.Reg == iPhi.Reg {
			inst.Incoming[1].Value = newI
			inst.Args = append(inst.Args, newI)
		}
	}
	require.NoError(t, fn.Finalize())

	mf, err := newSelector().Select(fn, m)
	require.NoError(t, err)
	require.Len(t, mf.Blocks, 3)

	// The loop block's own terminator (condbr) is preceded by the two
	// phi-feeding copies for its self-loop edge.
	loopInsts := mf.Blocks[1].Insts
	var copies int
	for _, in := range loopInsts {
		if in.Op == "copy" {
			copies++
		}
	}
	require.GreaterOrEqual(t, copies, 2)
}
