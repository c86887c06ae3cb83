// Package isel implements instruction selection: lowering a finalized
// ir.Function to a target.MFunction of generic three-address pseudo-ops
// over virtual registers. The same Selector is shared across
// every target.Descriptor — architectural differences live entirely in the
// paired internal/encode.Encoder, matching the teacher's split of "isel
// walks IR once" from "encode turns pseudo-ops into real bytes".
package isel

import (
	"github.com/krystophny/liric/internal/intrinsics"
	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/target"
)

// Selector is the shared instruction selector. WordSize distinguishes
// pointer-width lowering decisions (gep index sign-extension, var-width
// truncation) between 32-bit and 64-bit targets; every target in this
// engine's scope is 64-bit, but the field keeps the door open.
type Selector struct {
	WordSize   int
	Intrinsics *intrinsics.Registry
	Arch       target.Arch
}

var _ target.Selector = (*Selector)(nil)

// Select lowers fn to a machine function. fn must already be finalized
// (ir.Function.Finalize) so SSA/terminator invariants hold.
func (s *Selector) Select(fn *ir.Function, mod *ir.Module) (*target.MFunction, error) {
	if fn.Decl {
		return nil, liricerr.New(liricerr.Argument, "cannot select a declaration-only function %q", fn.Name)
	}
	b := &builder{
		sel:     s,
		fn:      fn,
		mod:     mod,
		mf:      &target.MFunction{Name: fn.Name},
		vregOf:  make(map[int]target.VReg),
		blockOf: make(map[int]*target.MBlock),
	}
	return b.run()
}

// builder holds the transient state of one Select call.
type builder struct {
	sel     *Selector
	fn      *ir.Function
	mod     *ir.Module
	mf      *target.MFunction
	vregOf  map[int]target.VReg // IR vreg -> machine vreg
	blockOf map[int]*target.MBlock

	phiCopies map[int][]copyJob // predecessor block id -> copies to insert before its terminator
}

type copyJob struct {
	dst target.VReg
	src ir.Value
}

func (b *builder) run() (*target.MFunction, error) {
	for range b.fn.Blocks() {
		b.mf.NewBlock()
	}
	for i, irb := range b.fn.Blocks() {
		b.blockOf[irb.ID] = b.mf.Blocks[i]
	}
	for i, ty := range b.fn.ParamTys {
		_ = ty
		mv := b.mf.NewVReg()
		b.vregOf[i+1] = mv
		b.mf.ParamVRegs = append(b.mf.ParamVRegs, mv)
	}
	b.phiCopies = make(map[int][]copyJob)
	for _, irb := range b.fn.Blocks() {
		b.collectPhiCopies(irb)
	}
	for _, irb := range b.fn.Blocks() {
		mb := b.blockOf[irb.ID]
		if err := b.lowerBlock(irb, mb); err != nil {
			return nil, err
		}
	}
	return b.mf, nil
}

// collectPhiCopies schedules a parallel-copy at the end of every
// predecessor edge feeding a phi, the standard SSA-destruction technique;
// phi finalization runs at end_function.
func (b *builder) collectPhiCopies(irb *ir.BasicBlock) {
	for _, inst := range irb.Insts {
		if inst.Op != ir.OpPhi {
			continue
		}
		dst := b.vreg(inst.Result)
		for _, in := range inst.Incoming {
			b.phiCopies[in.From.ID] = append(b.phiCopies[in.From.ID], copyJob{dst: dst, src: in.Value})
		}
	}
}

func (b *builder) vreg(v ir.Value) target.VReg {
	if mv, ok := b.vregOf[v.Reg]; ok {
		return mv
	}
	mv := b.mf.NewVReg()
	b.vregOf[v.Reg] = mv
	return mv
}

func (b *builder) materialize(mb *target.MBlock, v ir.Value) target.VReg {
	switch v.Kind {
	case ir.VReg:
		if v.Reg == 0 {
			return 0
		}
		return b.vreg(v)
	case ir.ConstInt:
		dst := b.mf.NewVReg()
		mb.Emit(target.MInst{Op: "const", Def: dst, Imm: v.IntVal})
		return dst
	case ir.ConstFloat:
		dst := b.mf.NewVReg()
		mb.Emit(target.MInst{Op: "const", Def: dst, Imm: int64(floatBits(v)), Float: true})
		return dst
	case ir.ConstNull, ir.ConstUndef, ir.ConstPoison:
		dst := b.mf.NewVReg()
		mb.Emit(target.MInst{Op: "const", Def: dst, Imm: 0})
		return dst
	case ir.GlobalRef:
		dst := b.mf.NewVReg()
		mb.Emit(target.MInst{Op: "globaladdr", Def: dst, Sym: v.Global.Name})
		return dst
	default:
		return 0
	}
}

func floatBits(v ir.Value) uint64 {
	if v.Type != nil && v.Type.Kind == ir.F32 {
		return uint64(f32bits(float32(v.FloatVal)))
	}
	return f64bits(v.FloatVal)
}

func (b *builder) emitPhiCopies(mb *target.MBlock, irBlockID int) {
	for _, c := range b.phiCopies[irBlockID] {
		src := b.materialize(mb, c.src)
		mb.Emit(target.MInst{Op: "copy", Def: c.dst, Uses: []target.VReg{src}})
	}
}

func (b *builder) lowerBlock(irb *ir.BasicBlock, mb *target.MBlock) error {
	for _, inst := range irb.Insts {
		if inst.Op.IsTerminator() {
			b.emitPhiCopies(mb, irb.ID)
			if err := b.lowerTerm(inst, mb); err != nil {
				return err
			}
			continue
		}
		if err := b.lowerInst(inst, mb); err != nil {
			return err
		}
	}
	return nil
}

var binOpName = map[ir.Opcode]string{
	ir.OpAdd: "add", ir.OpSub: "sub", ir.OpMul: "mul",
	ir.OpSDiv: "sdiv", ir.OpUDiv: "udiv", ir.OpSRem: "srem", ir.OpURem: "urem",
	ir.OpAnd: "and", ir.OpOr: "or", ir.OpXor: "xor",
	ir.OpShl: "shl", ir.OpLShr: "lshr", ir.OpAShr: "ashr",
	ir.OpFAdd: "fadd", ir.OpFSub: "fsub", ir.OpFMul: "fmul", ir.OpFDiv: "fdiv",
}

var icmpName = map[ir.IntPredicate]string{
	ir.ICmpEQ: "eq", ir.ICmpNE: "ne", ir.ICmpSLT: "slt", ir.ICmpSLE: "sle",
	ir.ICmpSGT: "sgt", ir.ICmpSGE: "sge", ir.ICmpULT: "ult", ir.ICmpULE: "ule",
	ir.ICmpUGT: "ugt", ir.ICmpUGE: "uge",
}

var fcmpName = map[ir.FloatPredicate]string{
	ir.FCmpOEQ: "oeq", ir.FCmpOGT: "ogt", ir.FCmpOGE: "oge", ir.FCmpOLT: "olt",
	ir.FCmpOLE: "ole", ir.FCmpONE: "one", ir.FCmpORD: "ord", ir.FCmpUNO: "uno",
	ir.FCmpUEQ: "ueq", ir.FCmpUNE: "une", ir.FCmpUGT: "ugt", ir.FCmpUGE: "uge",
	ir.FCmpULT: "ult", ir.FCmpULE: "ule",
}

const memIntrinsicThreshold = 64 // inline below this constant size

func (b *builder) lowerInst(inst *ir.Inst, mb *target.MBlock) error {
	switch inst.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpSDiv, ir.OpUDiv, ir.OpSRem, ir.OpURem,
		ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpLShr, ir.OpAShr,
		ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv:
		lhs := b.materialize(mb, inst.Args[0])
		rhs := b.materialize(mb, inst.Args[1])
		dst := b.vreg(inst.Result)
		mb.Emit(target.MInst{Op: binOpName[inst.Op], Def: dst, Uses: []target.VReg{lhs, rhs}})

	case ir.OpICmp:
		lhs := b.materialize(mb, inst.Args[0])
		rhs := b.materialize(mb, inst.Args[1])
		dst := b.vreg(inst.Result)
		mb.Emit(target.MInst{Op: "icmp." + icmpName[inst.IntPred], Def: dst, Uses: []target.VReg{lhs, rhs}})

	case ir.OpFCmp:
		lhs := b.materialize(mb, inst.Args[0])
		rhs := b.materialize(mb, inst.Args[1])
		dst := b.vreg(inst.Result)
		mb.Emit(target.MInst{Op: "fcmp." + fcmpName[inst.FloatPred], Def: dst, Uses: []target.VReg{lhs, rhs}})

	case ir.OpAlloca:
		dst := b.vreg(inst.Result)
		size := int64(inst.AllocaTy.Size())
		if size == 0 {
			size = 8
		}
		mb.Emit(target.MInst{Op: "alloca", Def: dst, Imm: size})

	case ir.OpLoad:
		addr := b.materialize(mb, inst.Args[0])
		dst := b.vreg(inst.Result)
		mb.Emit(target.MInst{Op: "load", Def: dst, Uses: []target.VReg{addr}, Imm: int64(inst.Result.Type.Size())})

	case ir.OpStore:
		val := b.materialize(mb, inst.Args[0])
		addr := b.materialize(mb, inst.Args[1])
		width := inst.Args[0].Type.Size()
		mb.Emit(target.MInst{Op: "store", Uses: []target.VReg{val, addr}, Imm: int64(width)})

	case ir.OpGEP:
		if err := b.lowerGEP(inst, mb); err != nil {
			return err
		}

	case ir.OpCall:
		if err := b.lowerCall(inst, mb); err != nil {
			return err
		}

	case ir.OpPhi:
		// resolved entirely by collectPhiCopies; the phi's own result vreg
		// is just the copy destination, already allocated via b.vreg.
		b.vreg(inst.Result)

	case ir.OpTrunc, ir.OpZExt, ir.OpSExt, ir.OpFPTrunc, ir.OpFPExt,
		ir.OpSIToFP, ir.OpUIToFP, ir.OpFPToSI, ir.OpFPToUI, ir.OpBitcast,
		ir.OpPtrToInt, ir.OpIntToPtr:
		src := b.materialize(mb, inst.Args[0])
		dst := b.vreg(inst.Result)
		op := convOpName(inst.Op)
		srcW := inst.Args[0].Type.Size()
		dstW := inst.Result.Type.Size()
		mb.Emit(target.MInst{Op: op, Def: dst, Uses: []target.VReg{src}, Imm: int64(srcW)<<32 | int64(dstW)})

	case ir.OpMemcpy, ir.OpMemmove, ir.OpMemset:
		if err := b.lowerMemIntrinsic(inst, mb); err != nil {
			return err
		}

	case ir.OpExtractValue, ir.OpInsertValue:
		return liricerr.New(liricerr.Unsupported, "extractvalue/insertvalue: aggregates must be memory-resident in this engine; use load/store through a gep")

	default:
		return liricerr.New(liricerr.Backend, "unsupported opcode %v", inst.Op)
	}
	return nil
}

func convOpName(op ir.Opcode) string {
	switch op {
	case ir.OpTrunc:
		return "trunc"
	case ir.OpZExt:
		return "zext"
	case ir.OpSExt:
		return "sext"
	case ir.OpFPTrunc:
		return "fptrunc"
	case ir.OpFPExt:
		return "fpext"
	case ir.OpSIToFP:
		return "sitofp"
	case ir.OpUIToFP:
		return "uitofp"
	case ir.OpFPToSI:
		return "fptosi"
	case ir.OpFPToUI:
		return "fptoui"
	case ir.OpBitcast:
		return "bitcast"
	case ir.OpPtrToInt:
		return "ptrtoint"
	default:
		return "inttoptr"
	}
}

// lowerGEP canonicalizes a getelementptr: array indices are multiplied by
// the element stride and added to the base using the index's 64-bit slot
// value as is (no separate sign-extension is emitted); struct indices
// become constant offsets folded into the base.
func (b *builder) lowerGEP(inst *ir.Inst, mb *target.MBlock) error {
	base := b.materialize(mb, inst.Args[0])
	cur := base
	curTy := inst.AllocaTy
	for _, idx := range inst.Args[1:] {
		switch curTy.Kind {
		case ir.Struct:
			if idx.Kind != ir.ConstInt {
				return liricerr.New(liricerr.Argument, "gep: struct index must be a constant")
			}
			off := curTy.Offset(int(idx.IntVal))
			if off != 0 {
				next := b.mf.NewVReg()
				mb.Emit(target.MInst{Op: "addimm", Def: next, Uses: []target.VReg{cur}, Imm: int64(off)})
				cur = next
			}
			curTy = curTy.Fields[idx.IntVal].Type
		case ir.Array:
			stride := int64(curTy.Elem.Size())
			iv := b.materialize(mb, idx)
			scaled := b.mf.NewVReg()
			mb.Emit(target.MInst{Op: "mulimm", Def: scaled, Uses: []target.VReg{iv}, Imm: stride})
			next := b.mf.NewVReg()
			mb.Emit(target.MInst{Op: "add", Def: next, Uses: []target.VReg{cur, scaled}})
			cur = next
			curTy = curTy.Elem
		default:
			return liricerr.New(liricerr.Argument, "gep: cannot index into %v", curTy)
		}
	}
	dst := b.vreg(inst.Result)
	mb.Emit(target.MInst{Op: "copy", Def: dst, Uses: []target.VReg{cur}})
	return nil
}

func (b *builder) lowerCall(inst *ir.Inst, mb *target.MBlock) error {
	name := inst.CallName
	if e, ok := b.sel.Intrinsics.Lookup(name); ok {
		switch e.Kind {
		case target.IntrinsicLibc:
			name = e.LibcName
		case target.IntrinsicBuiltin:
			// left as-is; the JIT installer resolves builtins via
			// add_symbol/dlsym, the object builder rejects them.
		case target.IntrinsicBlob:
			// left as a call to the synthetic symbol; the object builder
			// materializes it from the blob.
		}
	}
	uses := make([]target.VReg, len(inst.Args))
	for i, a := range inst.Args {
		uses[i] = b.materialize(mb, a)
	}
	var def target.VReg
	if inst.Result.Kind == ir.VReg && inst.Result.Reg != 0 {
		def = b.vreg(inst.Result)
	}
	abi := int64(0)
	if inst.Call.ExternalABI {
		abi = 1
	}
	mb.Emit(target.MInst{Op: "call", Def: def, Uses: uses, Sym: name, Imm: abi})
	return nil
}

var memOpName = map[ir.Opcode]string{
	ir.OpMemcpy: "memcpy", ir.OpMemmove: "memmove", ir.OpMemset: "memset",
}

func (b *builder) lowerMemIntrinsic(inst *ir.Inst, mb *target.MBlock) error {
	dst := b.materialize(mb, inst.Args[0])
	libcName := memOpName[inst.Op]
	uses := []target.VReg{dst, b.materialize(mb, inst.Args[1]), b.materialize(mb, inst.MemLen)}
	if inst.MemLen.Kind == ir.ConstInt && inst.MemLen.IntVal < memIntrinsicThreshold {
		mb.Emit(target.MInst{Op: "mem." + libcName, Uses: uses, Imm: inst.MemLen.IntVal})
		return nil
	}
	mb.Emit(target.MInst{Op: "call", Uses: uses, Sym: libcName})
	return nil
}

func (b *builder) lowerTerm(inst *ir.Inst, mb *target.MBlock) error {
	switch inst.Op {
	case ir.OpRet:
		v := b.materialize(mb, inst.Args[0])
		mb.Emit(target.MInst{Op: "ret", Uses: []target.VReg{v}})
	case ir.OpRetVoid:
		mb.Emit(target.MInst{Op: "ret"})
	case ir.OpBr:
		mb.Emit(target.MInst{Op: "br", Targets: []int{inst.Args[0].Block.ID}})
	case ir.OpCondBr:
		cond := b.materialize(mb, inst.Args[0])
		mb.Emit(target.MInst{Op: "condbr", Uses: []target.VReg{cond},
			Targets: []int{inst.Args[1].Block.ID, inst.Args[2].Block.ID}})
	case ir.OpSwitch:
		v := b.materialize(mb, inst.Args[0])
		targets := make([]int, 0, len(inst.Cases)+1)
		cases := make([]int64, 0, len(inst.Cases))
		for _, c := range inst.Cases {
			targets = append(targets, c.Dest.ID)
			cases = append(cases, c.Value)
		}
		targets = append(targets, inst.Default.ID) // default is always last
		mb.Emit(target.MInst{Op: "switch", Uses: []target.VReg{v}, Targets: targets, Cases: cases})
	case ir.OpUnreachable:
		mb.Emit(target.MInst{Op: "unreachable"})
	case ir.OpTrap:
		mb.Emit(target.MInst{Op: "trap"})
	default:
		return liricerr.New(liricerr.Backend, "unsupported terminator %v", inst.Op)
	}
	return nil
}
