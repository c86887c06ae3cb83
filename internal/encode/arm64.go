package encode

import (
	"encoding/binary"

	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/target"
)

// AArch64 register numbers, matching the teacher's (tinyrange-rtg
// std/compiler aarch64.go) REG_X* naming.
const (
	aX0 = 0
	aX1 = 1
	aX2 = 2
	aFP = 29
	aLR = 30
	aSP = 31
)

var aapcsArgRegs = []int{0, 1, 2, 3, 4, 5, 6, 7}

// arm64Encoder mirrors x64Encoder's memory-backed evaluation model: one
// 8-byte stack slot per vreg, loaded into X0/X1 before use.
type arm64Encoder struct{}

// NewARM64 returns the aarch64 target.Encoder.
func NewARM64() target.Encoder { return arm64Encoder{} }

func (arm64Encoder) Encode(mf *target.MFunction) ([]byte, []target.CodeReloc, error) {
	e := &a64emit{mf: mf, slot: map[target.VReg]int{}}
	return e.run()
}

type a64emit struct {
	mf        *target.MFunction
	code      []byte
	slot      map[target.VReg]int
	frameSize int
	relocs    []target.CodeReloc
	blockOff  map[int]int
	fixups    []a64fixup
}

type a64fixup struct {
	at     int // byte offset of the instruction to patch
	target int
	kind   string // "b", "bcond" (condition in extra), "cbnz", "cbz"
	extra  uint32
}

func (e *a64emit) run() ([]byte, []target.CodeReloc, error) {
	for i := 1; i <= e.mf.NumVRegs; i++ {
		e.slot[target.VReg(i)] = -8 * i
	}
	e.frameSize = align16(8*e.mf.NumVRegs + 16)
	e.blockOff = make(map[int]int)

	e.w(0xA9BF7BFD)                                       // stp x29, x30, [sp, #-16]!
	e.w(0x910003FD)                                       // mov x29, sp
	if e.frameSize > 16 {
		e.w(0xD1000000 | uint32(e.frameSize-16)<<10 | 0x3FF) // sub sp, sp, #imm
	}
	for i, pv := range e.mf.ParamVRegs {
		if i < len(aapcsArgRegs) {
			e.storeSlot(pv, aapcsArgRegs[i])
		}
	}
	for _, mb := range e.mf.Blocks {
		e.blockOff[mb.ID] = len(e.code)
		for _, inst := range mb.Insts {
			if err := e.emit(inst); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, fx := range e.fixups {
		dest, ok := e.blockOff[fx.target]
		if !ok {
			return nil, nil, liricerr.New(liricerr.Backend, "branch to unknown block %d", fx.target)
		}
		delta := int32(dest-fx.at) / 4
		word := binary.LittleEndian.Uint32(e.code[fx.at:])
		switch fx.kind {
		case "b":
			word = 0x14000000 | (uint32(delta) & 0x3FFFFFF)
		case "bcond":
			word = 0x54000000 | ((uint32(delta) & 0x7FFFF) << 5) | fx.extra
		case "cbz":
			word = 0xB4000000 | ((uint32(delta) & 0x7FFFF) << 5) | fx.extra
		case "cbnz":
			word = 0xB5000000 | ((uint32(delta) & 0x7FFFF) << 5) | fx.extra
		}
		binary.LittleEndian.PutUint32(e.code[fx.at:], word)
	}
	return e.code, e.relocs, nil
}

func (e *a64emit) w(word uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	e.code = append(e.code, buf[:]...)
}

func (e *a64emit) loadSlot(v target.VReg, rt int) {
	off := e.slot[v]
	e.w(0xF8400000 | (uint32(int32(off)&0x1FF) << 12) | (uint32(aFP) << 5) | uint32(rt))
}

func (e *a64emit) storeSlot(v target.VReg, rt int) {
	off := e.slot[v]
	e.w(0xF8000000 | (uint32(int32(off)&0x1FF) << 12) | (uint32(aFP) << 5) | uint32(rt))
}

func (e *a64emit) loadImm64(rd int, val uint64) {
	e.w(movz(rd, uint16(val), 0))
	e.w(movk(rd, uint16(val>>16), 16))
	e.w(movk(rd, uint16(val>>32), 32))
	e.w(movk(rd, uint16(val>>48), 48))
}

func movz(rd int, imm16 uint16, shift int) uint32 {
	return 0xD2800000 | (uint32(shift/16) << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
}
func movk(rd int, imm16 uint16, shift int) uint32 {
	return 0xF2800000 | (uint32(shift/16) << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
}

func (e *a64emit) emit(inst target.MInst) error {
	switch inst.Op {
	case "const":
		e.loadImm64(aX0, uint64(inst.Imm))
		e.storeSlot(inst.Def, aX0)
	case "globaladdr":
		// loadImm64 emits a fixed movz/movk/movk/movk sequence; the JIT/object
		// builder patches all four 16-bit fields once the symbol's address is
		// known (see patchCodeReloc's AArch64 RelABS64 case).
		e.relocs = append(e.relocs, target.CodeReloc{Offset: len(e.code), Symbol: inst.Sym, Kind: target.RelABS64})
		e.loadImm64(aX0, 0)
		e.storeSlot(inst.Def, aX0)
	case "copy", "bitcast", "trunc", "zext", "sext", "ptrtoint", "inttoptr":
		e.loadSlot(inst.Uses[0], aX0)
		e.storeSlot(inst.Def, aX0)
	case "alloca":
		e.w(0x910003E0 | (uint32(-e.slot[inst.Def]) << 10) | uint32(aX0)) // add x0, sp, #imm (approximate; frame-relative)
		e.storeSlot(inst.Def, aX0)
	case "load":
		e.loadSlot(inst.Uses[0], aX0)
		e.w(0xF9400000 | uint32(aX0)) // ldr x0, [x0]
		e.storeSlot(inst.Def, aX0)
	case "store":
		e.loadSlot(inst.Uses[0], aX0)
		e.loadSlot(inst.Uses[1], aX1)
		e.w(0xF9000020) // str x0, [x1]
	case "add":
		e.binArith(inst, 0x8B000000)
	case "sub":
		e.binArith(inst, 0xCB000000)
	case "and":
		e.binArith(inst, 0x8A000000)
	case "or":
		e.binArith(inst, 0xAA000000)
	case "xor":
		e.binArith(inst, 0xCA000000)
	case "mul":
		e.loadSlot(inst.Uses[0], aX0)
		e.loadSlot(inst.Uses[1], aX1)
		e.w(0x9B007C00 | (uint32(aX1) << 16) | (uint32(aX0) << 5) | uint32(aX0))
		e.storeSlot(inst.Def, aX0)
	case "sdiv":
		e.divOp(inst, 0x9AC00C00)
	case "udiv":
		e.divOp(inst, 0x9AC00800)
	case "srem", "urem":
		base := uint32(0x9AC00C00)
		if inst.Op == "urem" {
			base = 0x9AC00800
		}
		e.loadSlot(inst.Uses[0], aX0)
		e.loadSlot(inst.Uses[1], aX1)
		e.w(base | (uint32(aX1) << 16) | (uint32(aX0) << 5) | 2) // x2 = x0/x1
		e.w(0x9B008000 | (uint32(aX1) << 16) | (uint32(aX0) << 10) | (2 << 5) | uint32(aX0)) // msub x0, x2, x1, x0
		e.storeSlot(inst.Def, aX0)
	case "shl":
		e.shiftOp(inst, 0x9AC02000)
	case "lshr":
		e.shiftOp(inst, 0x9AC02400)
	case "ashr":
		e.shiftOp(inst, 0x9AC02800)
	case "addimm":
		e.loadSlot(inst.Uses[0], aX0)
		e.w(0x91000000 | (uint32(inst.Imm&0xFFF) << 10) | (uint32(aX0) << 5) | uint32(aX0))
		e.storeSlot(inst.Def, aX0)
	case "mulimm":
		e.loadSlot(inst.Uses[0], aX0)
		e.loadImm64(aX1, uint64(inst.Imm))
		e.w(0x9B007C00 | (uint32(aX1) << 16) | (uint32(aX0) << 5) | uint32(aX0))
		e.storeSlot(inst.Def, aX0)
	case "br":
		e.fixups = append(e.fixups, a64fixup{at: len(e.code), target: inst.Targets[0], kind: "b"})
		e.w(0x14000000)
	case "condbr":
		e.loadSlot(inst.Uses[0], aX0)
		e.fixups = append(e.fixups, a64fixup{at: len(e.code), target: inst.Targets[0], kind: "cbnz", extra: uint32(aX0)})
		e.w(0xB5000000)
		e.fixups = append(e.fixups, a64fixup{at: len(e.code), target: inst.Targets[1], kind: "b"})
		e.w(0x14000000)
	case "switch":
		e.switchChain(inst)
	case "ret":
		if len(inst.Uses) > 0 {
			e.loadSlot(inst.Uses[0], aX0)
		}
		e.epilogue()
	case "unreachable", "trap":
		e.w(0xD4200000) // brk #0
	case "call":
		if err := e.call(inst); err != nil {
			return err
		}
	case "fadd", "fsub", "fmul", "fdiv", "sitofp", "uitofp", "fptosi", "fptoui", "fptrunc", "fpext":
		e.floatOp(inst)
	default:
		if isMemOp(inst.Op) {
			e.call(target.MInst{Op: "call", Uses: inst.Uses, Sym: inst.Op[4:]})
			return nil
		}
		if isCmpOp(inst.Op) {
			e.cmpSet(inst)
			return nil
		}
		return liricerr.New(liricerr.Backend, "arm64: unsupported pseudo-op %q", inst.Op)
	}
	return nil
}

func isMemOp(op string) bool  { return len(op) > 4 && op[:4] == "mem." }
func isCmpOp(op string) bool  { return len(op) > 5 && (op[:5] == "icmp." || op[:5] == "fcmp.") }

func (e *a64emit) binArith(inst target.MInst, opcode uint32) {
	e.loadSlot(inst.Uses[0], aX0)
	e.loadSlot(inst.Uses[1], aX1)
	e.w(opcode | (uint32(aX1) << 16) | (uint32(aX0) << 5) | uint32(aX0))
	e.storeSlot(inst.Def, aX0)
}

func (e *a64emit) divOp(inst target.MInst, opcode uint32) {
	e.loadSlot(inst.Uses[0], aX0)
	e.loadSlot(inst.Uses[1], aX1)
	e.w(opcode | (uint32(aX1) << 16) | (uint32(aX0) << 5) | uint32(aX0))
	e.storeSlot(inst.Def, aX0)
}

func (e *a64emit) shiftOp(inst target.MInst, opcode uint32) {
	e.loadSlot(inst.Uses[0], aX0)
	e.loadSlot(inst.Uses[1], aX1)
	e.w(opcode | (uint32(aX1) << 16) | (uint32(aX0) << 5) | uint32(aX0))
	e.storeSlot(inst.Def, aX0)
}

var a64CondInv = map[string]uint32{
	"eq": 0x1, "ne": 0x0, "slt": 0xA, "sle": 0xC, "sgt": 0xD, "sge": 0xB,
	"ult": 0x2, "ule": 0x8, "ugt": 0x9, "uge": 0x3,
}

func (e *a64emit) cmpSet(inst target.MInst) {
	e.loadSlot(inst.Uses[0], aX0)
	e.loadSlot(inst.Uses[1], aX1)
	e.w(0xEB00001F | (uint32(aX1) << 16) | (uint32(aX0) << 5)) // subs xzr, x0, x1
	inv := a64CondInv[inst.Op[5:]]
	e.w(0x9A9F07E0 | (inv << 12) | uint32(aX0)) // csinc x0, xzr, xzr, !cond
	e.storeSlot(inst.Def, aX0)
}

func (e *a64emit) switchChain(inst target.MInst) {
	e.loadSlot(inst.Uses[0], aX0)
	n := len(inst.Targets) - 1
	for i := 0; i < n; i++ {
		e.loadImm64(aX1, uint64(inst.Cases[i]))
		e.w(0xEB00001F | (uint32(aX1) << 16) | (uint32(aX0) << 5)) // subs xzr, x0, x1
		e.fixups = append(e.fixups, a64fixup{at: len(e.code), target: inst.Targets[i], kind: "bcond", extra: 0x0})
		e.w(0x54000000) // b.eq
	}
	e.fixups = append(e.fixups, a64fixup{at: len(e.code), target: inst.Targets[n], kind: "b"})
	e.w(0x14000000)
}

// floatOp handles scalar double arithmetic/conversions through D0/D1; this
// reference encoder does not distinguish f32 from f64 register width and
// always operates on the full 64-bit lane.
func (e *a64emit) floatOp(inst target.MInst) {
	switch inst.Op {
	case "sitofp", "uitofp":
		e.loadSlot(inst.Uses[0], aX0)
		e.w(0x9E620000) // scvtf d0, x0
		e.w(0x9E660000) // fmov x0, d0
		e.storeSlot(inst.Def, aX0)
	case "fptosi", "fptoui":
		e.loadSlot(inst.Uses[0], aX0)
		e.w(0x9E670000) // fmov d0, x0
		e.w(0x9E780000) // fcvtzs x0, d0
		e.storeSlot(inst.Def, aX0)
	case "fptrunc", "fpext":
		e.loadSlot(inst.Uses[0], aX0)
		e.storeSlot(inst.Def, aX0)
	default:
		op := map[string]uint32{"fadd": 0x1E602800, "fsub": 0x1E603800, "fmul": 0x1E600800, "fdiv": 0x1E601800}[inst.Op]
		e.loadSlot(inst.Uses[0], aX0)
		e.w(0x9E670000) // fmov d0, x0
		e.loadSlot(inst.Uses[1], aX1)
		e.w(0x9E670021) // fmov d1, x1
		e.w(op)         // fop d0, d0, d1
		e.w(0x9E660000) // fmov x0, d0
		e.storeSlot(inst.Def, aX0)
	}
}

func (e *a64emit) epilogue() {
	if e.frameSize > 16 {
		e.w(0x910003FF | (uint32(e.frameSize-16) << 10)) // add sp, sp, #imm
	}
	e.w(0xA8C17BFD) // ldp x29, x30, [sp], #16
	e.w(0xD65F03C0) // ret
}

func (e *a64emit) call(inst target.MInst) error {
	for i, u := range inst.Uses {
		if i >= len(aapcsArgRegs) {
			return liricerr.New(liricerr.Backend, "arm64: call with more than 8 arguments not supported")
		}
		e.loadSlot(u, aapcsArgRegs[i])
	}
	e.relocs = append(e.relocs, target.CodeReloc{Offset: len(e.code), Symbol: inst.Sym, Kind: target.RelBranch26})
	e.w(0x94000000) // bl
	if inst.Def != 0 {
		e.storeSlot(inst.Def, aX0)
	}
	return nil
}
