package ir

// Function owns a sequence of basic blocks, parameter types, a return type,
// and a per-function virtual-register counter.
// Declaration-only functions (Decl==true) have no blocks and compile to an
// external symbol reference instead of a code body.
type Function struct {
	Name     string
	RetType  *Type
	ParamTys []*Type
	Vararg   bool
	Decl     bool

	blocks  []*BasicBlock
	nextReg int // next unassigned vreg id; 0 is reserved for "no result"
	owner   *Module

	finalized bool
}

// NewFunction creates and registers a function definition. Use
// NewDeclaration for an external function with no body.
func (m *Module) NewFunction(name string, ret *Type, params []*Type, vararg bool) *Function {
	f := &Function{Name: name, RetType: ret, ParamTys: params, Vararg: vararg, owner: m}
	f.nextReg = len(params) + 1 // vregs 1..len(params) are reserved for arguments
	m.addFunction(f)
	return f
}

// Arg returns the Value naming the i'th parameter's vreg. Valid once the
// function has at least
// len(params) reserved ids, which NewFunction guarantees immediately.
func (f *Function) Arg(i int) Value {
	return Value{Kind: VReg, Type: f.ParamTys[i], Reg: i + 1}
}

// NewDeclaration creates and registers a declaration-only function.
func (m *Module) NewDeclaration(name string, ret *Type, params []*Type, vararg bool) *Function {
	f := &Function{Name: name, RetType: ret, ParamTys: params, Vararg: vararg, Decl: true, owner: m}
	m.addFunction(f)
	return f
}

// Blocks returns the function's basic blocks in program order.
func (f *Function) Blocks() []*BasicBlock { return f.blocks }

// NewBlock creates a basic block and binds it to f immediately.
func (f *Function) NewBlock(name string) *BasicBlock {
	b := &BasicBlock{Name: name}
	b.bindTo(f)
	return b
}

// DanglingBlock creates a block not bound to any function (Fn is nil).
// Nothing in this package binds it afterwards: bindTo is reached only
// through NewBlock, which always binds a freshly created block.
func DanglingBlock(name string) *BasicBlock {
	return &BasicBlock{Name: name}
}

// AllocReg reserves the next vreg id for this function.
func (f *Function) AllocReg() int {
	r := f.nextReg
	f.nextReg++
	return r
}

// NumVRegs reports how many vregs have been allocated (excluding the
// reserved id 0).
func (f *Function) NumVRegs() int { return f.nextReg - 1 }

// FindBlock looks up a block by its dense id.
func (f *Function) FindBlock(id int) *BasicBlock {
	if id < 0 || id >= len(f.blocks) {
		return nil
	}
	return f.blocks[id]
}

// Finalize checks the well-formedness invariants required before a
// function can be handed to the selector: every non-empty block ends in
// exactly one terminator, no instruction follows it, and the SSA property
// holds (each vreg defined exactly once; every use is dominated by its
// def). It also checks phi incoming blocks all exist.
func (f *Function) Finalize() error {
	if f.finalized || f.Decl {
		f.finalized = true
		return nil
	}
	defined := make(map[int]bool)
	for _, b := range f.blocks {
		for i, inst := range b.Insts {
			if inst.Op.IsTerminator() && i != len(b.Insts)-1 {
				return errTermNotLast(f.Name, b.ID)
			}
			if !inst.Op.IsTerminator() && i == len(b.Insts)-1 {
				return errUnterminatedBlock(f.Name, b.ID)
			}
			if inst.Result.Kind == VReg && inst.Result.Reg != 0 {
				if defined[inst.Result.Reg] {
					return errVRegRedefined(f.Name, inst.Result.Reg)
				}
				defined[inst.Result.Reg] = true
			}
			if inst.Op == OpPhi {
				for _, in := range inst.Incoming {
					if in.From == nil || in.From.Fn != f {
						return errUnknownBlock(f.Name, -1)
					}
				}
			}
		}
		if len(b.Insts) == 0 {
			return errUnterminatedBlock(f.Name, b.ID)
		}
	}
	if err := f.checkDominance(defined); err != nil {
		return err
	}
	f.finalized = true
	return nil
}

// checkDominance performs a conservative, structural dominance check: a
// definition in block D dominates a use in block U if D==U and the def
// precedes the use in program order, or D is a strict dominator of U in the
// CFG computed from terminators. Phi incoming values are checked against
// the predecessor edge, not the phi's own block, per SSA phi semantics.
func (f *Function) checkDominance(defined map[int]bool) error {
	doms := computeDominators(f)
	defBlock := make(map[int]int)  // vreg -> defining block id
	defIndex := make(map[int]int)  // vreg -> instruction index within block
	for _, b := range f.blocks {
		for i, inst := range b.Insts {
			if inst.Result.Kind == VReg && inst.Result.Reg != 0 {
				defBlock[inst.Result.Reg] = b.ID
				defIndex[inst.Result.Reg] = i
			}
		}
	}
	for _, b := range f.blocks {
		for i, inst := range b.Insts {
			for ai, arg := range inst.Args {
				if arg.Kind != VReg || arg.Reg == 0 {
					continue
				}
				if arg.Reg <= len(f.ParamTys) {
					continue // parameter vregs are defined on entry to the function
				}
				if inst.Op == OpPhi {
					from := inst.Incoming[ai].From
					if !dominatesUseAt(doms, defBlock[arg.Reg], defIndex[arg.Reg], from.ID, len(from.Insts)) {
						return errVRegUseNotDominated(f.Name, arg.Reg)
					}
					continue
				}
				if !dominatesUseAt(doms, defBlock[arg.Reg], defIndex[arg.Reg], b.ID, i) {
					return errVRegUseNotDominated(f.Name, arg.Reg)
				}
			}
		}
	}
	return nil
}

func dominatesUseAt(doms [][]bool, defBlk, defIdx, useBlk, useIdx int) bool {
	if defBlk == useBlk {
		return defIdx < useIdx
	}
	return doms[useBlk][defBlk]
}

// computeDominators returns a dense [block][block] table; doms[u][d] is
// true when d dominates u. Entry block dominates everything it reaches;
// unreachable blocks trivially dominate nothing but themselves.
func computeDominators(f *Function) [][]bool {
	n := len(f.blocks)
	doms := make([][]bool, n)
	allTrue := make([]bool, n)
	for i := range allTrue {
		allTrue[i] = true
	}
	for i := range doms {
		doms[i] = append([]bool(nil), allTrue...)
	}
	if n == 0 {
		return doms
	}
	for i := range doms[0] {
		doms[0][i] = false
	}
	doms[0][0] = true

	preds := computePreds(f)
	changed := true
	for changed {
		changed = false
		for bi := 1; bi < n; bi++ {
			if len(preds[bi]) == 0 {
				continue
			}
			next := append([]bool(nil), allTrue...)
			for _, p := range preds[bi] {
				for d := 0; d < n; d++ {
					if !doms[p][d] {
						next[d] = false
					}
				}
			}
			next[bi] = true
			for d := 0; d < n; d++ {
				if next[d] != doms[bi][d] {
					changed = true
				}
			}
			doms[bi] = next
		}
	}
	return doms
}

func computePreds(f *Function) [][]int {
	preds := make([][]int, len(f.blocks))
	for _, b := range f.blocks {
		for _, succ := range successors(b) {
			preds[succ.ID] = append(preds[succ.ID], b.ID)
		}
	}
	return preds
}

func successors(b *BasicBlock) []*BasicBlock {
	term := b.Terminator()
	if term == nil {
		return nil
	}
	switch term.Op {
	case OpBr:
		return []*BasicBlock{term.Args[0].Block}
	case OpCondBr:
		return []*BasicBlock{term.Args[1].Block, term.Args[2].Block}
	case OpSwitch:
		out := make([]*BasicBlock, 0, len(term.Cases)+1)
		for _, c := range term.Cases {
			out = append(out, c.Dest)
		}
		if term.Default != nil {
			out = append(out, term.Default)
		}
		return out
	default:
		return nil
	}
}
