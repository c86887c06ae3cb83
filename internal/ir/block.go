package ir

// BasicBlock owns an ordered list of instructions. Function.NewBlock binds
// it to its owning Function via bindTo when creating it; a block made by
// DanglingBlock has no owning Function and is not bound on later use.
type BasicBlock struct {
	ID    int // dense, monotonically increasing within the owning function
	Name  string
	Fn    *Function
	Insts []*Inst
}

// Append adds inst to the end of the block's instruction list. It is the
// caller's responsibility to keep the "terminator is last" invariant;
// Function.Finalize checks it.
func (b *BasicBlock) Append(inst *Inst) {
	b.Insts = append(b.Insts, inst)
}

// Terminator returns the block's terminating instruction, or nil if the
// block is empty or not yet terminated.
func (b *BasicBlock) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	last := b.Insts[len(b.Insts)-1]
	if last.Op.IsTerminator() {
		return last
	}
	return nil
}

// bindTo attaches a dangling block to fn, assigning it the next dense id.
func (b *BasicBlock) bindTo(fn *Function) {
	if b.Fn != nil {
		return
	}
	b.Fn = fn
	b.ID = len(fn.blocks)
	fn.blocks = append(fn.blocks, b)
}
