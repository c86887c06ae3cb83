package ir

// Builder methods append a type-checked instruction to a block and return
// its result Value: a type mismatch is a construction-time error, not a
// silent cast. Each returns an error instead of panicking so callers
// (notably internal/session) can surface it through the standard error
// taxonomy.

func binOp(b *BasicBlock, op Opcode, lhs, rhs Value) (Value, error) {
	if lhs.Type != rhs.Type {
		return Value{}, errTypeMismatch(opName(op), lhs.Type, rhs.Type)
	}
	res := Value{Kind: VReg, Type: lhs.Type, Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: op, Result: res, Args: []Value{lhs, rhs}})
	return res, nil
}

func (b *BasicBlock) Add(lhs, rhs Value) (Value, error)  { return binOp(b, OpAdd, lhs, rhs) }
func (b *BasicBlock) Sub(lhs, rhs Value) (Value, error)  { return binOp(b, OpSub, lhs, rhs) }
func (b *BasicBlock) Mul(lhs, rhs Value) (Value, error)  { return binOp(b, OpMul, lhs, rhs) }
func (b *BasicBlock) SDiv(lhs, rhs Value) (Value, error) { return binOp(b, OpSDiv, lhs, rhs) }
func (b *BasicBlock) UDiv(lhs, rhs Value) (Value, error) { return binOp(b, OpUDiv, lhs, rhs) }
func (b *BasicBlock) SRem(lhs, rhs Value) (Value, error) { return binOp(b, OpSRem, lhs, rhs) }
func (b *BasicBlock) URem(lhs, rhs Value) (Value, error) { return binOp(b, OpURem, lhs, rhs) }
func (b *BasicBlock) And(lhs, rhs Value) (Value, error)  { return binOp(b, OpAnd, lhs, rhs) }
func (b *BasicBlock) Or(lhs, rhs Value) (Value, error)   { return binOp(b, OpOr, lhs, rhs) }
func (b *BasicBlock) Xor(lhs, rhs Value) (Value, error)  { return binOp(b, OpXor, lhs, rhs) }
func (b *BasicBlock) Shl(lhs, rhs Value) (Value, error)  { return binOp(b, OpShl, lhs, rhs) }
func (b *BasicBlock) LShr(lhs, rhs Value) (Value, error) { return binOp(b, OpLShr, lhs, rhs) }
func (b *BasicBlock) AShr(lhs, rhs Value) (Value, error) { return binOp(b, OpAShr, lhs, rhs) }
func (b *BasicBlock) FAdd(lhs, rhs Value) (Value, error) { return binOp(b, OpFAdd, lhs, rhs) }
func (b *BasicBlock) FSub(lhs, rhs Value) (Value, error) { return binOp(b, OpFSub, lhs, rhs) }
func (b *BasicBlock) FMul(lhs, rhs Value) (Value, error) { return binOp(b, OpFMul, lhs, rhs) }
func (b *BasicBlock) FDiv(lhs, rhs Value) (Value, error) { return binOp(b, OpFDiv, lhs, rhs) }

// ICmp appends an icmp yielding an i1 result.
func (b *BasicBlock) ICmp(pred IntPredicate, lhs, rhs Value) (Value, error) {
	if lhs.Type != rhs.Type {
		return Value{}, errTypeMismatch("icmp", lhs.Type, rhs.Type)
	}
	res := Value{Kind: VReg, Type: b.Fn.i1(), Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: OpICmp, Result: res, Args: []Value{lhs, rhs}, IntPred: pred})
	return res, nil
}

// FCmp appends an fcmp yielding an i1 result.
func (b *BasicBlock) FCmp(pred FloatPredicate, lhs, rhs Value) (Value, error) {
	if lhs.Type != rhs.Type {
		return Value{}, errTypeMismatch("fcmp", lhs.Type, rhs.Type)
	}
	res := Value{Kind: VReg, Type: b.Fn.i1(), Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: OpFCmp, Result: res, Args: []Value{lhs, rhs}, FloatPred: pred})
	return res, nil
}

// i1 fetches the i1 type through the owning module without requiring every
// builder call site to thread a *Module separately.
func (f *Function) i1() *Type { return f.owner.I1Type() }

// Alloca appends a stack allocation of elemTy, yielding a pointer result.
func (b *BasicBlock) Alloca(elemTy *Type) Value {
	res := Value{Kind: VReg, Type: b.Fn.owner.PtrType(), Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: OpAlloca, Result: res, AllocaTy: elemTy})
	return res
}

// Load appends a load of type ty from addr.
func (b *BasicBlock) Load(ty *Type, addr Value) (Value, error) {
	if addr.Type.Kind != Ptr {
		return Value{}, errTypeMismatch("load", b.Fn.owner.PtrType(), addr.Type)
	}
	res := Value{Kind: VReg, Type: ty, Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: OpLoad, Result: res, Args: []Value{addr}})
	return res, nil
}

// Store appends a store of val to addr.
func (b *BasicBlock) Store(val, addr Value) error {
	if addr.Type.Kind != Ptr {
		return errTypeMismatch("store", b.Fn.owner.PtrType(), addr.Type)
	}
	b.Append(&Inst{Op: OpStore, Args: []Value{val, addr}})
	return nil
}

// GEP appends a getelementptr; indices are either constant ints (struct
// field selection, folded to a byte offset at selection time) or vregs
// (array indices, scaled by the element stride at selection time; the
// selector emits no separate sign-extension for them).
func (b *BasicBlock) GEP(baseTy *Type, base Value, indices []Value) Value {
	res := Value{Kind: VReg, Type: b.Fn.owner.PtrType(), Reg: b.Fn.AllocReg()}
	args := append([]Value{base}, indices...)
	b.Append(&Inst{Op: OpGEP, Result: res, Args: args, AllocaTy: baseTy})
	return res
}

// Call appends a call to callee, yielding a result of type retTy (VoidType
// for no result).
func (b *BasicBlock) Call(callee string, retTy *Type, args []Value, flags CallFlags) Value {
	var res Value
	if retTy.Kind != Void {
		res = Value{Kind: VReg, Type: retTy, Reg: b.Fn.AllocReg()}
	}
	b.Append(&Inst{Op: OpCall, Result: res, Args: args, Call: flags, CallName: callee})
	return res
}

// Phi appends a phi node of type ty with the given incoming edges; they are
// validated (every named block exists) at Function.Finalize.
func (b *BasicBlock) Phi(ty *Type, incoming []PhiIncoming) Value {
	args := make([]Value, len(incoming))
	for i, in := range incoming {
		args[i] = in.Value
	}
	res := Value{Kind: VReg, Type: ty, Reg: b.Fn.AllocReg()}
	b.Append(&Inst{Op: OpPhi, Result: res, Args: args, Incoming: incoming})
	return res
}

// Ret appends a `ret` terminator.
func (b *BasicBlock) Ret(v Value) { b.Append(&Inst{Op: OpRet, Args: []Value{v}}) }

// RetVoid appends a `ret_void` terminator.
func (b *BasicBlock) RetVoid() { b.Append(&Inst{Op: OpRetVoid}) }

// Br appends an unconditional branch.
func (b *BasicBlock) Br(dest *BasicBlock) {
	b.Append(&Inst{Op: OpBr, Args: []Value{BlockValue(dest)}})
}

// CondBr appends a conditional branch on cond (must be i1).
func (b *BasicBlock) CondBr(cond Value, then, els *BasicBlock) error {
	if cond.Type == nil || cond.Type.Kind != I1 {
		return errTypeMismatch("condbr", b.Fn.owner.I1Type(), cond.Type)
	}
	b.Append(&Inst{Op: OpCondBr, Args: []Value{cond, BlockValue(then), BlockValue(els)}})
	return nil
}

// Switch appends a switch terminator over v with the given cases and
// default target.
func (b *BasicBlock) Switch(v Value, cases []SwitchCase, def *BasicBlock) {
	b.Append(&Inst{Op: OpSwitch, Args: []Value{v}, Cases: cases, Default: def})
}

// Unreachable appends an `unreachable` terminator.
func (b *BasicBlock) Unreachable() { b.Append(&Inst{Op: OpUnreachable}) }

// Trap appends a deliberate trap instruction (the lowering of
// llvm.trap); it also terminates the block.
func (b *BasicBlock) Trap() { b.Append(&Inst{Op: OpTrap}) }

func opName(op Opcode) string {
	names := [...]string{
		"add", "sub", "mul", "sdiv", "udiv", "srem", "urem",
		"and", "or", "xor", "shl", "lshr", "ashr",
		"fadd", "fsub", "fmul", "fdiv",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return "op"
}
