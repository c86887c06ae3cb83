// Package session implements the compile-session state machine: a caller
// feeds it function/block/instruction descriptors (or a `.ll` text blob)
// and it drives the ir.Module builder underneath, tracking the
// IDLE -> IN_FUNC -> IN_BLOCK state discipline, grounded on
// original_source/src/compile_session.c's lr_compile_session_t.
package session

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/jit"
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/target"
)

// Strategy selects when a Session installs what it builds: DirectPass
// compiles and JIT-installs each function at EndFunction, IRMode keeps
// every function as a definition and installs the module at Commit;
// mirrors lr_compile_strategy_t.
type Strategy int

const (
	StrategyDirectPass Strategy = iota
	StrategyIRMode
)

// State is the session's position in the begin/emit/end discipline.
type State int

const (
	Idle State = iota
	InFunc
	InBlock
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFunc:
		return "in_func"
	case InBlock:
		return "in_block"
	default:
		return "ended"
	}
}

// Config mirrors lr_compile_config_t: the functional-options surface a
// caller uses to open a Session.
type Config struct {
	Strategy            Strategy
	TargetName          string
	EnableLocalPeephole bool
	EnableIRPipeline    bool
	Logger              *zap.Logger

	// Target is the backend pair (Selector/Encoder) StrategyDirectPass
	// uses to compile and JIT-install each function as it is finished.
	// Required when Strategy==StrategyDirectPass; ir-mode needs it only
	// once the caller commits (see Commit) or calls AddSymbol/LookupSymbol.
	Target target.Descriptor

	// CompileMode mirrors LIRIC_COMPILE_MODE (isel|copy_patch|llvm, §6).
	// Only "isel" is implemented by this engine; an unsupported value is
	// logged and ignored rather than rejected, since New has no error
	// return.
	CompileMode string
	// RuntimeLib mirrors LIRIC_RUNTIME_LIB: an optional shared library
	// dlopen'd into the JIT installer's search path at first use and
	// searched after dlsym(RTLD_DEFAULT, ...) misses (§4.6, §6).
	RuntimeLib string
	// VerboseBlobLink mirrors LIRIC_VERBOSE_BLOB_LINK=1: one extra Debug
	// line per global installed by installOne. The object-file writers do
	// not read it.
	VerboseBlobLink bool
}

// Option configures a Config.
type Option func(*Config)

func WithStrategy(s Strategy) Option { return func(c *Config) { c.Strategy = s } }
func WithTarget(name string) Option  { return func(c *Config) { c.TargetName = name } }
func WithLocalPeephole(on bool) Option {
	return func(c *Config) { c.EnableLocalPeephole = on }
}
func WithIRPipeline(on bool) Option   { return func(c *Config) { c.EnableIRPipeline = on } }
func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithBackend sets the target.Descriptor a direct-pass session compiles
// and JIT-installs each finished function against.
func WithBackend(d target.Descriptor) Option { return func(c *Config) { c.Target = d } }

// WithRuntimeLib sets the shared library path the JIT installer dlopens and
// searches after dlsym(RTLD_DEFAULT, ...), mirroring LIRIC_RUNTIME_LIB.
func WithRuntimeLib(path string) Option { return func(c *Config) { c.RuntimeLib = path } }

// OperandKind classifies one instruction operand descriptor, mirroring
// LR_OP_KIND_* from compile_session.c.
type OperandKind int

const (
	OpKindVReg OperandKind = iota
	OpKindImmI64
	OpKindImmF64
	OpKindBlock
	OpKindGlobal
	OpKindNull
	OpKindUndef
)

// Operand is the wire-level instruction operand a caller supplies to Emit,
// mirroring lr_operand_desc_t: a tagged union plus its static type. From is
// only meaningful for a phi's incoming-value operands: the id of the
// predecessor block this value arrives from.
type Operand struct {
	Kind    OperandKind
	VReg    uint32
	ImmI64  int64
	ImmF64  float64
	BlockID uint32
	Global  string
	Type    *ir.Type
	From    uint32
}

// InstDesc is the wire-level instruction descriptor passed to Emit,
// mirroring lr_inst_desc_t.
type InstDesc struct {
	Op           ir.Opcode
	Type         *ir.Type
	Operands     []Operand
	Indices      []uint32
	IntPred      ir.IntPredicate
	FloatPred    ir.FloatPredicate
	CallName     string
	CallExternal bool
	CallVararg   bool
}

// FuncSpec describes a function signature at BeginFunction, mirroring
// lr_function_spec_t.
type FuncSpec struct {
	Name       string
	RetType    *ir.Type
	ParamTypes []*ir.Type
	Vararg     bool
}

// Session drives one ir.Module through the begin/emit/end state machine.
// Each Session carries a UUID for log correlation across its own lifetime
// and across the update transactions its direct-pass strategy opens on the
// JIT installer, matching §5's "update session is the single serialization
// point" needing a name to log against.
type Session struct {
	cfg    Config
	log    *zap.Logger
	id     uuid.UUID
	mod    *ir.Module
	state  State
	fn     *ir.Function
	block  *ir.BasicBlock
	sealed map[int]bool

	installer *jit.JIT // lazily created on first use, see jitInstaller
}

// New opens a session over a fresh module, mirroring lr_compile_begin.
// Environment overrides (LIRIC_COMPILE_MODE, LIRIC_RUNTIME_LIB,
// LIRIC_VERBOSE_BLOB_LINK) are read once here, after Options are applied, so
// an explicit Option always loses to the environment — matching the
// teacher's own "env wins, then flag, then default" precedence in
// std/compiler's target-selection flags.
func New(opts ...Option) *Session {
	cfg := Config{Strategy: StrategyIRMode, CompileMode: "isel"}
	for _, o := range opts {
		o(&cfg)
	}
	if v, ok := os.LookupEnv("LIRIC_COMPILE_MODE"); ok {
		cfg.CompileMode = v
	}
	if v, ok := os.LookupEnv("LIRIC_RUNTIME_LIB"); ok {
		cfg.RuntimeLib = v
	}
	if v, ok := os.LookupEnv("LIRIC_VERBOSE_BLOB_LINK"); ok {
		cfg.VerboseBlobLink = v == "1"
	}

	log := cfg.Logger
	if log == nil {
		log, _ = zap.NewProduction()
	}
	id := uuid.New()
	log = log.With(zap.String("session", id.String()))
	if cfg.CompileMode != "isel" {
		log.Warn("unsupported LIRIC_COMPILE_MODE, falling back to isel", zap.String("requested", cfg.CompileMode))
		cfg.CompileMode = "isel"
	}
	return &Session{cfg: cfg, log: log, id: id, mod: ir.New(), state: Idle, sealed: map[int]bool{}}
}

// ID returns the session's correlation UUID.
func (s *Session) ID() uuid.UUID { return s.id }

// Module returns the module under construction.
func (s *Session) Module() *ir.Module { return s.mod }

// jitInstaller lazily creates the JIT installer that direct-pass installs,
// Commit, AddSymbol and LookupSymbol use, bound to the configured Target.
func (s *Session) jitInstaller() (*jit.JIT, error) {
	if s.installer != nil {
		return s.installer, nil
	}
	if s.cfg.Target.Select == nil || s.cfg.Target.Encode == nil {
		return nil, liricerr.New(liricerr.Argument, "session: direct-pass strategy requires WithBackend")
	}
	j, err := jit.New(s.cfg.Target, s.log)
	if err != nil {
		return nil, err
	}
	if s.cfg.RuntimeLib != "" {
		if err := j.LoadLibrary(s.cfg.RuntimeLib); err != nil {
			return nil, liricerr.Wrap(liricerr.Backend, err, "session: loading LIRIC_RUNTIME_LIB %q", s.cfg.RuntimeLib)
		}
	}
	s.installer = j
	return j, nil
}

// AddSymbol registers a host-side helper explicitly on the session's JIT
// installer; it takes precedence over dlsym (§4.6).
func (s *Session) AddSymbol(name string, addr uintptr) error {
	j, err := s.jitInstaller()
	if err != nil {
		return err
	}
	j.AddSymbol(name, addr)
	return nil
}

// LookupSymbol resolves name against the session's JIT installer in the
// order §4.6 specifies: registered table, negative miss cache, dlsym, then
// explicitly loaded libraries.
func (s *Session) LookupSymbol(name string) (uintptr, error) {
	j, err := s.jitInstaller()
	if err != nil {
		return 0, err
	}
	return j.Lookup(name)
}

// BeginFunction opens a new function and moves the session to InFunc
// (lr_func_begin). Only valid from Idle.
func (s *Session) BeginFunction(spec FuncSpec) (*ir.Function, error) {
	if s.state != Idle {
		return nil, liricerr.New(liricerr.State, "begin_function: session is %s, want idle", s.state)
	}
	fn := s.mod.NewFunction(spec.Name, spec.RetType, spec.ParamTypes, spec.Vararg)
	s.fn = fn
	s.state = InFunc
	s.sealed = map[int]bool{}
	s.log.Debug("begin_function", zap.String("name", spec.Name))
	return fn, nil
}

// BeginBlock opens a new basic block within the current function
// (lr_block_begin). Valid from InFunc or InBlock (implicitly closing the
// previous block without sealing it early).
func (s *Session) BeginBlock(name string) (*ir.BasicBlock, error) {
	if s.state != InFunc && s.state != InBlock {
		return nil, liricerr.New(liricerr.State, "begin_block: session is %s, want in_func", s.state)
	}
	b := s.fn.NewBlock(name)
	s.block = b
	s.state = InBlock
	return b, nil
}

// Emit appends one instruction descriptor to the current block
// (lr_emit). desc.Operands are resolved against the function's existing
// vregs/blocks/globals before building the ir.Inst. Unlike the type-safe
// per-opcode builder methods on ir.BasicBlock (used by Go callers building
// IR directly), Emit accepts any opcode generically: it is the runtime
// entry point a `.ll`/Wasm front end drives one descriptor at a time,
// mirroring lr_emit's lr_inst_desc_t acceptance of any lr_opcode_t.
func (s *Session) Emit(desc InstDesc) (ir.Value, error) {
	if s.state != InBlock {
		return ir.Value{}, liricerr.New(liricerr.State, "emit: session is %s, want in_block", s.state)
	}
	args := make([]ir.Value, len(desc.Operands))
	for i, op := range desc.Operands {
		v, err := s.resolveOperand(op)
		if err != nil {
			return ir.Value{}, err
		}
		args[i] = v
	}

	inst := &ir.Inst{
		Op:        desc.Op,
		Args:      args,
		IntPred:   desc.IntPred,
		FloatPred: desc.FloatPred,
		CallName:  desc.CallName,
		Call:      ir.CallFlags{ExternalABI: desc.CallExternal, Vararg: desc.CallVararg},
	}

	switch desc.Op {
	case ir.OpAlloca:
		inst.AllocaTy = desc.Type
		inst.Result = ir.Value{Kind: ir.VReg, Type: s.mod.PtrType(), Reg: s.fn.AllocReg()}
	case ir.OpGEP:
		inst.AllocaTy = desc.Type
		inst.Result = ir.Value{Kind: ir.VReg, Type: s.mod.PtrType(), Reg: s.fn.AllocReg()}
	case ir.OpCall:
		if desc.Type != nil && desc.Type.Kind != ir.Void {
			inst.Result = ir.Value{Kind: ir.VReg, Type: desc.Type, Reg: s.fn.AllocReg()}
		}
	case ir.OpMemcpy, ir.OpMemmove, ir.OpMemset:
		if len(args) < 3 {
			return ir.Value{}, liricerr.New(liricerr.Argument, "emit: %v needs dst, src/val, len operands", desc.Op)
		}
		inst.Args = args[:2]
		inst.MemLen = args[2]
	case ir.OpRet, ir.OpRetVoid, ir.OpUnreachable, ir.OpTrap:
		// no result
	case ir.OpBr, ir.OpCondBr:
		// no result
	case ir.OpSwitch:
		// desc.Operands[0] is the scrutinee; case/default wiring is
		// supplied out of band via desc.Indices paired 1:1 with the
		// remaining block operands, mirroring lr_inst_desc_t's layout.
		if len(args) < 1 {
			return ir.Value{}, liricerr.New(liricerr.Argument, "emit: switch needs a scrutinee operand")
		}
		scrut := args[0]
		inst.Args = []ir.Value{scrut}
		cases := make([]ir.SwitchCase, 0, len(desc.Indices))
		for i, idxVal := range desc.Indices {
			if i+1 >= len(args) {
				break
			}
			cases = append(cases, ir.SwitchCase{Value: int64(idxVal), Dest: args[i+1].Block})
		}
		inst.Cases = cases
		if len(args) > len(desc.Indices)+1 {
			inst.Default = args[len(args)-1].Block
		}
	case ir.OpPhi:
		inst.Result = ir.Value{Kind: ir.VReg, Type: desc.Type, Reg: s.fn.AllocReg()}
		incoming := make([]ir.PhiIncoming, len(desc.Operands))
		for i, op := range desc.Operands {
			from := s.fn.FindBlock(int(op.From))
			if from == nil {
				return ir.Value{}, liricerr.New(liricerr.NotFound, "emit: phi incoming from unknown block %d", op.From)
			}
			incoming[i] = ir.PhiIncoming{Value: args[i], From: from}
		}
		inst.Incoming = incoming
		inst.Args = args
	default:
		if desc.Type != nil && desc.Type.Kind != ir.Void {
			inst.Result = ir.Value{Kind: ir.VReg, Type: desc.Type, Reg: s.fn.AllocReg()}
		}
	}

	s.block.Append(inst)
	return inst.Result, nil
}

func (s *Session) resolveOperand(op Operand) (ir.Value, error) {
	switch op.Kind {
	case OpKindVReg:
		return ir.Value{Kind: ir.VReg, Reg: int(op.VReg), Type: op.Type}, nil
	case OpKindImmI64:
		return ir.IntConst(op.Type, op.ImmI64), nil
	case OpKindImmF64:
		return ir.FloatConst(op.Type, op.ImmF64), nil
	case OpKindBlock:
		b := s.fn.FindBlock(int(op.BlockID))
		if b == nil {
			return ir.Value{}, liricerr.New(liricerr.NotFound, "emit: unknown block id %d", op.BlockID)
		}
		return ir.BlockValue(b), nil
	case OpKindGlobal:
		g := s.mod.FindGlobal(op.Global)
		if g == nil {
			return ir.Value{}, liricerr.New(liricerr.NotFound, "emit: unknown global %q", op.Global)
		}
		return ir.GlobalValue(g), nil
	case OpKindNull:
		return ir.NullConst(op.Type), nil
	case OpKindUndef:
		return ir.UndefConst(op.Type), nil
	default:
		return ir.Value{}, liricerr.New(liricerr.Argument, "emit: unknown operand kind %d", op.Kind)
	}
}

// SealBlock marks a block as no longer accepting new predecessor phi
// operands (lr_block_seal); sealing a block twice is an error. EndFunction
// does not check that every block was sealed.
func (s *Session) SealBlock(b *ir.BasicBlock) error {
	if s.sealed[b.ID] {
		return liricerr.New(liricerr.State, "seal_block: block %d already sealed", b.ID)
	}
	s.sealed[b.ID] = true
	return nil
}

// EndFunction finalizes the current function (dominance/terminator
// verification), and, in StrategyDirectPass, immediately runs instruction
// selection, encoding, and JIT installation for it — per §4.3, "the session
// treats each function as its own compilation unit". While that function is
// compiled, every other defined function in the module is temporarily
// marked as a declaration so emitFunction's pre-registration of call
// targets still resolves their names without re-emitting bodies already
// installed in a previous direct-pass call; StrategyIRMode instead leaves
// every function as a definition and defers installation to Commit.
func (s *Session) EndFunction() (*ir.Function, error) {
	if s.state != InFunc && s.state != InBlock {
		return nil, liricerr.New(liricerr.State, "end_function: session is %s, want in_func/in_block", s.state)
	}
	fn := s.fn
	if err := fn.Finalize(); err != nil {
		return nil, err
	}
	s.fn, s.block, s.state = nil, nil, Idle

	if s.cfg.Strategy == StrategyDirectPass {
		if err := s.installOne(fn); err != nil {
			return nil, liricerr.Wrap(liricerr.Backend, err, "end_function: direct-pass install of %q failed", fn.Name)
		}
	}
	return fn, nil
}

// installOne runs the target pipeline for exactly fn and installs it (plus
// any of the module's globals not yet installed), restoring every other
// function's Decl flag to what it was before the call so later direct-pass
// compiles of other functions see them as already-installed declarations
// rather than re-emitting their bodies.
func (s *Session) installOne(fn *ir.Function) error {
	j, err := s.jitInstaller()
	if err != nil {
		return err
	}

	prevDecl := make([]bool, len(s.mod.Functions()))
	for i, other := range s.mod.Functions() {
		prevDecl[i] = other.Decl
		if other != fn {
			other.Decl = true
		}
	}
	defer func() {
		for i, other := range s.mod.Functions() {
			other.Decl = prevDecl[i]
		}
	}()

	txn := uuid.New()
	s.log.Debug("begin_update", zap.String("txn", txn.String()), zap.String("function", fn.Name))
	if err := j.BeginUpdate(); err != nil {
		return err
	}
	for _, g := range s.mod.Globals() {
		if g.External {
			continue
		}
		if _, err := j.Lookup(g.Name); err == nil {
			continue // already installed by an earlier direct-pass call
		}
		if s.cfg.VerboseBlobLink {
			s.log.Debug("installing global", zap.String("txn", txn.String()), zap.String("global", g.Name))
		}
		if err := j.InstallGlobal(g); err != nil {
			_ = j.EndUpdate()
			return err
		}
	}
	if err := j.InstallFunction(fn, s.mod); err != nil {
		_ = j.EndUpdate()
		return err
	}
	if err := j.EndUpdate(); err != nil {
		return err
	}
	s.log.Debug("end_update", zap.String("txn", txn.String()))
	return nil
}

// Commit installs every defined function in the module at once, the
// ir-mode counterpart to direct-pass's per-function install: "installation
// is deferred until the session is explicitly committed" (§4.3).
func (s *Session) Commit() error {
	if s.cfg.Strategy != StrategyIRMode {
		return liricerr.New(liricerr.ModeConflict, "commit: only valid in ir-mode")
	}
	j, err := s.jitInstaller()
	if err != nil {
		return err
	}
	txn := uuid.New()
	s.log.Debug("begin_update", zap.String("txn", txn.String()), zap.String("op", "commit"))
	if err := j.BeginUpdate(); err != nil {
		return err
	}
	if err := j.AddModule(s.mod); err != nil {
		_ = j.EndUpdate()
		return err
	}
	if err := j.EndUpdate(); err != nil {
		return err
	}
	s.log.Debug("end_update", zap.String("txn", txn.String()))
	return nil
}

// EndSession finalizes and returns the built module; no further calls are
// valid afterward.
func (s *Session) EndSession() (*ir.Module, error) {
	if s.state != Idle {
		return nil, liricerr.New(liricerr.State, "end_session: session is %s, want idle", s.state)
	}
	s.state = Ended
	return s.mod, nil
}

// ParseLLFunc is the external `.ll`-text-to-Module adapter CompileLL drives;
// the parser itself is out of this engine's scope (spec §2 component D) —
// callers wire in whatever front end they have (an llvm::* façade, a
// hand-written parser) by passing it to CompileLL.
type ParseLLFunc func(text string) (*ir.Module, error)

// CompileLL parses text via parse and adopts the resulting Module as this
// session's own, then — in StrategyDirectPass — installs every function it
// defines, in declaration order, mirroring lr_compile_ll's "parse, build,
// and JIT in one call" convenience entry point (§6). Valid only on a fresh
// session (Idle, nothing built by hand yet): mixing incremental
// begin/emit-style construction with a bulk parse in the same session isn't
// supported, since the parsed Module's IR objects belong to their own
// arena and can't be grafted onto one already in progress (§3's "a Value
// created inside module M may not appear in module M'"). Returns the name
// of the last function installed, matching "compile_ll(text) -> last_symbol".
func (s *Session) CompileLL(text string, parse ParseLLFunc) (string, error) {
	if s.state != Idle {
		return "", liricerr.New(liricerr.State, "compile_ll: session is %s, want idle", s.state)
	}
	if len(s.mod.Functions()) > 0 || len(s.mod.Globals()) > 0 {
		return "", liricerr.New(liricerr.ModeConflict, "compile_ll: session already has hand-built IR")
	}
	parsed, err := parse(text)
	if err != nil {
		return "", liricerr.Wrap(liricerr.Parse, err, "compile_ll")
	}
	s.mod = parsed

	last := ""
	for _, fn := range parsed.Functions() {
		if fn.Decl {
			continue
		}
		if err := fn.Finalize(); err != nil {
			return "", err
		}
		if s.cfg.Strategy == StrategyDirectPass {
			if err := s.installOne(fn); err != nil {
				return "", liricerr.Wrap(liricerr.Backend, err, "compile_ll: installing %q", fn.Name)
			}
		}
		last = fn.Name
	}
	return last, nil
}
