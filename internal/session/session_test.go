package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/liricerr"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return New(opts...)
}

func TestNewIsIdleWithStableID(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, Idle, s.state)
	require.NotEqual(t, s.ID(), newTestSession(t).ID())
}

func TestBeginEmitEndFunctionHappyPath(t *testing.T) {
	s := newTestSession(t)
	fn, err := s.BeginFunction(FuncSpec{Name: "add_one", RetType: s.Module().I64Type(), ParamTypes: []*ir.Type{s.Module().I64Type()}})
	require.NoError(t, err)
	require.Equal(t, InFunc, s.state)

	b, err := s.BeginBlock("entry")
	require.NoError(t, err)
	require.Equal(t, InBlock, s.state)

	res, err := s.Emit(InstDesc{
		Op:   ir.OpAdd,
		Type: s.Module().I64Type(),
		Operands: []Operand{
			{Kind: OpKindVReg, VReg: 1, Type: s.Module().I64Type()},
			{Kind: OpKindImmI64, ImmI64: 1, Type: s.Module().I64Type()},
		},
	})
	require.NoError(t, err)
	require.Equal(t, ir.VReg, res.Kind)

	_, err = s.Emit(InstDesc{
		Op: ir.OpRet,
		Operands: []Operand{
			{Kind: OpKindVReg, VReg: uint32(res.Reg), Type: s.Module().I64Type()},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.SealBlock(b))

	done, err := s.EndFunction()
	require.NoError(t, err)
	require.Equal(t, fn, done)
	require.Equal(t, Idle, s.state)

	mod, err := s.EndSession()
	require.NoError(t, err)
	require.Equal(t, fn, mod.FindFunction("add_one"))
}

func TestBeginBlockRejectsWrongState(t *testing.T) {
	s := newTestSession(t)
	_, err := s.BeginBlock("entry")
	require.Error(t, err)
	require.True(t, liricerr.Is(err, liricerr.State))
}

func TestEmitRejectsOutsideBlock(t *testing.T) {
	s := newTestSession(t)
	_, err := s.BeginFunction(FuncSpec{Name: "f", RetType: s.Module().VoidType()})
	require.NoError(t, err)
	_, err = s.Emit(InstDesc{Op: ir.OpRetVoid})
	require.Error(t, err)
	require.True(t, liricerr.Is(err, liricerr.State))
}

func TestEndSessionRejectsMidFunction(t *testing.T) {
	s := newTestSession(t)
	_, err := s.BeginFunction(FuncSpec{Name: "f", RetType: s.Module().VoidType()})
	require.NoError(t, err)
	_, err = s.EndSession()
	require.Error(t, err)
}

func TestCommitRejectsDirectPassStrategy(t *testing.T) {
	s := newTestSession(t, WithStrategy(StrategyDirectPass))
	err := s.Commit()
	require.Error(t, err)
	require.True(t, liricerr.Is(err, liricerr.ModeConflict))
}

func TestDirectPassEndFunctionRequiresBackend(t *testing.T) {
	s := newTestSession(t, WithStrategy(StrategyDirectPass))
	_, err := s.BeginFunction(FuncSpec{Name: "f", RetType: s.Module().VoidType()})
	require.NoError(t, err)
	b, err := s.BeginBlock("entry")
	require.NoError(t, err)
	_, err = s.Emit(InstDesc{Op: ir.OpRetVoid})
	require.NoError(t, err)
	require.NoError(t, s.SealBlock(b))

	_, err = s.EndFunction()
	require.Error(t, err)
	require.True(t, liricerr.Is(err, liricerr.Backend))
}

func TestCompileLLRejectsNonEmptySession(t *testing.T) {
	s := newTestSession(t)
	_, err := s.BeginFunction(FuncSpec{Name: "f", RetType: s.Module().VoidType()})
	require.NoError(t, err)
	_, err = s.BeginBlock("entry")
	require.NoError(t, err)
	_, err = s.Emit(InstDesc{Op: ir.OpRetVoid})
	require.NoError(t, err)
	_, err = s.EndFunction()
	require.NoError(t, err)

	_, err = s.CompileLL("", func(string) (*ir.Module, error) { return ir.New(), nil })
	require.Error(t, err)
	require.True(t, liricerr.Is(err, liricerr.ModeConflict))
}

func TestCompileLLAdoptsParsedModule(t *testing.T) {
	s := newTestSession(t)
	last, err := s.CompileLL("irrelevant text", func(string) (*ir.Module, error) {
		m := ir.New()
		fn := m.NewFunction("parsed_fn", m.VoidType(), nil, false)
		fn.NewBlock("entry").RetVoid()
		return m, nil
	})
	require.NoError(t, err)
	require.Equal(t, "parsed_fn", last)
	require.NotNil(t, s.Module().FindFunction("parsed_fn"))
}

func TestEnvOverridesWinOverOptions(t *testing.T) {
	t.Setenv("LIRIC_COMPILE_MODE", "isel")
	t.Setenv("LIRIC_RUNTIME_LIB", "")
	t.Setenv("LIRIC_VERBOSE_BLOB_LINK", "1")
	s := newTestSession(t, WithRuntimeLib("libfromoption.so"))
	require.True(t, s.cfg.VerboseBlobLink)
	require.Equal(t, "isel", s.cfg.CompileMode)
	require.Equal(t, "", s.cfg.RuntimeLib)
}

func TestUnsupportedCompileModeFallsBackToIsel(t *testing.T) {
	t.Setenv("LIRIC_COMPILE_MODE", "llvm")
	s := newTestSession(t)
	require.Equal(t, "isel", s.cfg.CompileMode)
}
