package ir

// DataRelocation describes a pointer-bearing field inside a global's
// initializer that must be patched at link/load time.
type DataRelocation struct {
	Offset int
	Symbol string
	Addend int64
}

// Linkage mirrors the subset of LLVM linkage this engine distinguishes:
// whether the definition is visible outside the module.
type Linkage int

const (
	LinkageInternal Linkage = iota
	LinkageExternal
)

// Global is a module-level variable or an external data declaration.
type Global struct {
	Name        string
	Type        *Type
	Const       bool
	Linkage     Linkage
	External    bool // true: declaration only, no initializer bytes
	Initializer []byte
	Relocs      []DataRelocation
}

// NewGlobal creates and registers a defined global with the given
// initializer bytes (already laid out per Type's layout).
func (m *Module) NewGlobal(name string, t *Type, constant bool, linkage Linkage, init []byte, relocs []DataRelocation) *Global {
	g := &Global{Name: name, Type: t, Const: constant, Linkage: linkage, Initializer: init, Relocs: relocs}
	m.addGlobal(g)
	return g
}

// NewExternalGlobal creates and registers an external (declaration-only)
// global.
func (m *Module) NewExternalGlobal(name string, t *Type) *Global {
	g := &Global{Name: name, Type: t, Linkage: LinkageExternal, External: true}
	m.addGlobal(g)
	return g
}
