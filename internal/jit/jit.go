// Package jit owns the in-process code/data pages a compiled module is
// installed into and the symbol table used to resolve calls against them,
// grounded on original_source/src/jit.h's lr_jit_t.
package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/krystophny/liric/internal/ir"
	"github.com/krystophny/liric/internal/liricerr"
	"github.com/krystophny/liric/internal/target"
)

const (
	codeRegionSize = 16 << 20 // 16 MiB, generous for the engine's test workloads
	dataRegionSize = 4 << 20
	scratchCap     = 64 << 10 // per-function scratch buffer cap
	codeAlign      = 16
)

// symEntry is one registered symbol: a singly-linked insertion-order chain
// plus a hash-bucket chain, mirroring lr_sym_entry_t's dual linkage.
type symEntry struct {
	name       string
	addr       uintptr
	nextInsert *symEntry
	nextBucket *symEntry
}

// missEntry records a name that previously failed every resolution step,
// mirroring lr_sym_miss_entry_t: misses are cached to bound cost under
// repeated failed lookups.
type missEntry struct {
	name       string
	nextBucket *missEntry
}

// JIT owns the installer's code/data regions and symbol tables.
type JIT struct {
	desc target.Descriptor
	log  *zap.Logger

	code     mmap.MMap
	codeUsed int
	data     mmap.MMap
	dataUsed int

	symHead     *symEntry // insertion order, most-recent first
	symBuckets  []*symEntry
	missBuckets []*missEntry

	libs []uintptr // dlopen handles from LoadLibrary

	updateActive      bool
	updateBeginCode   int
}

// New maps a fresh code/data region for desc and returns an installer
// ready to accept modules.
func New(desc target.Descriptor, log *zap.Logger) (*JIT, error) {
	if log == nil {
		log, _ = zap.NewProduction()
	}
	code, err := mmapRegion(codeRegionSize, true)
	if err != nil {
		return nil, liricerr.Wrap(liricerr.Backend, err, "jit: mmap code region")
	}
	data, err := mmapRegion(dataRegionSize, false)
	if err != nil {
		return nil, liricerr.Wrap(liricerr.Backend, err, "jit: mmap data region")
	}
	return &JIT{
		desc:        desc,
		log:         log,
		code:        code,
		data:        data,
		symBuckets:  make([]*symEntry, 257),
		missBuckets: make([]*missEntry, 257),
	}, nil
}

// mmapRegion maps an anonymous, private RW region of size bytes. Both code
// and data regions start writable; BeginUpdate/EndUpdate toggle the code
// region to RX around writes (the W^X discipline lives in setWritable/
// setExecutable, see mmap_unix.go and darwin_jit.go). isCode requests the
// Apple MAP_JIT flag required before pthread_jit_write_protect_np may
// manage a region's protection.
func mmapRegion(size int, isCode bool) (mmap.MMap, error) {
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if isCode {
		flags |= int(mapJITFlagIfApple())
	}
	return mmap.MapRegion(nil, size, mmap.RDWR, flags, 0)
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// AddSymbol registers a host-side helper explicitly; it takes precedence
// over dlsym.
func (j *JIT) AddSymbol(name string, addr uintptr) {
	e := &symEntry{name: name, addr: addr, nextInsert: j.symHead}
	j.symHead = e
	b := fnv32(name) % uint32(len(j.symBuckets))
	e.nextBucket = j.symBuckets[b]
	j.symBuckets[b] = e
	j.invalidateMissCache()
}

func (j *JIT) lookupRegistered(name string) (uintptr, bool) {
	b := fnv32(name) % uint32(len(j.symBuckets))
	for e := j.symBuckets[b]; e != nil; e = e.nextBucket {
		if e.name == name {
			return e.addr, true
		}
	}
	return 0, false
}

func (j *JIT) isMiss(name string) bool {
	b := fnv32(name) % uint32(len(j.missBuckets))
	for e := j.missBuckets[b]; e != nil; e = e.nextBucket {
		if e.name == name {
			return true
		}
	}
	return false
}

func (j *JIT) recordMiss(name string) {
	b := fnv32(name) % uint32(len(j.missBuckets))
	j.missBuckets[b] = &missEntry{name: name, nextBucket: j.missBuckets[b]}
}

// invalidateMissCache clears every cached miss; called whenever new symbols
// or modules are added.
func (j *JIT) invalidateMissCache() {
	for i := range j.missBuckets {
		j.missBuckets[i] = nil
	}
}

// LoadLibrary dlopen()s path and adds it to the fallback resolution chain.
func (j *JIT) LoadLibrary(path string) error {
	h, err := dlopen(path)
	if err != nil {
		return liricerr.Wrap(liricerr.Backend, err, "jit: load_library %q", path)
	}
	j.libs = append(j.libs, h)
	j.invalidateMissCache()
	return nil
}

// Lookup resolves name in order: registered symbols, the negative miss
// cache, dlsym(RTLD_DEFAULT), then each explicitly loaded library.
func (j *JIT) Lookup(name string) (uintptr, error) {
	if addr, ok := j.lookupRegistered(name); ok {
		return addr, nil
	}
	if j.isMiss(name) {
		return 0, liricerr.New(liricerr.NotFound, "jit: symbol %q not found (cached miss)", name)
	}
	if addr, ok := dlsymDefault(name); ok {
		j.AddSymbol(name, addr)
		return addr, nil
	}
	for _, h := range j.libs {
		if addr, ok := dlsymHandle(h, name); ok {
			j.AddSymbol(name, addr)
			return addr, nil
		}
	}
	j.recordMiss(name)
	return 0, liricerr.New(liricerr.NotFound, "jit: symbol %q not found", name)
}

// GetFunction is Lookup specialized for call-through-pointer use.
func (j *JIT) GetFunction(name string) (uintptr, error) { return j.Lookup(name) }

// BeginUpdate opens an update session: writes batch until EndUpdate flips
// protection once.
func (j *JIT) BeginUpdate() error {
	if j.updateActive {
		return liricerr.New(liricerr.State, "jit: update already active")
	}
	if err := j.setWritable(); err != nil {
		return err
	}
	j.updateActive = true
	j.updateBeginCode = j.codeUsed
	return nil
}

// EndUpdate flips the code region back to executable and invalidates the
// instruction cache over the extent written since BeginUpdate.
func (j *JIT) EndUpdate() error {
	if !j.updateActive {
		return liricerr.New(liricerr.State, "jit: no update active")
	}
	clearInstructionCache(j.code[j.updateBeginCode:j.codeUsed])
	if err := j.setExecutable(); err != nil {
		return err
	}
	j.updateActive = false
	return nil
}

// AddModule compiles every defined function in m into the code region and
// every global into the data region, recording a symbol for each. Must run
// inside a BeginUpdate/EndUpdate bracket.
func (j *JIT) AddModule(m *ir.Module) error {
	if !j.updateActive {
		return liricerr.New(liricerr.State, "jit: add_module requires an active update session")
	}
	for _, g := range m.Globals() {
		if err := j.installGlobal(g); err != nil {
			return err
		}
	}
	for _, fn := range m.Functions() {
		if fn.Decl {
			continue
		}
		if err := j.installFunction(fn, m); err != nil {
			return err
		}
	}
	return nil
}

// InstallFunction lowers and installs a single function, for callers (the
// compile session's direct-pass strategy) that install one function at a
// time rather than a whole module via AddModule. Must run inside a
// BeginUpdate/EndUpdate bracket like AddModule.
func (j *JIT) InstallFunction(fn *ir.Function, m *ir.Module) error {
	if !j.updateActive {
		return liricerr.New(liricerr.State, "jit: install_function requires an active update session")
	}
	return j.installFunction(fn, m)
}

// InstallGlobal installs a single global's bytes and relocations, the
// direct-pass counterpart to InstallFunction.
func (j *JIT) InstallGlobal(g *ir.Global) error {
	if !j.updateActive {
		return liricerr.New(liricerr.State, "jit: install_global requires an active update session")
	}
	return j.installGlobal(g)
}

func (j *JIT) installFunction(fn *ir.Function, m *ir.Module) error {
	mf, err := j.desc.Select.Select(fn, m)
	if err != nil {
		return err
	}
	code, relocs, err := j.desc.Encode.Encode(mf)
	if err != nil {
		return err
	}
	if len(code) > scratchCap {
		return liricerr.New(liricerr.Backend, "jit: function %q exceeds %d byte scratch buffer", fn.Name, scratchCap)
	}
	off := alignUp(j.codeUsed, codeAlign)
	if off+len(code) > len(j.code) {
		return liricerr.New(liricerr.Backend, "jit: code region exhausted installing %q", fn.Name)
	}
	copy(j.code[off:], code)
	j.codeUsed = off + len(code)
	j.AddSymbol(fn.Name, uintptr(codeBase(j.code))+uintptr(off))
	for _, r := range relocs {
		if err := j.patchCodeReloc(off, r); err != nil {
			return err
		}
	}
	return nil
}

func (j *JIT) installGlobal(g *ir.Global) error {
	if g.External {
		return nil
	}
	align := g.Type.Align()
	if align < 8 && len(g.Relocs) > 0 {
		align = 8
	}
	off := alignUp(j.dataUsed, align)
	if off+len(g.Initializer) > len(j.data) {
		return liricerr.New(liricerr.Backend, "jit: data region exhausted installing %q", g.Name)
	}
	copy(j.data[off:], g.Initializer)
	j.dataUsed = off + len(g.Initializer)
	j.AddSymbol(g.Name, uintptr(codeBase(j.data))+uintptr(off))
	for _, r := range g.Relocs {
		addr, err := j.Lookup(r.Symbol)
		if err != nil {
			return err
		}
		putUint64(j.data[off+r.Offset:], uint64(int64(addr)+r.Addend))
	}
	return nil
}

// patchCodeReloc resolves r.Symbol and patches the matching site in the code
// region. Each Encoder's relocation sites have a distinct bit layout, so this
// switches on both r.Kind and the active architecture rather than assuming
// one generic encoding:
//
//   - x86_64 RelABS64 (movabs immediate for globaladdr) and every Global's
//     data relocation: a flat 8-byte little-endian absolute write.
//   - x86_64 RelPLT32 (call rel32): a 4-byte PC-relative displacement from
//     the instruction following the immediate.
//   - AArch64 RelABS64 (the loadImm64 movz/movk/movk/movk sequence emitted
//     by globaladdr): the absolute address is split across the four
//     instructions' 16-bit immediate fields.
//   - AArch64 RelBranch26 (bl): a word-granularity 26-bit PC-relative
//     displacement packed into the low 26 bits of the single instruction.
//   - RISCV64 RelABS64 at a call site (auipc+jalr pair): despite the ABS64
//     tag this is PC-relative, not absolute — riscv64's call sequence has no
//     single-instruction absolute branch, so the encoder always emits the
//     auipc/jalr idiom and relies on the JIT to fill in its hi20/lo12 split.
//     An object writer targeting riscv64 must instead defer this split to
//     the system linker via R_RISCV_CALL_PLT (see DESIGN.md).
func (j *JIT) patchCodeReloc(funcOff int, r target.CodeReloc) error {
	addr, err := j.Lookup(r.Symbol)
	if err != nil {
		return err
	}
	site := funcOff + r.Offset
	switch {
	case r.Kind == target.RelABS64 && j.desc.Arch == target.AArch64:
		patchARM64MovSequence(j.code[site:], uint64(int64(addr)+r.Addend))
	case r.Kind == target.RelABS64 && j.desc.Arch == target.RISCV64:
		pc := int64(codeBase(j.code)) + int64(site)
		patchRISCVCallSequence(j.code[site:], int64(addr)+r.Addend-pc)
	case r.Kind == target.RelABS64:
		putUint64(j.code[site:], uint64(int64(addr)+r.Addend))
	case r.Kind == target.RelBranch26:
		pc := int64(codeBase(j.code)) + int64(site)
		patchARM64Branch26(j.code[site:], int64(addr)+r.Addend-pc)
	default:
		// PC32/PLT32/GOTPCREL/etc: a 4-byte PC-relative displacement from
		// the instruction following the immediate (x86_64's call rel32).
		pc := int64(codeBase(j.code)) + int64(site) + 4
		delta := int64(addr) - pc + r.Addend
		putInt32(j.code[site:], int32(delta))
	}
	return nil
}

// patchARM64MovSequence rewrites the four movz/movk/movk/movk words at the
// start of code with val's 16-bit chunks, preserving each instruction's
// opcode/shift/rd bits (only the imm16 field, bits [20:5], changes).
func patchARM64MovSequence(code []byte, val uint64) {
	for i := 0; i < 4; i++ {
		word := binary.LittleEndian.Uint32(code[i*4:])
		imm16 := uint32(val>>(16*i)) & 0xFFFF
		word = (word &^ (0xFFFF << 5)) | (imm16 << 5)
		binary.LittleEndian.PutUint32(code[i*4:], word)
	}
}

// patchARM64Branch26 packs a word-granularity PC-relative delta into a bl
// instruction's low 26 bits, preserving its top 6 opcode bits.
func patchARM64Branch26(code []byte, byteDelta int64) {
	word := binary.LittleEndian.Uint32(code)
	imm26 := uint32(byteDelta/4) & 0x3FFFFFF
	word = (word &^ 0x3FFFFFF) | imm26
	binary.LittleEndian.PutUint32(code, word)
}

// patchRISCVCallSequence rewrites the auipc+jalr pair the riscv64 encoder
// reserves for every call site with byteDelta's hi20/lo12 split, using the
// standard sign-adjusted split so the lo12 addition (sign-extended) plus
// hi20<<12 reconstructs byteDelta exactly.
func patchRISCVCallSequence(code []byte, byteDelta int64) {
	delta := int32(byteDelta)
	hi20 := (delta + 0x800) >> 12
	lo12 := delta - (hi20 << 12)

	auipc := binary.LittleEndian.Uint32(code)
	auipc = (auipc &^ 0xFFFFF000) | (uint32(hi20) << 12 & 0xFFFFF000)
	binary.LittleEndian.PutUint32(code, auipc)

	jalr := binary.LittleEndian.Uint32(code[4:])
	jalr = (jalr &^ (0xFFF << 20)) | (uint32(lo12)&0xFFF)<<20
	binary.LittleEndian.PutUint32(code[4:], jalr)
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putInt32(b []byte, v int32) {
	u := uint32(v)
	for i := 0; i < 4; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func (j *JIT) String() string {
	return fmt.Sprintf("jit(%s, code=%d/%d, data=%d/%d)", j.desc.Name, j.codeUsed, len(j.code), j.dataUsed, len(j.data))
}
