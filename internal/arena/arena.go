// Package arena implements a chunked bump allocator for IR object lifetimes.
//
// A single arena is owned by exactly one Module (see internal/ir). Objects
// handed out by Alloc live until the arena is destroyed; there is no
// per-object free. The allocator never shrinks and never compacts.
package arena

import "unsafe"

const defaultChunkSize = 64 * 1024

// Arena is a bump-pointer region allocator. The zero value is not usable;
// construct one with New.
type Arena struct {
	chunks    [][]byte
	chunkSize int
	cur       []byte // remaining capacity of the active chunk
	used      int    // bytes handed out across all chunks, for stats/debug
}

// New creates an empty arena. chunkSize controls the size of each
// underlying allocation; a value <= 0 selects a reasonable default.
func New(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Arena{chunkSize: chunkSize}
}

// Bytes reserves size bytes aligned to align (a power of two) and returns a
// zeroed slice backed by arena storage. The returned slice must not be
// retained past the arena's destruction.
func (a *Arena) Bytes(size, align int) []byte {
	if align <= 0 {
		align = 1
	}
	if len(a.cur) == 0 || alignUp(len(a.cur))-len(a.cur) < 0 {
		// fallthrough to growth path below
	}
	pad := padding(a.cur, align)
	if pad+size > len(a.cur) {
		a.grow(size, align)
		pad = padding(a.cur, align)
	}
	b := a.cur[pad : pad+size]
	a.cur = a.cur[pad+size:]
	a.used += pad + size
	return clearBytes(b)
}

// grow appends a new chunk large enough to satisfy at least size+align
// bytes, replacing the active chunk.
func (a *Arena) grow(size, align int) {
	need := size + align
	sz := a.chunkSize
	for sz < need {
		sz *= 2
	}
	chunk := make([]byte, sz)
	a.chunks = append(a.chunks, chunk)
	a.cur = chunk
}

func padding(buf []byte, align int) int {
	// Padding is computed from the address of the next free byte, so the
	// block handed out is aligned in memory, not merely within its chunk.
	rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % uintptr(align))
	if rem == 0 {
		return 0
	}
	return align - rem
}

func alignUp(n int) int { return n }

func clearBytes(b []byte) []byte {
	for i := range b {
		b[i] = 0
	}
	return b
}

// String duplicates s into arena-owned, NUL-terminated storage and returns
// the string view (without the trailing NUL) backed by that storage.
func (a *Arena) String(s string) string {
	buf := a.Bytes(len(s)+1, 1)
	copy(buf, s)
	buf[len(s)] = 0
	return unsafe.String(&buf[0], len(s))
}

// Used reports the number of bytes handed out so far, for diagnostics.
func (a *Arena) Used() int { return a.used }

// NumChunks reports how many backing chunks have been allocated.
func (a *Arena) NumChunks() int { return len(a.chunks) }
