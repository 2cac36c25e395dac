// Package blockpool implements the packet block arena. Captured frames are
// copied back to back into fixed-size blocks; descriptors reference a frame
// by generation-checked handle and keep its block alive through leases.
package blockpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"firestige.xyz/mediacore/internal/core"
)

// Handle addresses one block incarnation. A handle whose generation no
// longer matches the block is stale and can never acquire it.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Ref addresses one frame inside a block.
type Ref struct {
	Handle
	Offset int
	Length int
}

// Config sizes an Arena.
type Config struct {
	Blocks    int
	BlockSize int
}

type block struct {
	// state packs gen in the high and refs in the low 32 bits so that a
	// generation check and a count change are one atomic operation.
	state atomic.Uint64
	buf   []byte
}

func pack(gen, refs uint32) uint64 { return uint64(gen)<<32 | uint64(refs) }

func unpack(s uint64) (gen, refs uint32) { return uint32(s >> 32), uint32(s) }

// Arena owns a fixed set of blocks.
type Arena struct {
	blocks    []block
	blockSize int

	mu   sync.Mutex
	free []uint32

	inUse       atomic.Int64
	recycled    atomic.Uint64
	outstanding [numReasons]atomic.Int64
}

// New allocates cfg.Blocks blocks of cfg.BlockSize bytes each.
func New(cfg Config) (*Arena, error) {
	if cfg.Blocks <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("blockpool: blocks=%d block_size=%d: %w", cfg.Blocks, cfg.BlockSize, core.ErrConfigInvalid)
	}
	a := &Arena{
		blocks:    make([]block, cfg.Blocks),
		blockSize: cfg.BlockSize,
		free:      make([]uint32, 0, cfg.Blocks),
	}
	for i := cfg.Blocks - 1; i >= 0; i-- {
		a.blocks[i].buf = make([]byte, cfg.BlockSize)
		a.free = append(a.free, uint32(i))
	}
	return a, nil
}

// BlockSize returns the capacity of one block in bytes.
func (a *Arena) BlockSize() int { return a.blockSize }

// Alloc takes a free block for filling. The Writer holds one capture
// reference until Close. Returns core.ErrPoolExhausted when every block is
// still referenced.
func (a *Arena) Alloc() (*Writer, error) {
	a.mu.Lock()
	n := len(a.free)
	if n == 0 {
		a.mu.Unlock()
		return nil, core.ErrPoolExhausted
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.mu.Unlock()

	b := &a.blocks[idx]
	gen, _ := unpack(b.state.Load())
	b.state.Store(pack(gen, 1))
	a.inUse.Add(1)
	a.outstanding[ReasonCapture].Add(1)

	return &Writer{arena: a, h: Handle{Index: idx, Gen: gen}, buf: b.buf}, nil
}

// Acquire takes a lease on h. It fails when h is stale or the block has
// already drained to zero references, so a recycled block is never revived.
func (a *Arena) Acquire(h Handle, reason Reason) (*Lease, bool) {
	if int(h.Index) >= len(a.blocks) {
		return nil, false
	}
	b := &a.blocks[h.Index]
	for {
		s := b.state.Load()
		gen, refs := unpack(s)
		if gen != h.Gen || refs == 0 {
			return nil, false
		}
		if b.state.CompareAndSwap(s, s+1) {
			a.outstanding[reason].Add(1)
			return &Lease{arena: a, h: h, reason: reason}, true
		}
	}
}

// release drops one reference on h and recycles the block at zero.
func (a *Arena) release(h Handle, reason Reason) {
	b := &a.blocks[h.Index]
	for {
		s := b.state.Load()
		gen, refs := unpack(s)
		if gen != h.Gen || refs == 0 {
			panic(fmt.Sprintf("blockpool: release of dead block %d gen %d", h.Index, h.Gen))
		}
		next := s - 1
		if refs == 1 {
			next = pack(gen+1, 0)
		}
		if !b.state.CompareAndSwap(s, next) {
			continue
		}
		a.outstanding[reason].Add(-1)
		if refs == 1 {
			a.recycle(h.Index)
		}
		return
	}
}

func (a *Arena) recycle(idx uint32) {
	a.mu.Lock()
	a.free = append(a.free, idx)
	a.mu.Unlock()
	a.inUse.Add(-1)
	a.recycled.Add(1)
}

// Refs returns the current reference count of h, or 0 when h is stale.
func (a *Arena) Refs(h Handle) uint32 {
	if int(h.Index) >= len(a.blocks) {
		return 0
	}
	gen, refs := unpack(a.blocks[h.Index].state.Load())
	if gen != h.Gen {
		return 0
	}
	return refs
}

// Stats is a snapshot of arena usage.
type Stats struct {
	Blocks      int              `json:"blocks"`
	InUse       int64            `json:"in_use"`
	Recycled    uint64           `json:"recycled"`
	Outstanding map[string]int64 `json:"outstanding"`
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() Stats {
	return Stats{
		Blocks:      len(a.blocks),
		InUse:       a.inUse.Load(),
		Recycled:    a.recycled.Load(),
		Outstanding: a.Outstanding(),
	}
}

// Outstanding returns live leases per reason. A steadily growing count for
// one reason points at the component that leaks.
func (a *Arena) Outstanding() map[string]int64 {
	out := make(map[string]int64, numReasons)
	for r := Reason(0); r < numReasons; r++ {
		out[r.String()] = a.outstanding[r].Load()
	}
	return out
}

// Writer fills one freshly allocated block. It is owned by a single
// capture goroutine.
type Writer struct {
	arena  *Arena
	h      Handle
	buf    []byte
	off    int
	closed bool
}

// Handle returns the handle of the block being filled.
func (w *Writer) Handle() Handle { return w.h }

// Remaining returns the free bytes left in the block.
func (w *Writer) Remaining() int { return len(w.buf) - w.off }

// Append copies frame into the block and returns its Ref. It reports false
// when the frame does not fit in the remaining space.
func (w *Writer) Append(frame []byte) (Ref, bool) {
	if w.closed || len(frame) > w.Remaining() {
		return Ref{}, false
	}
	ref := Ref{Handle: w.h, Offset: w.off, Length: len(frame)}
	copy(w.buf[w.off:], frame)
	w.off += len(frame)
	return ref, true
}

// Close drops the capture reference. The block is recycled once every
// lease taken on its frames is released as well.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.arena.release(w.h, ReasonCapture)
}
