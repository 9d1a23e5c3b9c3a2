// Package support implements the per-session scratch buffer pool and the
// keyed encryptor registry. Both are intentionally minimal contracts —
// the registry is a stand-in for a real plug-in encryption module.
package support

// bufFlags is an {ALIGNED, INUSE} bitset.
type bufFlags uint8

const (
	flagAligned bufFlags = 1 << iota
	flagInUse
)

// Buffer is one reusable byte buffer slot.
type Buffer struct {
	mem   []byte // backing allocation
	size  int    // logical size currently in use
	flags bufFlags
}

// Data returns the buffer's logical content (mem[:size]).
func (b *Buffer) Data() []byte { return b.mem[:b.size] }

// Cap returns the full backing capacity.
func (b *Buffer) Cap() int { return len(b.mem) }

func (b *Buffer) inUse() bool { return b.flags&flagInUse != 0 }

// ScratchPool is a per-session growable array of reusable byte buffers.
// Sessions are single-threaded by contract; ScratchPool is not
// safe for concurrent use across sessions.
type ScratchPool struct {
	bufs []*Buffer
}

// NewScratchPool returns an empty pool; buffers are allocated lazily on
// first Alloc.
func NewScratchPool() *ScratchPool { return &ScratchPool{} }

// Alloc returns the smallest non-INUSE buffer that is >= size, marking it
// INUSE; failing that it grows and returns the largest non-INUSE buffer;
// failing that (pool is empty or every buffer is INUSE) it allocates a
// brand new slot.
func (p *ScratchPool) Alloc(size int) *Buffer {
	var smallestFit *Buffer
	var largest *Buffer
	for _, b := range p.bufs {
		if b.inUse() {
			continue
		}
		if largest == nil || b.Cap() > largest.Cap() {
			largest = b
		}
		if b.Cap() >= size {
			if smallestFit == nil || b.Cap() < smallestFit.Cap() {
				smallestFit = b
			}
		}
	}
	switch {
	case smallestFit != nil:
		smallestFit.flags |= flagInUse
		smallestFit.size = size
		return smallestFit
	case largest != nil:
		largest.mem = make([]byte, size)
		largest.flags |= flagInUse
		largest.size = size
		return largest
	default:
		nb := &Buffer{mem: make([]byte, size), size: size, flags: flagInUse}
		p.bufs = append(p.bufs, nb)
		return nb
	}
}

// Free clears the INUSE flag without deallocating, so the buffer's backing
// array can be reused by a future Alloc.
func (p *ScratchPool) Free(b *Buffer) {
	b.flags &^= flagInUse
	b.size = 0
}

// Discard frees every buffer in the pool; called at session close.
func (p *ScratchPool) Discard() {
	for _, b := range p.bufs {
		b.flags = 0
		b.mem = nil
		b.size = 0
	}
	p.bufs = nil
}

// Len reports how many buffer slots the pool currently holds (for tests).
func (p *ScratchPool) Len() int { return len(p.bufs) }
