package lsm

import (
	"container/heap"
	"sort"

	"github.com/archengine/archengine/txn"
)

// chunkCursor abstracts iterating one chunk's entries regardless of
// whether they live in memory or were read back from the block manager:
// the merge cursor and the conflict walk both talk only to this interface.
// An on-disk chunk is opened by decoding its entire flushed blob once (via
// block.Manager.Read) into the same backing a memory-resident chunk uses,
// so the two cases share one implementation below (sliceCursor).
type chunkCursor interface {
	valid() bool
	key() []byte
	entry() entry
	next()
	// find does a random-access lookup within the chunk's already-
	// materialized entries, the point-lookup half of the interface the
	// trailing-chunk conflict walk uses.
	find(key []byte) (entry, bool)
}

// sliceCursor is the only chunkCursor implementation: a forward cursor
// over an in-memory, already-decoded run of entries.
type sliceCursor struct {
	entries []entry
	pos     int
}

func (s *sliceCursor) valid() bool  { return s.pos < len(s.entries) }
func (s *sliceCursor) key() []byte  { return s.entries[s.pos].key }
func (s *sliceCursor) entry() entry { return s.entries[s.pos] }
func (s *sliceCursor) next()        { s.pos++ }

func (s *sliceCursor) find(key []byte) (entry, bool) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return compareKeys(s.entries[i].key, key) >= 0
	})
	if idx >= len(s.entries) || compareKeys(s.entries[idx].key, key) != 0 {
		return entry{}, false
	}
	return s.entries[idx], true
}

// cursorItem is one chunk's current position inside the merge, the unit
// container/heap orders by key so Next always advances the globally
// smallest unread key across every chunk.
type cursorItem struct {
	cur     chunkCursor
	chunkNo int // lower chunkNo == newer chunk; used to break key ties
}

func (it *cursorItem) valid() bool { return it.cur.valid() }
func (it *cursorItem) key() []byte { return it.cur.key() }

type cursorHeap []*cursorItem

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	c := compareKeys(h[i].key(), h[j].key())
	if c != 0 {
		return c < 0
	}
	return h[i].chunkNo < h[j].chunkNo
}
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursorItem)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Cursor merges N chunks' sorted entries into a single forward iterator,
// skipping keys not visible to reader and collapsing duplicate keys across
// chunks down to the newest visible version.
type Cursor struct {
	h      cursorHeap
	reader *txn.Txn

	key   []byte
	value []byte
	valid bool
}

// NewCursor builds a merge cursor over already-opened chunk cursors,
// newest first (cursors[0] is the active or most-recently-frozen chunk).
func NewCursor(cursors []chunkCursor, reader *txn.Txn) *Cursor {
	h := make(cursorHeap, 0, len(cursors))
	for i, cur := range cursors {
		if !cur.valid() {
			continue
		}
		h = append(h, &cursorItem{cur: cur, chunkNo: i})
	}
	heap.Init(&h)
	c := &Cursor{h: h, reader: reader}
	c.advance()
	return c
}

// Valid reports whether the cursor currently sits on a key.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the cursor's current key.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the cursor's current (decoded) value.
func (c *Cursor) Value() []byte { return c.value }

// Next advances the cursor to the next visible, non-tombstone key.
func (c *Cursor) Next() {
	if !c.valid {
		return
	}
	c.popCurrentKey()
	c.advance()
}

// popCurrentKey discards every heap item still sitting on c.key, advancing
// each past it — this is how duplicate keys across chunks collapse into
// one logical entry per Next call.
func (c *Cursor) popCurrentKey() {
	for len(c.h) > 0 && compareKeys(c.h[0].key(), c.key) == 0 {
		top := c.h[0]
		top.cur.next()
		if top.valid() {
			heap.Fix(&c.h, 0)
		} else {
			heap.Pop(&c.h)
		}
	}
}

// advance positions the cursor on the next key that is visible to the
// reader and not a tombstone, skipping any that are not.
func (c *Cursor) advance() {
	for len(c.h) > 0 {
		top := c.h[0]
		e := top.cur.entry()

		if c.reader != nil && !c.reader.Visible(e.writer, e.commit) {
			top.cur.next()
			if top.valid() {
				heap.Fix(&c.h, 0)
			} else {
				heap.Pop(&c.h)
			}
			continue
		}

		value, tombstone := decodeValue(e.value)
		c.key = e.key
		if tombstone {
			c.popCurrentKey()
			continue
		}
		c.value = value
		c.valid = true
		return
	}
	c.valid = false
}

// SearchNear positions the cursor at the first visible key >= target,
// rebuilding from the given chunk cursors. Because chunks are decoded into
// flat in-memory runs rather than paged B-trees, this simply reconstructs
// the cursor via the same container/heap k-way merge and fast-forwards to
// target.
func SearchNear(cursors []chunkCursor, reader *txn.Txn, target []byte) *Cursor {
	c := NewCursor(cursors, reader)
	for c.Valid() && compareKeys(c.Key(), target) < 0 {
		c.Next()
	}
	return c
}
