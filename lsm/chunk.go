package lsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/block"
	"github.com/archengine/archengine/txn"
	"github.com/archengine/archengine/wireformat"
)

// entry is one versioned key/value record inside a chunk. Multiple entries
// may share a key, distinguished by the transaction that wrote them.
type entry struct {
	key    []byte
	value  []byte // already tombstone/escape-encoded; see tombstone.go
	writer txn.ID
	commit bool // whether writer has committed
}

// chunk is one immutable (once frozen) sorted run of entries, the unit a
// merge cursor iterates across and a background worker merges together.
// The active chunk (entries in memory, onDisk false) is the only mutable
// one; a frozen chunk starts out the same way and, once a background
// worker flushes it, switches to onDisk and drops its in-memory entries.
type chunk struct {
	mu      sync.RWMutex
	entries []entry // sorted by key; nil once flushed (onDisk true)
	bloom   *chunkBloom
	frozen  bool

	id        uint64 // assigned by the owning Tree when the chunk is created
	switchTxn txn.ID // writer frontier observed when this chunk was frozen
	count     int    // number of entries, kept even after entries is dropped
	onDisk    bool   // true once flushed via flush; entries is then nil
	uri       string // opaque locator for the flushed blob, valid iff onDisk

	// nupdates counts writes made to this chunk since it became active,
	// letting Insert cheaply detect whether any other transaction has
	// written the same key underneath a writer holding an older snapshot.
	// Only ever populated on the active chunk; frozen chunks are checked
	// for conflicts by scanning their entries directly (see the
	// trailing-chunk walk in Tree.Insert).
	nupdates map[string]txn.ID
}

func newChunk(id uint64) *chunk {
	return &chunk{id: id, nupdates: make(map[string]txn.ID)}
}

// search returns the index of the first entry with entries[i].key >= key.
func (c *chunk) search(key []byte) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return compareKeys(c.entries[i].key, key) >= 0
	})
}

func compareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// put inserts or overwrites the newest version of key in this (active)
// chunk, checking for a write-write conflict against nupdates. Returns
// false if writer's snapshot is too old to safely overwrite the current
// newest version.
func (c *chunk) put(key []byte, value []byte, writer txn.ID, snapMin txn.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if last, ok := c.nupdates[k]; ok && last >= snapMin && last != writer {
		return false
	}
	c.nupdates[k] = writer

	idx := c.search(key)
	e := entry{key: append([]byte(nil), key...), value: value, writer: writer}
	if idx < len(c.entries) && compareKeys(c.entries[idx].key, key) == 0 {
		c.entries[idx] = e
	} else {
		c.entries = append(c.entries, entry{})
		copy(c.entries[idx+1:], c.entries[idx:])
		c.entries[idx] = e
	}
	c.count = len(c.entries)
	return true
}

// markCommitted flags every entry written by writer as committed, called
// once the owning transaction's commit record has been durably logged. If
// the chunk has already been flushed, the commit bit can only be applied
// by decoding the blob, patching it, and rewriting it through mgr — a
// writer that commits after its chunk has switched and flushed must still
// turn visible to later readers.
func (c *chunk) markCommitted(writer txn.ID, mgr *block.Manager) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.onDisk {
		for i := range c.entries {
			if c.entries[i].writer == writer {
				c.entries[i].commit = true
			}
		}
		return nil
	}
	if mgr == nil {
		return nil
	}
	addr, err := parseAddrURI(c.uri)
	if err != nil {
		return err
	}
	raw, err := mgr.Read(addr)
	if err != nil {
		return err
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return err
	}
	changed := false
	for i := range entries {
		if entries[i].writer == writer && !entries[i].commit {
			entries[i].commit = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	newAddr, err := mgr.Write(encodeEntries(entries), true)
	if err != nil {
		return err
	}
	if err := mgr.Free(addr); err != nil {
		return err
	}
	c.uri = addrURI(newAddr)
	return nil
}

// get returns the newest visible entry for key, or ok=false if absent or
// not visible to reader. mgr is consulted only if the chunk has been
// flushed to disk and the Bloom filter cannot rule key out.
func (c *chunk) get(key []byte, reader *txn.Txn, mgr *block.Manager) (entry, bool, error) {
	c.mu.RLock()
	if c.bloom != nil && !c.bloom.mayContain(key) {
		c.mu.RUnlock()
		return entry{}, false, nil
	}
	onDisk := c.onDisk
	entries := c.entries
	c.mu.RUnlock()

	if onDisk {
		var err error
		entries, err = c.materialize(mgr)
		if err != nil {
			return entry{}, false, err
		}
	}

	idx := sort.Search(len(entries), func(i int) bool {
		return compareKeys(entries[i].key, key) >= 0
	})
	if idx >= len(entries) || compareKeys(entries[idx].key, key) != 0 {
		return entry{}, false, nil
	}
	e := entries[idx]
	if reader != nil && !reader.Visible(e.writer, e.commit) {
		return entry{}, false, nil
	}
	return e, true, nil
}

// switchTxnFrontier returns the highest writer ID recorded among this
// chunk's entries, the frontier freeze stamps into switchTxn.
func (c *chunk) switchTxnFrontier() txn.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var max txn.ID
	for _, e := range c.entries {
		if e.writer > max {
			max = e.writer
		}
	}
	return max
}

// freeze marks the chunk immutable and builds its Bloom filter, called
// when the active chunk is switched out. switchTxn records the writer
// frontier at that moment; mergeChunks reads it back. Insert's
// trailing-chunk conflict walk does not use it: the number of frozen chunks
// a writer must still be checked against comes from the tree's
// per-writer writerStart bookkeeping.
func (c *chunk) freeze(switchTxn txn.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
	c.switchTxn = switchTxn
	c.count = len(c.entries)
	b, err := newChunkBloom(uint64(len(c.entries)), 0.01)
	if err != nil {
		return
	}
	for _, e := range c.entries {
		b.add(e.key)
	}
	c.bloom = b
}

// flush encodes the chunk's entries and writes them through mgr, switching
// the chunk to onDisk and releasing its in-memory entries. Only ever
// called on a frozen chunk; the active chunk is never flushed while
// mutable.
func (c *chunk) flush(mgr *block.Manager) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onDisk || len(c.entries) == 0 {
		return nil
	}
	buf := encodeEntries(c.entries)
	addr, err := mgr.Write(buf, true)
	if err != nil {
		return err
	}
	c.uri = addrURI(addr)
	c.onDisk = true
	c.entries = nil
	return nil
}

// materialize returns the chunk's entries, reading them through mgr and
// decoding them if the chunk has been flushed.
func (c *chunk) materialize(mgr *block.Manager) ([]entry, error) {
	c.mu.RLock()
	onDisk, uri, entries := c.onDisk, c.uri, c.entries
	c.mu.RUnlock()
	if !onDisk {
		out := make([]entry, len(entries))
		copy(out, entries)
		return out, nil
	}
	if mgr == nil {
		return nil, ae.ErrInvalidArgument
	}
	addr, err := parseAddrURI(uri)
	if err != nil {
		return nil, err
	}
	raw, err := mgr.Read(addr)
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

// open returns a chunkCursor over the chunk's entries, reading through mgr
// if the chunk has been flushed to disk.
func (c *chunk) open(mgr *block.Manager) (chunkCursor, error) {
	entries, err := c.materialize(mgr)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{entries: entries}, nil
}

// addrURI encodes a block address as the opaque locator stored in a
// chunk's uri field.
func addrURI(addr block.Addr) string {
	return fmt.Sprintf("block:%d:%d:%d", addr.Offset, addr.Size, addr.Checksum)
}

// parseAddrURI reverses addrURI.
func parseAddrURI(uri string) (block.Addr, error) {
	var addr block.Addr
	var offset int64
	var size, checksum uint32
	if _, err := fmt.Sscanf(uri, "block:%d:%d:%d", &offset, &size, &checksum); err != nil {
		return block.Addr{}, ae.ErrInvalidArgument
	}
	addr.Offset, addr.Size, addr.Checksum = offset, size, checksum
	return addr, nil
}

// encodeEntries serializes entries in order as a flat run of
// length-prefixed fields, the format flush writes and materialize reads
// back.
func encodeEntries(entries []entry) []byte {
	w := wireformat.NewWriter()
	w.Uvarint(uint64(len(entries)))
	for _, e := range entries {
		w.Bytes(e.key)
		w.Bytes(e.value)
		w.Uvarint(uint64(e.writer))
		commit := byte(0)
		if e.commit {
			commit = 1
		}
		w.Bytes8(commit)
	}
	return w.Finish()
}

// decodeEntries reverses encodeEntries.
func decodeEntries(buf []byte) ([]entry, error) {
	r := wireformat.NewReader(buf)
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		key, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		value, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		writer, err := r.Uvarint()
		if err != nil {
			return nil, err
		}
		commit, err := r.Byte()
		if err != nil {
			return nil, err
		}
		out = append(out, entry{
			key:    append([]byte(nil), key...),
			value:  append([]byte(nil), value...),
			writer: txn.ID(writer),
			commit: commit != 0,
		})
	}
	return out, nil
}
