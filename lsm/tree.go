// Package lsm implements an LSM cursor core: the chunk abstraction, the
// merge-iterator cursor, tombstone encoding, Bloom-filter chunk skipping,
// snapshot-aware update conflict checking, and the background
// switch/merge coordination that keeps the chunk list bounded. Frozen
// chunks are flushed through a block.Manager and read back on demand, so
// only the active chunk ever needs to live entirely in memory.
package lsm

import (
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/block"
	"github.com/archengine/archengine/config"
	"github.com/archengine/archengine/log"
	"github.com/archengine/archengine/metrics"
	"github.com/archengine/archengine/txn"
)

// Tree owns the chunk list for one named table: a single mutable active
// chunk at index 0 and zero or more frozen chunks behind it, oldest last.
type Tree struct {
	mu     sync.RWMutex
	chunks []*chunk

	cfg config.LSM
	mgr *block.Manager // optional; nil keeps the whole tree RAM-resident
	conn *ae.Conn      // optional; checked before Insert/Get/Cursor when set

	nextChunkID uint64 // atomic-free; only ever touched under mu

	startMu     sync.Mutex
	writerStart map[txn.ID]int // writer -> len(chunks) at writer's first Insert

	mergeCtrlCh chan struct{} // signals the background loop to consider a merge
	quitCh      chan struct{}
	wg          sync.WaitGroup
	sem         *semaphore.Weighted

	insertMeter metrics.Meter
	mergeMeter  metrics.Meter
	flushMeter  metrics.Meter
	logger      *log.Logger
}

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithBlockManager installs the block manager frozen chunks are flushed to
// and on-disk chunks are read back from. Without it, Switch still rotates
// the active chunk but the tree never persists anything.
func WithBlockManager(m *block.Manager) Option { return func(t *Tree) { t.mgr = m } }

// WithConn shares a connection-poisoning handle with the block manager
// sitting alongside this tree.
func WithConn(c *ae.Conn) Option { return func(t *Tree) { t.conn = c } }

// NewTree creates a table with a single empty active chunk.
func NewTree(cfg config.LSM, opts ...Option) *Tree {
	t := &Tree{
		cfg:         cfg,
		writerStart: make(map[txn.ID]int),
		mergeCtrlCh: make(chan struct{}, 1),
		quitCh:      make(chan struct{}),
		sem:         semaphore.NewWeighted(1),
		insertMeter: metrics.NewRegisteredMeter("lsm/insert", nil),
		mergeMeter:  metrics.NewRegisteredMeter("lsm/merge", nil),
		flushMeter:  metrics.NewRegisteredMeter("lsm/flush", nil),
		logger:      log.New("component", "lsm"),
	}
	for _, o := range opts {
		o(t)
	}
	t.nextChunkID = 1
	t.chunks = []*chunk{newChunk(0)}
	t.wg.Add(1)
	go t.mergeLoop()
	return t
}

// Close stops the background merge loop.
func (t *Tree) Close() {
	close(t.quitCh)
	t.wg.Wait()
}

func (t *Tree) activeSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunks[0].entries)
}

func (t *Tree) checkConn() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Check()
}

// OpenCursors snapshots the tree's current chunk list and how many of them
// are frozen chunks writer has not yet been checked against (nupdates),
// then drops the tree's read lock before actually opening each chunk's
// cursor — materializing an on-disk chunk means a block.Manager.Read, and
// a slow read should never hold up a concurrent Switch. writer may be
// txn.NONE, in which case nupdates is always 0 and the bookkeeping that
// tracks a writer's first Insert into this tree is skipped.
func (t *Tree) OpenCursors(writer txn.ID) ([]chunkCursor, int, error) {
	t.mu.RLock()
	chunks := append([]*chunk(nil), t.chunks...)
	t.mu.RUnlock()

	nupdates := 0
	if writer != txn.NONE {
		t.startMu.Lock()
		startLen, seen := t.writerStart[writer]
		if !seen {
			startLen = len(chunks)
			t.writerStart[writer] = startLen
		}
		t.startMu.Unlock()
		nupdates = len(chunks) - startLen
	}

	cursors := make([]chunkCursor, len(chunks))
	for i, c := range chunks {
		cur, err := c.open(t.mgr)
		if err != nil {
			return nil, 0, err
		}
		cursors[i] = cur
	}
	return cursors, nupdates, nil
}

// forgetWriter drops writer's bookkeeping entry once it can no longer
// write again (after commit or abort), so the tree doesn't accumulate one
// entry per transaction forever.
func (t *Tree) forgetWriter(writer txn.ID) {
	t.startMu.Lock()
	delete(t.writerStart, writer)
	t.startMu.Unlock()
}

// Insert writes key/value (or a tombstone if value is nil) into the active
// chunk under writer's snapshot, failing with ae.ErrRollback on a
// write-write conflict either in the active chunk or in a trailing frozen
// chunk a concurrent Switch rotated out from under writer since writer's
// first write into this tree. It signals the background loop to consider
// switching the active chunk if it has grown past the configured chunk
// size.
func (t *Tree) Insert(key, value []byte, tx *txn.Txn) error {
	if err := t.checkConn(); err != nil {
		return err
	}

	encoded := encodeTombstone()
	if value != nil {
		encoded = encodeValue(value)
	}

	writer := tx.AssignWriterID()

	cursors, nupdates, err := t.OpenCursors(writer)
	if err != nil {
		return err
	}
	if nupdates > 0 {
		hi := nupdates
		if n := len(cursors) - 1; hi > n {
			hi = n
		}
		// cursors[1..hi]: the trailing frozen chunks created by a Switch
		// since writer's first write, the ones its own nupdates map (which
		// only tracks the chunk it has actually been writing into) cannot
		// see.
		for i := 1; i <= hi; i++ {
			if e, ok := cursors[i].find(key); ok && e.writer != writer && e.writer >= tx.SnapMin() {
				return ae.ErrRollback
			}
		}
	}

	t.mu.RLock()
	active := t.chunks[0]
	t.mu.RUnlock()

	if !active.put(key, encoded, writer, tx.SnapMin()) {
		return ae.ErrRollback
	}
	t.insertMeter.Mark(1)

	if uint64(len(active.entries))*64 > t.cfg.ChunkSize {
		select {
		case t.mergeCtrlCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// MarkCommitted propagates a committed transaction's writer ID across
// every chunk so subsequent reads see them — rewriting a flushed chunk's
// blob if the writer's entries already made it to disk before commit —
// and retires its trailing-conflict bookkeeping: a committed writer can
// never Insert again.
func (t *Tree) MarkCommitted(writer txn.ID) {
	t.mu.RLock()
	chunks := append([]*chunk(nil), t.chunks...)
	mgr := t.mgr
	t.mu.RUnlock()

	for _, c := range chunks {
		if err := c.markCommitted(writer, mgr); err != nil {
			t.logger.Warn("marking chunk committed failed", "err", err)
		}
	}
	t.forgetWriter(writer)
}

// Get returns the newest value visible to reader for key.
func (t *Tree) Get(key []byte, reader *txn.Txn) ([]byte, error) {
	if err := t.checkConn(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	chunks := append([]*chunk(nil), t.chunks...)
	mgr := t.mgr
	t.mu.RUnlock()

	for _, c := range chunks {
		e, ok, err := c.get(key, reader, mgr)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		value, tombstone := decodeValue(e.value)
		if tombstone {
			return nil, ae.ErrNotFound
		}
		return value, nil
	}
	return nil, ae.ErrNotFound
}

// Cursor returns a merge cursor over every chunk, visible to reader,
// reading any flushed chunk back through the tree's block manager.
func (t *Tree) Cursor(reader *txn.Txn) (*Cursor, error) {
	if err := t.checkConn(); err != nil {
		return nil, err
	}
	cursors, _, err := t.OpenCursors(txn.NONE)
	if err != nil {
		return nil, err
	}
	return NewCursor(cursors, reader), nil
}

// Switch freezes the current active chunk, flushes it through the tree's
// block manager if one was installed, and starts a fresh one. Safe to
// call directly; the background loop calls it automatically once a chunk
// crosses the configured size.
func (t *Tree) Switch() error {
	t.mu.Lock()
	old := t.chunks[0]
	id := t.nextChunkID
	t.nextChunkID++
	t.mu.Unlock()

	old.freeze(old.switchTxnFrontier())
	if t.mgr != nil {
		if err := old.flush(t.mgr); err != nil {
			return err
		}
		t.flushMeter.Mark(1)
	}

	t.mu.Lock()
	t.chunks = append([]*chunk{newChunk(id)}, t.chunks...)
	t.mu.Unlock()
	return nil
}

// mergeLoop waits for switch/merge signals and a shutdown request, mapped
// onto a control-channel-plus-quit-channel loop in the same shape as a
// trie prefetcher's pause/resume loop, generalized from "pause/resume trie
// prefetching" to "switch the active chunk, then merge the frozen tail if
// it has grown past the throttle".
func (t *Tree) mergeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quitCh:
			return
		case <-t.mergeCtrlCh:
			if err := t.Switch(); err != nil {
				t.logger.Warn("chunk switch failed", "err", err)
				continue
			}
			t.maybeMerge()
		}
	}
}

// maybeMerge merges all frozen chunks together once their number reaches
// the configured merge throttle, bounded to one concurrent
// merge via the tree's semaphore.
func (t *Tree) maybeMerge() {
	if t.cfg.MergeThrottle == 0 {
		return
	}
	t.mu.RLock()
	frozenCount := uint64(len(t.chunks) - 1)
	t.mu.RUnlock()
	if frozenCount < t.cfg.MergeThrottle {
		return
	}

	if !t.sem.TryAcquire(1) {
		return
	}
	defer t.sem.Release(1)

	t.mu.Lock()
	if len(t.chunks) < 2 {
		t.mu.Unlock()
		return
	}
	toMerge := append([]*chunk(nil), t.chunks[1:]...)
	id := t.nextChunkID
	t.nextChunkID++
	t.mu.Unlock()

	merged, err := mergeChunks(toMerge, id, t.mgr)
	if err != nil {
		t.logger.Warn("chunk merge failed", "err", err)
		return
	}

	t.mu.Lock()
	t.chunks = append(t.chunks[:1], merged)
	t.mu.Unlock()
	t.mergeMeter.Mark(1)

	if t.mgr == nil {
		return
	}
	for _, old := range toMerge {
		old.mu.RLock()
		onDisk, uri := old.onDisk, old.uri
		old.mu.RUnlock()
		if !onDisk {
			continue
		}
		addr, err := parseAddrURI(uri)
		if err != nil {
			continue
		}
		if err := t.mgr.Free(addr); err != nil {
			t.logger.Warn("freeing merged chunk block failed", "err", err)
		}
	}
}

// mergeChunks folds every frozen chunk's newest-per-key entries into a
// single frozen chunk, collapsing duplicate keys down to their newest
// version. Tombstones are kept like any other newest version; none are
// dropped here, even when txn.Manager.VisibleAll would allow it. If mgr is non-nil the merged chunk is
// immediately flushed, matching its input chunks' on-disk state.
func mergeChunks(chunks []*chunk, id uint64, mgr *block.Manager) (*chunk, error) {
	type best struct {
		e       entry
		chunkNo int
	}
	bestByKey := make(map[string]best)
	var maxSwitchTxn txn.ID
	for i, c := range chunks {
		entries, err := c.materialize(mgr)
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		if c.switchTxn > maxSwitchTxn {
			maxSwitchTxn = c.switchTxn
		}
		c.mu.RUnlock()
		for _, e := range entries {
			k := string(e.key)
			if cur, ok := bestByKey[k]; !ok || i < cur.chunkNo {
				bestByKey[k] = best{e: e, chunkNo: i}
			}
		}
	}
	out := newChunk(id)
	keys := make([]string, 0, len(bestByKey))
	for k := range bestByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.entries = append(out.entries, bestByKey[k].e)
	}
	out.freeze(maxSwitchTxn)
	if mgr != nil {
		if err := out.flush(mgr); err != nil {
			return nil, err
		}
	}
	return out, nil
}
