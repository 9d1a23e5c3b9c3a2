// Package txn implements the transaction subsystem: monotonic transaction
// ID allocation, snapshot-isolation visibility, and the commit/abort
// protocol that produces op-log records for the WAL.
//
// The global/session split and the "active transaction" bookkeeping are a
// small mutex-guarded struct holding the current frontier plus a map of
// outstanding transactions keyed by ID, the set a new snapshot must
// consider un-committed.
package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/config"
	"github.com/archengine/archengine/log"
)

// ID is a monotonically increasing transaction identifier. 0 is reserved
// both for "no transaction" / the always-visible initial state and for
// NONE: a transaction that has not yet written anything.
type ID uint64

// NONE is the sentinel ID held by a transaction that has performed no
// write. Readers commonly never move off NONE for their entire lifetime.
const NONE ID = 0

// State is a transaction's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Op is one entry in a transaction's op-log, recording enough to undo the
// operation on abort and to replay it into the WAL on commit.
type Op struct {
	Table  string
	Key    []byte
	Before []byte // nil for an insert with no prior value
	After  []byte // nil for a remove
}

// Txn is a single transaction's state, including the snapshot it reads
// through.
type Txn struct {
	mgr *Manager

	// id is NONE until this transaction's first write, per AssignWriterID;
	// accessed atomically since a concurrent reader of ID() must never
	// observe a torn value. Only AssignWriterID ever changes it.
	id    uint64
	state State

	isolation config.Isolation
	snapMin   ID
	snapMax   ID
	// snapshotSet holds the IDs of transactions that were active (and
	// therefore not yet visible) at the moment this snapshot was taken.
	snapshotSet []ID

	ops []Op

	mu sync.Mutex
}

// Manager is the global transaction state: the ID frontier and the set of
// currently active writers a new snapshot must exclude. A transaction that
// never writes never enters active at all, so it never pins the frontier.
type Manager struct {
	mu sync.Mutex

	lastID ID
	active map[ID]*Txn // writers currently in StateActive (NONE is never a key)

	named *namedSnapshots

	logger *log.Logger
}

// NewManager creates a transaction manager with no active transactions.
func NewManager() *Manager {
	return &Manager{
		active: make(map[ID]*Txn),
		named:  newNamedSnapshots(),
		logger: log.New("component", "txn"),
	}
}

// Begin constructs a transaction's snapshot according to isolation. No ID
// is allocated yet: a transaction only acquires one, via AssignWriterID, at
// its first write. A transaction that only ever reads runs with ID NONE
// for its whole lifetime and is never added to active, so it cannot pin
// the frontier oldestActiveLocked/VisibleAll compute.
func (m *Manager) Begin(isolation config.Isolation) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Txn{
		mgr:       m,
		state:     StateActive,
		isolation: isolation,
	}

	if isolation == config.Snapshot {
		t.snapMin = m.oldestActiveLocked()
		t.snapMax = m.lastID + 1
		t.snapshotSet = m.activeIDsLocked()
	}

	return t
}

// AssignWriterID lazily allocates t's ID on its first write and registers
// it as an active writer. Idempotent: later calls from the same
// transaction return the ID assigned the first time.
func (t *Txn) AssignWriterID() ID {
	if id := atomic.LoadUint64(&t.id); id != 0 {
		return ID(id)
	}
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if id := atomic.LoadUint64(&t.id); id != 0 {
		return ID(id)
	}
	t.mgr.lastID++
	id := t.mgr.lastID
	atomic.StoreUint64(&t.id, uint64(id))
	t.mgr.active[id] = t
	return id
}

func (m *Manager) oldestActiveLocked() ID {
	if len(m.active) == 0 {
		return m.lastID
	}
	oldest := m.lastID
	for id := range m.active {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

func (m *Manager) activeIDsLocked() []ID {
	ids := make([]ID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ID returns the transaction's own identifier, or NONE if it has not yet
// written anything.
func (t *Txn) ID() ID { return ID(atomic.LoadUint64(&t.id)) }

// SnapMin returns the oldest transaction ID this snapshot still considers
// potentially active, the bound lsm.Tree uses for its write-write conflict
// check.
func (t *Txn) SnapMin() ID { return t.snapMin }

// Record appends an operation to the transaction's op-log.
func (t *Txn) Record(op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

// Ops returns the transaction's recorded operations, in order.
func (t *Txn) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// Commit marks the transaction committed and removes it from the active
// set, returning its final op-log for the caller (typically the WAL
// writer) to persist as a COMMIT record.
func (t *Txn) Commit() ([]Op, error) {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil, ae.ErrInvalidArgument
	}
	t.state = StateCommitted
	ops := append([]Op(nil), t.ops...)
	t.mu.Unlock()

	t.mgr.retire(t.ID())
	return ops, nil
}

// Abort discards the transaction's op-log and removes it from the active
// set. Callers must still apply the before-images in Ops() to undo any
// in-memory effects already made visible to the transaction itself.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return ae.ErrInvalidArgument
	}
	t.state = StateAborted
	t.mu.Unlock()

	t.mgr.retire(t.ID())
	return nil
}

// retire removes id from the active set. A no-op for NONE, since a
// transaction that never wrote was never added.
func (m *Manager) retire(id ID) {
	if id == NONE {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Visible reports whether a value written by writer is visible to t,
// applying snapshot-isolation's rule: a write is visible iff its writer
// committed before t's snapshot was taken and was not itself in t's
// snapshot set of concurrently-active transactions.
func (t *Txn) Visible(writer ID, writerCommitted bool) bool {
	if writer != NONE && writer == t.ID() {
		return true // a transaction always sees its own writes
	}
	if t.isolation != config.Snapshot {
		return writerCommitted
	}
	if !writerCommitted {
		return false
	}
	if writer >= t.snapMax {
		return false
	}
	for _, active := range t.snapshotSet {
		if active == writer {
			return false
		}
	}
	return true
}

// VisibleAll reports whether writer's commit is visible to every possible
// reader, i.e. no currently active transaction's snapshot could still
// exclude it — the condition a checkpoint or a compaction pass uses to
// decide a tombstone can be physically dropped.
func (m *Manager) VisibleAll(writer ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return true
	}
	return writer < m.oldestActiveLocked()
}

// LastID reports the last allocated ID, read under the manager's mutex, used by callers that
// want to stamp a checkpoint with the current frontier.
func (m *Manager) LastID() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}
