package txn

import "github.com/archengine/archengine/ae"

// namedEntry is one node of the insertion-ordered queue of named snapshots:
// a singly-linked chain walked with a forEach closure, ordered
// oldest-to-newest since named snapshots are looked up by name, not by a
// numeric offset from the head.
type namedEntry struct {
	name string
	snap *Txn
	next *namedEntry
}

// namedSnapshots is a FIFO queue keyed by name, insertion-ordered so the
// oldest outstanding named snapshot is always reachable in O(1) — the one
// a checkpoint needs to know it cannot yet reclaim past.
type namedSnapshots struct {
	head *namedEntry
	tail *namedEntry
	byName map[string]*namedEntry
}

func newNamedSnapshots() *namedSnapshots {
	return &namedSnapshots{byName: make(map[string]*namedEntry)}
}

// Put registers t as the named snapshot, replacing any existing entry
// under the same name.
func (n *namedSnapshots) Put(name string, t *Txn) error {
	if name == "" {
		return ae.ErrInvalidArgument
	}
	if _, exists := n.byName[name]; exists {
		n.remove(name)
	}
	entry := &namedEntry{name: name, snap: t}
	if n.tail == nil {
		n.head = entry
	} else {
		n.tail.next = entry
	}
	n.tail = entry
	n.byName[name] = entry
	return nil
}

// Get looks up a named snapshot's transaction.
func (n *namedSnapshots) Get(name string) (*Txn, error) {
	entry, ok := n.byName[name]
	if !ok {
		return nil, ae.ErrNotFound
	}
	return entry.snap, nil
}

// Drop removes a named snapshot.
func (n *namedSnapshots) Drop(name string) error {
	if _, ok := n.byName[name]; !ok {
		return ae.ErrNotFound
	}
	n.remove(name)
	return nil
}

func (n *namedSnapshots) remove(name string) {
	entry, ok := n.byName[name]
	if !ok {
		return
	}
	delete(n.byName, name)

	var prev *namedEntry
	for cur := n.head; cur != nil; cur = cur.next {
		if cur == entry {
			if prev == nil {
				n.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == n.tail {
				n.tail = prev
			}
			return
		}
		prev = cur
	}
}

// Oldest returns the ID of the longest-outstanding named snapshot, or
// false if there are none.
func (n *namedSnapshots) Oldest() (ID, bool) {
	if n.head == nil {
		return 0, false
	}
	return n.head.snap.ID(), true
}

// forEach walks the queue oldest-first, stopping early if onEntry returns
// false — mirrors hdrInfo.forEach's early-exit contract.
func (n *namedSnapshots) forEach(onEntry func(name string, snap *Txn) bool) {
	for cur := n.head; cur != nil; cur = cur.next {
		if !onEntry(cur.name, cur.snap) {
			return
		}
	}
}

// PutNamedSnapshot registers name as referring to t's current snapshot.
func (m *Manager) PutNamedSnapshot(name string, t *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.named.Put(name, t)
}

// NamedSnapshot retrieves the transaction registered under name.
func (m *Manager) NamedSnapshot(name string) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.named.Get(name)
}

// DropNamedSnapshot removes a named snapshot registration.
func (m *Manager) DropNamedSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.named.Drop(name)
}

// OldestNamedSnapshot returns the ID pinned by the longest-lived named
// snapshot still registered, used to bound what a checkpoint may reclaim.
func (m *Manager) OldestNamedSnapshot() (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.named.Oldest()
}
