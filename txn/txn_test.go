package txn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archengine/archengine/config"
)

func bytesEqual(a, b []byte) bool { return bytes.Equal(a, b) }

func TestAssignWriterIDAllocatesIncreasingIDs(t *testing.T) {
	m := NewManager()
	a := m.Begin(config.Snapshot)
	b := m.Begin(config.Snapshot)
	require.Less(t, a.AssignWriterID(), b.AssignWriterID())
}

func TestSnapshotExcludesConcurrentWriter(t *testing.T) {
	m := NewManager()
	writer := m.Begin(config.Snapshot)
	writer.AssignWriterID()
	reader := m.Begin(config.Snapshot)

	// writer is still active in reader's snapshot set, so even if its
	// write were (hypothetically) marked committed, reader must not see it.
	require.False(t, reader.Visible(writer.ID(), true))

	_, err := writer.Commit()
	require.NoError(t, err)

	// A fresh transaction started after the commit must see it.
	later := m.Begin(config.Snapshot)
	require.True(t, later.Visible(writer.ID(), true))
}

func TestVisibleAlwaysSeesOwnWrites(t *testing.T) {
	m := NewManager()
	tx := m.Begin(config.Snapshot)
	require.True(t, tx.Visible(tx.AssignWriterID(), false))
}

func TestCommitAndAbortRetireFromActiveSet(t *testing.T) {
	m := NewManager()
	a := m.Begin(config.Snapshot)
	b := m.Begin(config.Snapshot)
	a.AssignWriterID()
	b.AssignWriterID()

	_, err := a.Commit()
	require.NoError(t, err)
	require.NoError(t, b.Abort())

	require.Equal(t, 0, len(m.active))
}

func TestDoubleCommitFails(t *testing.T) {
	m := NewManager()
	tx := m.Begin(config.Snapshot)
	_, err := tx.Commit()
	require.NoError(t, err)
	_, err = tx.Commit()
	require.Error(t, err)
}

func TestVisibleAllRequiresNoOlderActive(t *testing.T) {
	m := NewManager()
	old := m.Begin(config.Snapshot)
	writer := m.Begin(config.Snapshot)
	old.AssignWriterID()
	writer.AssignWriterID()
	_, err := writer.Commit()
	require.NoError(t, err)

	require.False(t, m.VisibleAll(writer.ID())) // old is still active and older

	require.NoError(t, old.Abort())
	require.True(t, m.VisibleAll(writer.ID()))
}

func TestNamedSnapshotRoundTrip(t *testing.T) {
	m := NewManager()
	tx := m.Begin(config.Snapshot)
	require.NoError(t, m.PutNamedSnapshot("checkpoint-1", tx))

	got, err := m.NamedSnapshot("checkpoint-1")
	require.NoError(t, err)
	require.Equal(t, tx.ID(), got.ID())

	oldest, ok := m.OldestNamedSnapshot()
	require.True(t, ok)
	require.Equal(t, tx.ID(), oldest)

	require.NoError(t, m.DropNamedSnapshot("checkpoint-1"))
	_, err = m.NamedSnapshot("checkpoint-1")
	require.Error(t, err)
}

func TestOpLogEncodeDecodeRoundTrip(t *testing.T) {
	ops := []Op{
		{Table: "users", Key: []byte("k1"), Before: []byte{}, After: []byte("v1")},
		{Table: "users", Key: []byte("k2"), Before: []byte("old"), After: []byte("new")},
		{Table: "users", Key: []byte("k3"), Before: []byte("gone"), After: []byte{}},
	}
	buf := EncodeOps(ops)
	got, err := DecodeOps(buf)
	require.NoError(t, err)
	require.Len(t, got, len(ops))
	for i := range ops {
		require.Equal(t, ops[i].Table, got[i].Table)
		require.Equal(t, ops[i].Key, got[i].Key)
		require.True(t, bytesEqual(ops[i].Before, got[i].Before))
		require.True(t, bytesEqual(ops[i].After, got[i].After))
	}
}
