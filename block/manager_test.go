package block

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/config"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.ae")
	require.NoError(t, Create(path, 512))
	m, err := Open(path, config.Block{AllocationSize: 512, Allocation: config.AllocFirstFit})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := openTestManager(t)
	payload := []byte("the quick brown fox jumps over the lazy dog")

	addr, err := m.Write(payload, true)
	require.NoError(t, err)
	require.True(t, addr.Valid())

	got, err := m.Read(addr)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadDetectsCorruption(t *testing.T) {
	m := openTestManager(t)
	addr, err := m.Write([]byte("payload data"), true)
	require.NoError(t, err)
	other, err := m.Write([]byte("unrelated"), true)
	require.NoError(t, err)

	corrupt := make([]byte, addr.Size)
	_, err = m.file.ReadAt(corrupt, addr.Offset)
	require.NoError(t, err)
	corrupt[blockHeaderSize] ^= 0xFF
	_, err = m.file.WriteAt(corrupt, addr.Offset)
	require.NoError(t, err)

	_, err = m.Read(addr)
	require.ErrorIs(t, err, ae.ErrPanic)

	// The mismatch poisons the connection: every later call fails fast,
	// even a read of a block that was never touched.
	_, err = m.Read(other)
	require.ErrorIs(t, err, ae.ErrPanic)
}

func TestReadDetectsCorruptionQuietly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.ae")
	require.NoError(t, Create(path, 512))
	m, err := Open(path, config.Block{AllocationSize: 512, Allocation: config.AllocFirstFit}, WithQuietCorrupt())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	addr, err := m.Write([]byte("payload data"), true)
	require.NoError(t, err)

	corrupt := make([]byte, addr.Size)
	_, err = m.file.ReadAt(corrupt, addr.Offset)
	require.NoError(t, err)
	corrupt[blockHeaderSize] ^= 0xFF
	_, err = m.file.WriteAt(corrupt, addr.Offset)
	require.NoError(t, err)

	_, err = m.Read(addr)
	require.ErrorIs(t, err, ae.ErrCorruptBlock)

	// Quiet mode never poisons the connection: an unrelated read still
	// succeeds.
	other, err := m.Write([]byte("unrelated"), true)
	require.NoError(t, err)
	_, err = m.Read(other)
	require.NoError(t, err)
}

func TestFreeReclaimsSpaceForReuse(t *testing.T) {
	m := openTestManager(t)
	addr, err := m.Write(make([]byte, 2000), true)
	require.NoError(t, err)

	require.NoError(t, m.Free(addr))

	addr2, err := m.Write(make([]byte, 2000), true)
	require.NoError(t, err)
	require.Equal(t, addr.Offset, addr2.Offset)
}

func TestWriteExtendsFileWhenNeeded(t *testing.T) {
	m := openTestManager(t)
	before := m.FileSize()

	_, err := m.Write(make([]byte, 8192), true)
	require.NoError(t, err)

	require.Greater(t, m.FileSize(), before)
}

func TestWithPageCacheServesReadsThroughCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.ae")
	require.NoError(t, Create(path, 512))
	m, err := Open(path, config.Block{AllocationSize: 512, Allocation: config.AllocFirstFit}, WithPageCache(1<<20))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	payload := []byte("cached payload")
	addr, err := m.Write(payload, true)
	require.NoError(t, err)

	got, err := m.Read(addr)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// A second read for the same addr must return the same content whether
	// or not it was served from the cache.
	got2, err := m.Read(addr)
	require.NoError(t, err)
	require.Equal(t, payload, got2)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := openTestManager(t)
	addr, err := m.Write([]byte("durable payload"), true)
	require.NoError(t, err)

	cookie, err := m.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(1), cookie.Generation)

	got, err := m.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("durable payload"), got)
}
