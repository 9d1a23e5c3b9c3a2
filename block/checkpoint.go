package block

import (
	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/extent"
	"github.com/archengine/archengine/wireformat"
)

// Cookie is the opaque checkpoint descriptor persisted into the metadata
// turtle file, encoding the extent lists a reader needs to reconstruct the
// file's allocated-block view as of that checkpoint.
type Cookie struct {
	Generation uint64
	FileSize   uint64
	Root       Addr // address of the root page as of this checkpoint

	allocBlock   Addr // block holding the serialized alloc list
	availBlock   Addr // block holding the serialized avail list
}

// Marshal encodes the cookie for storage outside the file (e.g. in the
// turtle metadata file), not inside it.
func (c Cookie) Marshal() []byte {
	w := wireformat.NewWriter()
	w.Uvarint(c.Generation)
	w.Uvarint(c.FileSize)
	w.Uvarint(uint64(c.Root.Offset))
	w.Uvarint(uint64(c.Root.Size))
	w.Uvarint(uint64(c.Root.Checksum))
	w.Uvarint(uint64(c.allocBlock.Offset))
	w.Uvarint(uint64(c.allocBlock.Size))
	w.Uvarint(uint64(c.allocBlock.Checksum))
	w.Uvarint(uint64(c.availBlock.Offset))
	w.Uvarint(uint64(c.availBlock.Size))
	w.Uvarint(uint64(c.availBlock.Checksum))
	return w.Finish()
}

func UnmarshalCookie(buf []byte) (Cookie, error) {
	r := wireformat.NewReader(buf)
	var c Cookie
	var err error
	if c.Generation, err = r.Uvarint(); err != nil {
		return Cookie{}, ae.ErrCorruptFile
	}
	if c.FileSize, err = r.Uvarint(); err != nil {
		return Cookie{}, ae.ErrCorruptFile
	}
	c.Root, err = readAddr(r)
	if err != nil {
		return Cookie{}, err
	}
	c.allocBlock, err = readAddr(r)
	if err != nil {
		return Cookie{}, err
	}
	c.availBlock, err = readAddr(r)
	if err != nil {
		return Cookie{}, err
	}
	return c, nil
}

func readAddr(r *wireformat.Reader) (Addr, error) {
	off, err := r.Uvarint()
	if err != nil {
		return Addr{}, ae.ErrCorruptFile
	}
	size, err := r.Uvarint()
	if err != nil {
		return Addr{}, ae.ErrCorruptFile
	}
	cksum, err := r.Uvarint()
	if err != nil {
		return Addr{}, ae.ErrCorruptFile
	}
	return Addr{Offset: int64(off), Size: uint32(size), Checksum: uint32(cksum)}, nil
}

// CheckpointLoad installs the avail/alloc lists described by cookie as the
// manager's live state, called when opening an existing file.
func (m *Manager) CheckpointLoad(cookie Cookie) error {
	allocBuf, err := m.Read(cookie.allocBlock)
	if err != nil {
		return err
	}
	availBuf, err := m.Read(cookie.availBlock)
	if err != nil {
		return err
	}
	alloc := extent.New()
	if err := alloc.UnmarshalBinary(allocBuf); err != nil {
		return err
	}
	avail := extent.New()
	if err := avail.UnmarshalBinary(availBuf); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.live.alloc = alloc
	m.live.avail = avail
	m.fileSize = cookie.FileSize
	return nil
}

// Checkpoint writes a fresh checkpoint of the manager's live state, in the
// two phases:
//
// process marks a checkpoint as in progress (so Free routes into
// live.ckpt_avail), writes snapshots of the alloc/avail lists to new blocks,
// and computes the new cookie. resolve then merges live.ckpt_avail into
// live.avail so those ranges become allocatable again, and clears
// live.alloc/live.discard, since everything allocated before this checkpoint
// is now described by the cookie itself.
func (m *Manager) Checkpoint() (Cookie, error) {
	cookie, err := m.process()
	if err != nil {
		return Cookie{}, err
	}
	if err := m.resolve(); err != nil {
		return Cookie{}, err
	}
	return cookie, nil
}

func (m *Manager) process() (Cookie, error) {
	m.mu.Lock()
	m.checkpoint = true
	allocSnapshot := m.live.alloc.Clone()
	availSnapshot := m.live.avail.Clone()
	fileSize := m.fileSize
	m.mu.Unlock()

	allocBuf, err := allocSnapshot.MarshalBinary()
	if err != nil {
		return Cookie{}, err
	}
	availBuf, err := availSnapshot.MarshalBinary()
	if err != nil {
		return Cookie{}, err
	}
	allocAddr, err := m.Write(allocBuf, true)
	if err != nil {
		return Cookie{}, err
	}
	availAddr, err := m.Write(availBuf, true)
	if err != nil {
		return Cookie{}, err
	}

	m.mu.Lock()
	gen := m.nextGeneration()
	m.mu.Unlock()

	return Cookie{
		Generation: gen,
		FileSize:   fileSize,
		allocBlock: allocAddr,
		availBlock: availAddr,
	}, nil
}

func (m *Manager) nextGeneration() uint64 {
	m.generation++
	return m.generation
}

// resolve folds everything freed during the checkpoint window back into
// the allocatable avail list and clears the bookkeeping lists describing
// what changed since the last checkpoint.
func (m *Manager) resolve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := extent.Merge(m.live.ckptAvail, m.live.avail); err != nil {
		return err
	}
	m.live.ckptAvail = extent.New()
	m.live.alloc = extent.New()
	m.live.discard = extent.New()
	m.checkpoint = false
	return nil
}

// CheckpointUnload discards the manager's in-memory extent-list state,
// used when the handle is no longer going to write.
func (m *Manager) CheckpointUnload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live.alloc = extent.New()
	m.live.avail = extent.New()
	m.live.discard = extent.New()
	m.live.ckptAvail = extent.New()
}

// CompactSkip reports whether compacting this file is worth attempting,
// caching the computed percentage of available-vs-total bytes so repeated
// CompactPageSkip calls from the same caller don't recompute it.
func (m *Manager) CompactSkip() (skip bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileSize == 0 {
		m.compactPctTenths = 1000
		return true, nil
	}
	avail := m.live.avail.TotalBytes()
	tenths := int(avail * 1000 / m.fileSize)
	m.compactPctTenths = tenths
	// Skip compaction once less than 10% of the file is reclaimable.
	return tenths < 100, nil
}

// CompactPageSkip reports whether a specific block should be left in place
// during compaction, using CompactSkip's cached percentage: if at least 10%
// of the file was reclaimable it returns false (move) for every block;
// otherwise it returns true (skip) for every block. The block's position in
// the file and the location of free ranges are not consulted.
func (m *Manager) CompactPageSkip(addr Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compactPctTenths >= 100 {
		return false
	}
	return true
}
