// Package block implements the single-file block manager: page-aligned
// allocation and free, checkpoint cookie encode/decode, checksum-verified
// reads and writes with optional compression/encryption, file extension,
// and salvage.
//
// Unlike an append-only, checksum-free-but-length-indexed table, this
// manager addresses a single file randomly, with real per-block checksums
// and an explicit free list (the `extent` package) backing its two-phase
// checkpoint contract. File extension grows the backing store in place
// and keeps serving, triggered by a byte threshold rather than a hard
// per-file cap.
package block

import (
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/cache"
	"github.com/archengine/archengine/config"
	"github.com/archengine/archengine/extent"
	"github.com/archengine/archengine/log"
	"github.com/archengine/archengine/metrics"
	"github.com/archengine/archengine/support"
)

// liveSystem holds the extent lists that describe the currently writable
// state of the file, distinct from any historical checkpoint's lists.
type liveSystem struct {
	alloc     *extent.List // blocks allocated since the last checkpoint
	avail     *extent.List // free ranges available for allocation
	discard   *extent.List // blocks freed since the last checkpoint
	ckptAvail *extent.List // freed during an in-progress checkpoint; not yet allocatable
}

func newLiveSystem() *liveSystem {
	return &liveSystem{
		alloc:     extent.New(),
		avail:     extent.New(),
		discard:   extent.New(),
		ckptAvail: extent.New(),
	}
}

// Manager is one open handle on a single data file.
type Manager struct {
	file      *os.File
	path      string
	allocSize uint64
	fileSize  uint64
	extendLen uint64 // granularity of file extension; each grow raises extendSz in steps of 2*extendLen until the write fits
	extendSz  uint64

	cfg        config.Block
	readOnly   bool
	quiet      bool // quiet_corrupt: CorruptBlock/File downgraded from Panic
	checkpoint bool // true while a checkpoint is in progress

	live *liveSystem

	compressor Compressor
	encryptor  support.Encryptor // optional; nil means no encryption

	secondaryFiles *lru.Cache // filename -> *os.File; Close closes whatever it holds, but nothing adds entries to it
	scratch        *support.ScratchPool

	pageCache cache.Cache // optional; nil means every Read hits the file directly

	conn *ae.Conn // poisoned by a non-quiet checksum mismatch; checked before every call

	readMeter  metrics.Meter
	writeMeter metrics.Meter

	compactPctTenths int    // cached by CompactSkip, read by CompactPageSkip
	generation       uint64 // last checkpoint generation written

	mu sync.Mutex // live_lock: guards live system + file extension

	logger *log.Logger
}

// Create writes a fresh descriptor block and fsyncs the file and its
// containing directory before returning.
func Create(path string, allocSize uint64) error {
	if allocSize == 0 || allocSize&(allocSize-1) != 0 {
		return ae.ErrInvalidArgument
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ae.ErrIOError
	}
	defer f.Close()

	d := descriptor{magic: magic, major: majorVersion, minor: minorVersion}
	if _, err := f.WriteAt(d.marshal(allocSize), 0); err != nil {
		return ae.ErrIOError
	}
	if err := f.Sync(); err != nil {
		return ae.ErrIOError
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return ae.ErrIOError
	}
	defer dir.Close()
	_ = dir.Sync() // best effort; not all platforms support directory fsync
	return nil
}

// Open validates the descriptor block and returns a ready Manager.
func Open(path string, cfg config.Block, opts ...Option) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ae.ErrIOError
	}
	m := &Manager{
		file:       f,
		path:       path,
		allocSize:  cfg.AllocationSize,
		extendLen:  cfg.AllocationSize * 1024,
		live:       newLiveSystem(),
		compressor: SnappyCompressor{},
		cfg:        cfg,
		conn:       &ae.Conn{},
		readMeter:  metrics.NewRegisteredMeter("block/read", nil),
		writeMeter: metrics.NewRegisteredMeter("block/write", nil),
		scratch:    support.NewScratchPool(),
		logger:     log.New("component", "block", "file", path),
	}
	m.secondaryFiles, _ = lru.New(16)
	for _, o := range opts {
		o(m)
	}

	hdr := make([]byte, cfg.AllocationSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, ae.ErrIOError
	}
	d, err := unmarshalDescriptor(hdr)
	if err != nil {
		if !m.salvaging() {
			f.Close()
			return nil, ae.ErrCorruptFile
		}
	} else if d.magic != magic || d.major != majorVersion {
		if !m.salvaging() {
			f.Close()
			return nil, ae.ErrCorruptFile
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ae.ErrIOError
	}
	m.fileSize = uint64(st.Size())
	m.extendSz = m.fileSize
	// Everything past the descriptor block starts out unallocated; callers
	// that open an existing file immediately follow with CheckpointLoad to
	// install the real avail/alloc lists from the last checkpoint cookie.
	if m.fileSize > cfg.AllocationSize {
		m.live.avail.Insert(cfg.AllocationSize, m.fileSize-cfg.AllocationSize)
	}
	return m, nil
}

// Option configures a Manager at Open time.
type Option func(*Manager)

// WithReadOnly marks the manager read-only.
func WithReadOnly() Option { return func(m *Manager) { m.readOnly = true } }

// WithForcedSalvage allows Open to proceed past a descriptor mismatch.
func WithForcedSalvage() Option { return func(m *Manager) { m.quiet = true } }

// WithQuietCorrupt downgrades CorruptBlock/CorruptFile from Panic to a
// returned error, used by salvage and verify.
func WithQuietCorrupt() Option { return func(m *Manager) { m.quiet = true } }

// WithCompressor overrides the default Snappy compressor; pass nil to
// disable compression entirely.
func WithCompressor(c Compressor) Option {
	return func(m *Manager) {
		if c == nil {
			c = noopCompressor{}
		}
		m.compressor = c
	}
}

// WithEncryptor installs the keyed encryptor transforming payloads before
// checksum-and-write / after read-and-verify.
func WithEncryptor(e support.Encryptor) Option { return func(m *Manager) { m.encryptor = e } }

// WithPageCache installs a bounded read-through cache in front of the
// manager's Read path, backed by maxBytes of off-heap storage. Misses fall
// through to readUncached, so cache presence never changes Read's result,
// only whether a given call touches the file.
func WithPageCache(maxBytes int) Option {
	return func(m *Manager) {
		m.pageCache = cache.NewFastCache(maxBytes, func(ref cache.PageRef) (cache.Page, error) {
			return m.readUncached(addrFromCacheKey(ref))
		})
	}
}

// WithConn shares a single *ae.Conn across a Manager and whatever
// lsm.Tree sits on top of it, so a block poisoned by one
// subsystem is visible to the others through the same Check() call.
// Without this option, Open gives the Manager its own private Conn.
func WithConn(c *ae.Conn) Option { return func(m *Manager) { m.conn = c } }

// Conn returns the manager's connection-poisoning handle.
func (m *Manager) Conn() *ae.Conn { return m.conn }

func (m *Manager) salvaging() bool { return m.quiet }

// Close releases the manager's file handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.secondaryFiles.Keys() {
		if f, ok := m.secondaryFiles.Get(k); ok {
			f.(*os.File).Close()
		}
	}
	return m.file.Close()
}

func alignUp(size, allocSize uint64) uint64 {
	if size%allocSize == 0 {
		return size
	}
	return (size/allocSize + 1) * allocSize
}

// extendLocked grows the file so that everything below upTo is backed by
// real storage, raising extendSz from its previous value in steps of
// 2*extendLen until it reaches upTo.
// The platform-specific fast path (fallocate vs ftruncate, lock-free vs
// live_lock-serialized) is out of scope here; this manager always
// serializes the grow under live_lock and performs it with Truncate, the
// portable subset of that behavior.
func (m *Manager) extendLocked(upTo uint64) error {
	if upTo <= m.extendSz {
		return nil
	}
	newSize := m.extendSz
	for newSize < upTo {
		newSize += 2 * m.extendLen
	}
	if err := m.file.Truncate(int64(newSize)); err != nil {
		return ae.ErrIOError
	}
	m.extendSz = newSize
	return nil
}

// Write aligns buf to the allocation boundary, computes a checksum over
// either the whole aligned region (dataChecksum) or just the block header
// (COMPRESS_SKIP), allocates space, extends the file if needed, and writes
// the block, returning its address cookie. On a write error the
// just-allocated extent is freed before returning.
func (m *Manager) Write(buf []byte, dataChecksum bool) (Addr, error) {
	if err := m.conn.Check(); err != nil {
		return NoAddr, err
	}
	if m.readOnly {
		return NoAddr, ae.ErrInvalidArgument
	}
	payload := m.compressor.Compress(buf)
	if m.encryptor != nil {
		var err error
		payload, err = m.encryptor.Encrypt(payload)
		if err != nil {
			return NoAddr, err
		}
	}
	total := blockHeaderSize + uint64(len(payload))
	aligned := alignUp(total, m.allocSize)

	region := make([]byte, aligned)
	hdr := blockHeader{diskSize: uint32(len(payload))}
	if dataChecksum {
		hdr.flags |= FlagDataChecksum
	}
	copy(region[blockHeaderSize:], payload)
	copy(region[:blockHeaderSize], hdr.marshal())

	if dataChecksum {
		hdr.cksum = checksum32(zeroChecksumField(region))
	} else {
		hdr.cksum = checksum32(zeroChecksumField(region[:compressSkipBytes]))
	}
	copy(region[:blockHeaderSize], hdr.marshal())

	m.mu.Lock()
	offset, err := m.live.avail.Alloc(aligned, policyFor(m.cfg.Allocation))
	if err != nil {
		// No existing free range fits: grow the file and carve the new
		// space out of the tail, the same fallback the allocator takes
		// when avail is empty on a freshly created file.
		growFrom := m.fileSize
		if growFrom < m.allocSize {
			growFrom = m.allocSize
		}
		if err := m.extendLocked(growFrom + aligned); err != nil {
			m.mu.Unlock()
			return NoAddr, err
		}
		if err := m.live.avail.Insert(growFrom, m.extendSz-growFrom); err != nil {
			m.mu.Unlock()
			return NoAddr, err
		}
		offset, err = m.live.avail.Alloc(aligned, policyFor(m.cfg.Allocation))
		if err != nil {
			m.mu.Unlock()
			return NoAddr, err
		}
	}
	if needed := offset + aligned; needed > m.extendSz {
		if err := m.extendLocked(needed); err != nil {
			m.live.avail.Insert(offset, aligned)
			m.mu.Unlock()
			return NoAddr, err
		}
	}
	m.mu.Unlock()

	if _, err := m.file.WriteAt(region, int64(offset)); err != nil {
		m.mu.Lock()
		m.live.avail.Insert(offset, aligned)
		m.mu.Unlock()
		return NoAddr, ae.ErrIOError
	}
	m.writeMeter.Mark(int64(aligned))

	m.mu.Lock()
	m.live.alloc.Insert(offset, aligned)
	if offset+aligned > m.fileSize {
		m.fileSize = offset + aligned
	}
	m.mu.Unlock()

	return Addr{Offset: int64(offset), Size: uint32(aligned), Checksum: hdr.cksum}, nil
}

// zeroChecksumField returns a copy of region with the cksum field (bytes
// [4:8] of the block header) zeroed, matching "over the block with this
// field zeroed".
func zeroChecksumField(region []byte) []byte {
	out := append([]byte(nil), region...)
	out[4], out[5], out[6], out[7] = 0, 0, 0, 0
	return out
}

// Read decodes addr, reads the aligned block, verifies its checksum, and
// returns the decoded payload. A checksum mismatch poisons the manager's
// Conn and returns ae.ErrPanic, unless the manager was opened quiet (salvage
// and verify paths), in which case it returns ErrCorruptBlock instead. A
// Conn already poisoned by a prior mismatch makes every subsequent Read
// fail immediately with ErrPanic. When a page cache was installed via
// WithPageCache, a hit returns the cached decoded payload without touching
// the file.
func (m *Manager) Read(addr Addr) ([]byte, error) {
	if err := m.conn.Check(); err != nil {
		return nil, err
	}
	if !addr.Valid() {
		return nil, ae.ErrInvalidArgument
	}
	if m.pageCache != nil {
		p, err := m.pageCache.PageIn(addr.cacheKey())
		if err != nil {
			return nil, err
		}
		return []byte(p), nil
	}
	return m.readUncached(addr)
}

// readUncached performs the actual read-verify-decrypt-decompress sequence
// against the file, bypassing any installed page cache. It is also the load
// callback a WithPageCache cache calls on a miss.
func (m *Manager) readUncached(addr Addr) ([]byte, error) {
	if err := m.conn.Check(); err != nil {
		return nil, err
	}
	if !addr.Valid() {
		return nil, ae.ErrInvalidArgument
	}
	region := make([]byte, addr.Size)
	if _, err := m.file.ReadAt(region, addr.Offset); err != nil {
		return nil, ae.ErrIOError
	}
	m.readMeter.Mark(int64(addr.Size))

	hdr := unmarshalBlockHeader(region[:blockHeaderSize])
	var got uint32
	if hdr.flags&FlagDataChecksum != 0 {
		got = checksum32(zeroChecksumField(region))
	} else {
		got = checksum32(zeroChecksumField(region[:compressSkipBytes]))
	}
	if got != hdr.cksum {
		if m.quiet {
			return nil, ae.ErrCorruptBlock
		}
		// A checksum mismatch outside salvage/verify is an invariant
		// violation, not a recoverable condition: poison the connection so
		// every subsequent call (on this Manager, and on any txn.Manager or
		// lsm.Tree sharing this Conn via WithConn) fails fast instead of
		// operating against a file we no longer trust.
		m.conn.Panic()
		return nil, ae.ErrPanic
	}

	payload := region[blockHeaderSize : blockHeaderSize+hdr.diskSize]
	if m.encryptor != nil {
		var err error
		payload, err = m.encryptor.Decrypt(payload)
		if err != nil {
			return nil, err
		}
	}
	return m.compressor.Decompress(payload)
}

// Free releases addr. While a checkpoint is in progress it goes into
// ckpt_avail. Otherwise, a block allocated since the last checkpoint (still
// in the live alloc list) is removed from alloc and returned to avail for
// immediate reuse; any other block is recorded in the live discard list.
func (m *Manager) Free(addr Addr) error {
	if err := m.conn.Check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off, size := uint64(addr.Offset), uint64(addr.Size)
	if m.checkpoint {
		return m.live.ckptAvail.Insert(off, size)
	}
	if err := m.live.alloc.Remove(off, size); err == nil {
		return m.live.avail.Insert(off, size)
	}
	return m.live.discard.Insert(off, size)
}

func policyFor(a config.Allocation) extent.Policy {
	if a == config.AllocBestFit {
		return extent.BestFit
	}
	return extent.FirstFit
}

// FileSize returns the manager's tracked logical file size.
func (m *Manager) FileSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileSize
}
