package block

import (
	"os"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/metrics"
)

// SalvagePredicate is called once per scanned block; returning false tells
// the scan the block is not worth keeping (e.g. the caller's own
// higher-level validation rejected its contents), in which case the
// salvager steps past it without reporting it. A plain
// predicate closure, rather than a function-pointer-plus-context pair.
type SalvagePredicate func(addr Addr, payload []byte) bool

// Salvager scans a file block-by-block independent of any checkpoint
// cookie, used to rebuild a usable file after the metadata describing it
// was lost or found corrupt.
type Salvager struct {
	m       *Manager
	pred    SalvagePredicate
	offset  uint64
	size    uint64
	current Addr
	valid   bool
	done    bool
}

// SalvageStart begins a scan of path using allocSize as the block stride
// and pred to accept or reject each scanned block.
func SalvageStart(path string, allocSize uint64, pred SalvagePredicate) (*Salvager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ae.ErrIOError
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ae.ErrIOError
	}
	m := &Manager{
		file:       f,
		path:       path,
		allocSize:  allocSize,
		fileSize:   uint64(st.Size()),
		quiet:      true,
		conn:       &ae.Conn{},
		compressor: SnappyCompressor{},
		readMeter:  metrics.NilMeter,
	}
	s := &Salvager{m: m, pred: pred, offset: allocSize, size: uint64(st.Size())}
	if pred == nil {
		s.pred = func(Addr, []byte) bool { return true }
	}
	return s, nil
}

// SalvageNext advances to the next block that parses and satisfies the
// predicate, skipping unreadable or rejected blocks one allocation unit at
// a time. It returns false once the scan reaches the end of the file.
func (s *Salvager) SalvageNext() bool {
	for s.offset+blockHeaderSize <= s.size {
		hdrBuf := make([]byte, blockHeaderSize)
		if _, err := s.m.file.ReadAt(hdrBuf, int64(s.offset)); err != nil {
			s.offset += s.m.allocSize
			continue
		}
		hdr := unmarshalBlockHeader(hdrBuf)
		blockLen := alignUp(blockHeaderSize+uint64(hdr.diskSize), s.m.allocSize)
		if hdr.diskSize == 0 || s.offset+blockLen > s.size {
			s.offset += s.m.allocSize
			continue
		}

		addr := Addr{Offset: int64(s.offset), Size: uint32(blockLen), Checksum: hdr.cksum}
		payload, err := s.m.Read(addr)
		if err != nil {
			s.offset += s.m.allocSize
			continue
		}
		if !s.pred(addr, payload) {
			s.offset += blockLen
			continue
		}

		s.current = addr
		s.offset += blockLen
		s.valid = true
		return true
	}
	s.valid = false
	s.done = true
	return false
}

// SalvageValid reports whether the scan currently sits on an accepted block.
func (s *Salvager) SalvageValid() bool { return s.valid }

// SalvageAddr returns the address of the block the scan currently sits on.
func (s *Salvager) SalvageAddr() Addr { return s.current }

// SalvageEnd closes the file handle the scan opened and returns the close
// error, if any. It does not build an avail list from the scanned blocks.
func (s *Salvager) SalvageEnd() error {
	return s.m.file.Close()
}
