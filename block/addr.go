package block

import "encoding/binary"

// InvalidOffset is the address-cookie sentinel for "no block".
const InvalidOffset int64 = -1

// Addr is the opaque (offset, size, checksum) address cookie identifying a
// block on disk. offset always aligns to the manager's allocation size;
// size is a multiple of it.
type Addr struct {
	Offset   int64
	Size     uint32
	Checksum uint32
}

// Valid reports whether the address is something other than the sentinel.
func (a Addr) Valid() bool { return a.Offset != InvalidOffset }

// NoAddr is the zero-value invalid address.
var NoAddr = Addr{Offset: InvalidOffset}

// cacheKey flattens addr to the byte key a cache.Cache indexes pages by
// (offset||size||checksum), since Addr itself isn't comparable as a map key
// candidate across package boundaries.
func (a Addr) cacheKey() []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(a.Offset))
	binary.BigEndian.PutUint32(b[8:12], a.Size)
	binary.BigEndian.PutUint32(b[12:16], a.Checksum)
	return b[:]
}

// addrFromCacheKey reverses cacheKey; it is what a page cache's load
// callback uses to recover the Addr it was asked to materialize.
func addrFromCacheKey(key []byte) Addr {
	return Addr{
		Offset:   int64(binary.BigEndian.Uint64(key[0:8])),
		Size:     binary.BigEndian.Uint32(key[8:12]),
		Checksum: binary.BigEndian.Uint32(key[12:16]),
	}
}
