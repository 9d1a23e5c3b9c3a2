package lsm

import (
	"github.com/steakknife/bloomfilter"
)

// keyHasher adapts a raw key to the hash.Hash64 interface
// steakknife/bloomfilter expects, by hashing an arbitrary-length key down
// to 8 bytes with FNV before handing it to the filter.
type keyHasher uint64

func hashKey(key []byte) keyHasher {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return keyHasher(h)
}

func (k keyHasher) Write(p []byte) (int, error) { panic("not implemented") }
func (k keyHasher) Sum(b []byte) []byte         { panic("not implemented") }
func (k keyHasher) Reset()                      { panic("not implemented") }
func (k keyHasher) BlockSize() int              { panic("not implemented") }
func (k keyHasher) Size() int                   { return 8 }
func (k keyHasher) Sum64() uint64               { return uint64(k) }

// chunkBloom is the per-chunk Bloom filter letting a cursor skip chunks it
// can statically prove do not contain a key.
type chunkBloom struct {
	filter *bloomfilter.Filter
}

// newChunkBloom builds a filter sized for entries keys with the given
// target false-positive collision rate.
func newChunkBloom(entries uint64, collision float64) (*chunkBloom, error) {
	if entries == 0 {
		entries = 1
	}
	f, err := bloomfilter.NewOptimal(entries, collision)
	if err != nil {
		return nil, err
	}
	return &chunkBloom{filter: f}, nil
}

func (b *chunkBloom) add(key []byte) { b.filter.Add(hashKey(key)) }

// mayContain reports whether key might be in the chunk; false is a
// definite answer, true is not.
func (b *chunkBloom) mayContain(key []byte) bool {
	if b == nil || b.filter == nil {
		return true
	}
	return b.filter.Contains(hashKey(key))
}
