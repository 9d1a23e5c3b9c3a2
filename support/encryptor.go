package support

import (
	"sync"

	"github.com/archengine/archengine/ae"
)

// Encryptor is the capability interface the block manager invokes to
// transform a payload before checksum-and-write and after read-and-verify.
// Internals of any particular encryption scheme are out of scope; the
// engine only needs this contract.
type Encryptor interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}

type regKey struct {
	name  string
	keyID string
}

type registryEntry struct {
	key regKey
	enc Encryptor
}

// bucketCount is the number of hash buckets in a Registry's
// (name, keyid) -> Encryptor lookup.
const bucketCount = 16

// Registry buckets entries by a cheap hash of (name, keyid) so lookup stays
// O(1) average without pulling in a general map-of-maps.
type Registry struct {
	mu      sync.RWMutex
	buckets [bucketCount][]registryEntry
}

func NewRegistry() *Registry { return &Registry{} }

func bucketFor(k regKey) int {
	h := fnv32(k.name) ^ fnv32(k.keyID)
	return int(h % bucketCount)
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Register adds or replaces the Encryptor for (name, keyid).
func (r *Registry) Register(name, keyID string, enc Encryptor) {
	k := regKey{name, keyID}
	b := bucketFor(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.buckets[b] {
		if e.key == k {
			r.buckets[b][i].enc = enc
			return
		}
	}
	r.buckets[b] = append(r.buckets[b], registryEntry{key: k, enc: enc})
}

// Lookup returns the registered Encryptor for (name, keyid), or
// ae.ErrNotFound.
func (r *Registry) Lookup(name, keyID string) (Encryptor, error) {
	k := regKey{name, keyID}
	b := bucketFor(k)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.buckets[b] {
		if e.key == k {
			return e.enc, nil
		}
	}
	return nil, ae.ErrNotFound
}

// Unregister removes the Encryptor for (name, keyid), if any.
func (r *Registry) Unregister(name, keyID string) {
	k := regKey{name, keyID}
	b := bucketFor(k)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.buckets[b] {
		if e.key == k {
			r.buckets[b] = append(r.buckets[b][:i], r.buckets[b][i+1:]...)
			return
		}
	}
}
