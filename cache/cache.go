// Package cache exposes the minimal eviction/page-in/hazard contract a
// page-cache layer needs: this package defines the interface the block
// manager programs against, plus one concrete fastcache-backed
// implementation.
//
// A Hazard call returns an epoch-scoped release func rather than a raw
// pointer, so a page can never be reclaimed while a caller holds one.
package cache

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// PageRef identifies a page by its block-manager address cookie encoded as
// a flat byte key (offset||size||checksum), not by an in-process pointer — the
// engine never hands out raw back-pointers.
type PageRef []byte

// Page is an opaque in-memory page image.
type Page []byte

// Cache is the contract the block manager uses for page lifetime
// management.
type Cache interface {
	// Evict asks the cache to drop ref if it is not currently pinned by any
	// outstanding hazard pointer.
	Evict(ref PageRef) error
	// PageIn loads ref into the cache (from whatever backing store the
	// implementation wraps) and returns its content.
	PageIn(ref PageRef) (Page, error)
	// Hazard pins ref against eviction until the returned release func is
	// called. The caller must invoke release exactly once.
	Hazard(ref PageRef) (release func(), err error)
}

// FastCache is a Cache backed by VictoriaMetrics/fastcache, a bounded
// off-heap byte-slice cache. It is the default Cache a block.Manager
// installs via WithPageCache.
type FastCache struct {
	c *fastcache.Cache

	mu     sync.Mutex
	pinned map[string]int // ref -> outstanding hazard count
	load   func(PageRef) (Page, error)
}

// NewFastCache constructs a Cache with the given byte budget. load is
// called on a PageIn miss to materialize a page (e.g. from block.Manager).
func NewFastCache(maxBytes int, load func(PageRef) (Page, error)) *FastCache {
	return &FastCache{
		c:      fastcache.New(maxBytes),
		pinned: make(map[string]int),
		load:   load,
	}
}

func (f *FastCache) PageIn(ref PageRef) (Page, error) {
	if v := f.c.Get(nil, ref); v != nil {
		return Page(v), nil
	}
	p, err := f.load(ref)
	if err != nil {
		return nil, err
	}
	f.c.Set(ref, p)
	return p, nil
}

func (f *FastCache) Hazard(ref PageRef) (func(), error) {
	key := string(ref)
	f.mu.Lock()
	f.pinned[key]++
	f.mu.Unlock()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		f.mu.Lock()
		f.pinned[key]--
		if f.pinned[key] <= 0 {
			delete(f.pinned, key)
		}
		f.mu.Unlock()
	}, nil
}

func (f *FastCache) Evict(ref PageRef) error {
	key := string(ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinned[key] > 0 {
		return errBusyHazard
	}
	f.c.Del(ref)
	return nil
}

var errBusyHazard = &cacheError{"cache: page pinned by a live hazard pointer"}

type cacheError struct{ s string }

func (e *cacheError) Error() string { return e.s }
