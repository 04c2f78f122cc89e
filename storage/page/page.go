package page

import (
	"sync"
)

// Size is the fixed page size in bytes.
const Size = 8192

// Page is an 8 KiB buffer pinned in the page cache. Mutations of the data
// go through the per-page mutex and mark the page dirty so that the cache
// writes it back on eviction.
type Page struct {
	mutex sync.Mutex
	no    uint32
	data  []byte
	dirty bool
	cache *Cache
}

func (pg *Page) Lock()   { pg.mutex.Lock() }
func (pg *Page) Unlock() { pg.mutex.Unlock() }

// No returns the 1-based page number.
func (pg *Page) No() uint32 {
	return pg.no
}

// Data returns the page buffer. Mutating it requires the page mutex and a
// SetDirty call.
func (pg *Page) Data() []byte {
	return pg.data
}

func (pg *Page) SetDirty() {
	pg.mutex.Lock()
	pg.dirty = true
	pg.mutex.Unlock()
}

func (pg *Page) Dirty() bool {
	pg.mutex.Lock()
	defer pg.mutex.Unlock()
	return pg.dirty
}

// Release returns the pin on this page to the cache.
func (pg *Page) Release() {
	pg.cache.Release(pg)
}
