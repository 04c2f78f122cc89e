package page

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/keeldb/keel/storage/cache"
)

const (
	dbSuffix = ".db"

	// minPages is the smallest usable buffer pool; a budget below it is a
	// configuration error, not something to limp along with.
	minPages = 10
)

var (
	ErrMemTooSmall = errors.New("page: memory too small")
	ErrCacheFull   = cache.ErrCacheFull
	ErrFileExists  = errors.New("page: file already exists")
)

// Cache is the buffer pool over the paged data file. Pages are pinned by
// reference count; a dirty page is written back when its last pin is
// released or at Close.
type Cache struct {
	c         *cache.Cache
	f         *os.File
	fileMutex sync.Mutex
	pages     uint32 // tail page counter, 1-based
}

// Create initialises an empty data file at path + ".db" with a buffer pool
// of mem bytes.
func Create(path string, mem int64) (*Cache, error) {
	slots := int(mem / Size)
	if slots < minPages {
		return nil, ErrMemTooSmall
	}

	f, err := os.OpenFile(path+dbSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path+dbSuffix)
		}
		return nil, fmt.Errorf("page: create: %w", err)
	}
	return newCache(f, slots, 0), nil
}

// Open opens an existing data file.
func Open(path string, mem int64) (*Cache, error) {
	slots := int(mem / Size)
	if slots < minPages {
		return nil, ErrMemTooSmall
	}

	f, err := os.OpenFile(path+dbSuffix, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("page: open: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("page: open: %w", err)
	}
	return newCache(f, slots, uint32(fi.Size()/Size)), nil
}

func newCache(f *os.File, slots int, pages uint32) *Cache {
	pc := &Cache{f: f, pages: pages}
	pc.c = cache.New(slots, pc.loadPage, pc.evictPage)
	return pc
}

func pageOffset(pgno uint32) int64 {
	return int64(pgno-1) * Size
}

func (pc *Cache) loadPage(key uint64) (interface{}, error) {
	pgno := uint32(key)
	data := make([]byte, Size)

	pc.fileMutex.Lock()
	_, err := pc.f.ReadAt(data, pageOffset(pgno))
	pc.fileMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("page: read page %d: %w", pgno, err)
	}
	return &Page{no: pgno, data: data, cache: pc}, nil
}

func (pc *Cache) evictPage(obj interface{}) {
	pg := obj.(*Page)
	if pg.Dirty() {
		pc.flush(pg)
		pg.mutex.Lock()
		pg.dirty = false
		pg.mutex.Unlock()
	}
}

func (pc *Cache) flush(pg *Page) {
	pc.fileMutex.Lock()
	defer pc.fileMutex.Unlock()

	if _, err := pc.f.WriteAt(pg.data, pageOffset(pg.no)); err != nil {
		panic(fmt.Sprintf("page: write page %d: %s", pg.no, err))
	}
	if err := pc.f.Sync(); err != nil {
		panic(fmt.Sprintf("page: sync page %d: %s", pg.no, err))
	}
}

// NewPage allocates a page at the tail of the file and writes init there.
// The new page is not entered into the cache.
func (pc *Cache) NewPage(init []byte) (uint32, error) {
	if len(init) != Size {
		panic("page: new page init must be exactly one page")
	}
	pgno := atomic.AddUint32(&pc.pages, 1)

	pc.fileMutex.Lock()
	defer pc.fileMutex.Unlock()

	if _, err := pc.f.WriteAt(init, pageOffset(pgno)); err != nil {
		return 0, fmt.Errorf("page: new page %d: %w", pgno, err)
	}
	if err := pc.f.Sync(); err != nil {
		return 0, fmt.Errorf("page: new page %d: %w", pgno, err)
	}
	return pgno, nil
}

// GetPage returns a pinned handle on page pgno, faulting it from disk if it
// is not resident.
func (pc *Cache) GetPage(pgno uint32) (*Page, error) {
	obj, err := pc.c.Get(uint64(pgno))
	if err != nil {
		return nil, err
	}
	return obj.(*Page), nil
}

// Release drops one pin on pg.
func (pc *Cache) Release(pg *Page) {
	pc.c.Release(uint64(pg.no))
}

// FlushPage writes pg through to disk regardless of the dirty bit.
func (pc *Cache) FlushPage(pg *Page) {
	pc.flush(pg)
}

// TruncateTo shortens the file to maxPgno pages and resets the tail
// counter. Only valid before the cache is populated; recovery uses it.
func (pc *Cache) TruncateTo(maxPgno uint32) error {
	if err := pc.f.Truncate(pageOffset(maxPgno + 1)); err != nil {
		return fmt.Errorf("page: truncate: %w", err)
	}
	atomic.StoreUint32(&pc.pages, maxPgno)
	return nil
}

// PageCount returns the current number of pages in the file.
func (pc *Cache) PageCount() uint32 {
	return atomic.LoadUint32(&pc.pages)
}

// Close writes back every dirty page and closes the file.
func (pc *Cache) Close() error {
	pc.c.Close()
	return pc.f.Close()
}
