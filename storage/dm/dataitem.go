package dm

import (
	"encoding/binary"
	"sync"

	"github.com/keeldb/keel/storage/page"
)

// A data item is a slot on a regular page: [valid(1) | size(2) | data].
// valid is 0 while the item is live and 1 once it is logically deleted; the
// slot is never reclaimed and never moves.
const (
	ofValid = 0
	ofSize  = 1
	ofData  = 3
)

func wrapItemRaw(data []byte) []byte {
	raw := make([]byte, ofData+len(data))
	binary.BigEndian.PutUint16(raw[ofSize:], uint16(len(data)))
	copy(raw[ofData:], data)
	return raw
}

func setItemRawInvalid(raw []byte) {
	raw[ofValid] = 1
}

// Address packs a page number and in-page offset into a uid.
func Address(pgno uint32, off uint16) uint64 {
	return uint64(pgno)<<32 | uint64(off)
}

// DecodeAddress unpacks a uid into its page number and in-page offset.
func DecodeAddress(uid uint64) (uint32, uint16) {
	return uint32(uid >> 32), uint16(uid)
}

// DataItem is a pinned handle on one item. Its raw bytes alias the page
// buffer; the item's reader-writer lock orders access to that subslice, and
// the before/after pair brackets in-place updates so that an UPDATE record
// reaches the log before the write lock is dropped.
type DataItem struct {
	mutex  sync.RWMutex
	pg     *page.Page
	raw    []byte // aliases pg.Data()[off : off+ofData+size]
	oldRaw []byte
	uid    uint64
	dm     *DM
}

// Data returns the mutable payload view of the item.
func (di *DataItem) Data() []byte {
	return di.raw[ofData:]
}

func (di *DataItem) Valid() bool {
	return di.raw[ofValid] == 0
}

func (di *DataItem) UID() uint64 {
	return di.uid
}

// Before takes the item's write lock, marks the page dirty, and snapshots
// the item bytes so that After can log the update or UnBefore can roll it
// back.
func (di *DataItem) Before() {
	di.mutex.Lock()
	di.pg.SetDirty()
	copy(di.oldRaw, di.raw)
}

// UnBefore restores the snapshot taken by Before and drops the write lock.
func (di *DataItem) UnBefore() {
	copy(di.raw, di.oldRaw)
	di.mutex.Unlock()
}

// After logs the update performed since Before and drops the write lock.
func (di *DataItem) After(xid uint64) error {
	err := di.dm.logItem(xid, di)
	di.mutex.Unlock()
	return err
}

func (di *DataItem) RLock()   { di.mutex.RLock() }
func (di *DataItem) RUnlock() { di.mutex.RUnlock() }
func (di *DataItem) Lock()    { di.mutex.Lock() }
func (di *DataItem) Unlock()  { di.mutex.Unlock() }

// Release returns the handle to the item cache.
func (di *DataItem) Release() {
	di.dm.releaseItem(di)
}
