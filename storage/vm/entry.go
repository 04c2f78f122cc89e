package vm

import (
	"encoding/binary"

	"github.com/keeldb/keel/storage/dm"
)

// An entry is the VM's view of a data item payload:
// [xmin(8) | xmax(8) | record]. xmin is the xid that created the version,
// xmax the xid that deleted it (0 while live).
const (
	ofXmin   = 0
	ofXmax   = 8
	ofRecord = 16
)

func wrapEntryRaw(xid uint64, record []byte) []byte {
	raw := make([]byte, ofRecord+len(record))
	binary.BigEndian.PutUint64(raw[ofXmin:], xid)
	copy(raw[ofRecord:], record)
	return raw
}

type entry struct {
	di  *dm.DataItem
	uid uint64
	vm  *VM
}

func (e *entry) xmin() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return binary.BigEndian.Uint64(e.di.Data()[ofXmin:])
}

func (e *entry) xmax() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return binary.BigEndian.Uint64(e.di.Data()[ofXmax:])
}

// record returns a copy of the user bytes; the copy is taken under the
// item's read lock so a concurrent update cannot tear it.
func (e *entry) record() []byte {
	e.di.RLock()
	defer e.di.RUnlock()

	data := e.di.Data()
	rec := make([]byte, len(data)-ofRecord)
	copy(rec, data[ofRecord:])
	return rec
}

func (e *entry) setXmax(xid uint64) error {
	e.di.Before()
	binary.BigEndian.PutUint64(e.di.Data()[ofXmax:], xid)
	return e.di.After(xid)
}

func (e *entry) release() {
	e.vm.entries.Release(e.uid)
}
