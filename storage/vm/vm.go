package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/keeldb/keel/storage/cache"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
)

var (
	ErrNullEntry        = errors.New("vm: null entry")
	ErrConcurrentUpdate = errors.New("vm: concurrent update")
)

// Manager stacks MVCC on the data manager: every record carries xmin/xmax
// stamps, reads go through the visibility rules, and deletes serialise on
// the lock table.
type Manager interface {
	Begin(level int) (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
	Read(xid, uid uint64) ([]byte, error)
	Insert(xid uint64, data []byte) (uint64, error)
	Delete(xid, uid uint64) (bool, error)
}

type VM struct {
	tm tm.Manager
	dm dm.Manager

	mutex  sync.Mutex
	active map[uint64]*transaction

	lt      *lockTable
	entries *cache.Cache
}

var _ Manager = (*VM)(nil)

func New(tmgr tm.Manager, dmgr dm.Manager) *VM {
	v := &VM{
		tm:     tmgr,
		dm:     dmgr,
		active: map[uint64]*transaction{},
		lt:     newLockTable(),
	}
	v.active[tm.SuperXID] = &transaction{xid: tm.SuperXID, level: ReadCommitted}
	v.entries = cache.New(0, v.loadEntry, v.evictEntry)
	return v
}

func (v *VM) tx(xid uint64) *transaction {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	t, ok := v.active[xid]
	if !ok {
		panic(fmt.Sprintf("vm: unknown transaction %d", xid))
	}
	return t
}

// Begin starts a transaction at the given isolation level.
func (v *VM) Begin(level int) (uint64, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	xid, err := v.tm.Begin()
	if err != nil {
		return 0, err
	}
	v.active[xid] = newTransaction(xid, level, v.active)
	return xid, nil
}

// Read returns the record at uid if it is visible to xid, nil otherwise.
func (v *VM) Read(xid, uid uint64) ([]byte, error) {
	t := v.tx(xid)
	if t.err != nil {
		return nil, t.err
	}

	e, err := v.getEntry(uid)
	if errors.Is(err, ErrNullEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer e.release()

	if !visible(v.tm, t, e.xmin(), e.xmax()) {
		return nil, nil
	}
	return e.record(), nil
}

// Insert stamps data with xid as its creator and stores it.
func (v *VM) Insert(xid uint64, data []byte) (uint64, error) {
	t := v.tx(xid)
	if t.err != nil {
		return 0, t.err
	}
	return v.dm.Insert(xid, wrapEntryRaw(xid, data))
}

// Delete marks the version at uid as deleted by xid. It returns false when
// the version is invisible to xid or xid already deleted it. A lock cycle
// or a competing committed delete auto-aborts the transaction and surfaces
// the error.
func (v *VM) Delete(xid, uid uint64) (bool, error) {
	t := v.tx(xid)
	if t.err != nil {
		return false, t.err
	}

	e, err := v.getEntry(uid)
	if errors.Is(err, ErrNullEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer e.release()

	if !visible(v.tm, t, e.xmin(), e.xmax()) {
		return false, nil
	}

	ch, err := v.lt.acquire(xid, uid)
	if err != nil {
		t.err = err
		v.internAbort(xid, true)
		t.autoAborted = true
		return false, t.err
	}
	if ch != nil {
		<-ch
	}

	if xmax := e.xmax(); xmax == xid {
		return false, nil
	} else if xmax != 0 && !v.tm.IsAborted(xmax) {
		// Someone else deleted the version between our visibility check
		// and the lock grant. An aborted deleter's stamp is void and is
		// simply overwritten.
		t.err = ErrConcurrentUpdate
		v.internAbort(xid, true)
		t.autoAborted = true
		return false, t.err
	}

	if err := e.setXmax(xid); err != nil {
		return false, err
	}
	return true, nil
}

// Commit finishes xid, making its effects durable and releasing its locks.
func (v *VM) Commit(xid uint64) error {
	t := v.tx(xid)
	if t.err != nil {
		return t.err
	}

	v.mutex.Lock()
	delete(v.active, xid)
	v.mutex.Unlock()

	// The status byte is durable before any waiter can take over our
	// locks and look at it.
	if err := v.tm.Commit(xid); err != nil {
		return err
	}
	v.lt.remove(xid)
	return nil
}

// Abort rolls xid back. Aborted versions stay on disk; visibility hides
// them through the transaction state.
func (v *VM) Abort(xid uint64) error {
	return v.internAbort(xid, false)
}

func (v *VM) internAbort(xid uint64, auto bool) error {
	v.mutex.Lock()
	t, ok := v.active[xid]
	if !ok {
		v.mutex.Unlock()
		panic(fmt.Sprintf("vm: abort of unknown transaction %d", xid))
	}
	if !auto {
		delete(v.active, xid)
	}
	v.mutex.Unlock()

	if t.autoAborted {
		return nil
	}
	if err := v.tm.Abort(xid); err != nil {
		return err
	}
	v.lt.remove(xid)
	return nil
}

func (v *VM) getEntry(uid uint64) (*entry, error) {
	obj, err := v.entries.Get(uid)
	if err != nil {
		return nil, err
	}
	return obj.(*entry), nil
}

func (v *VM) loadEntry(uid uint64) (interface{}, error) {
	di, err := v.dm.Read(uid)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, ErrNullEntry
	}
	return &entry{di: di, uid: uid, vm: v}, nil
}

func (v *VM) evictEntry(obj interface{}) {
	e := obj.(*entry)
	e.di.Release()
}
