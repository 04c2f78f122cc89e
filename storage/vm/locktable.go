package vm

import (
	"errors"
	"sync"
)

var ErrDeadlock = errors.New("vm: deadlock")

// lockTable serialises writers on the same uid. Waiters queue FIFO per uid
// and park on a per-xid channel; releasing a lock transfers ownership to
// the first waiter before waking it. Every mutation of the table happens
// under one mutex, so deadlock detection is a plain DFS over the wait-for
// graph at enqueue time; the requester whose enqueue closes a cycle is the
// victim.
type lockTable struct {
	mutex  sync.Mutex
	locked map[uint64]uint64        // uid -> holder xid
	held   map[uint64][]uint64      // xid -> held uids
	waits  map[uint64]uint64        // xid -> uid whose holder it waits on
	waited map[uint64][]uint64      // uid -> FIFO of waiting xids
	wake   map[uint64]chan struct{} // xid -> wake channel

	stamps map[uint64]int
	stamp  int
}

func newLockTable() *lockTable {
	return &lockTable{
		locked: map[uint64]uint64{},
		held:   map[uint64][]uint64{},
		waits:  map[uint64]uint64{},
		waited: map[uint64][]uint64{},
		wake:   map[uint64]chan struct{}{},
	}
}

// acquire requests the write lock on uid for xid. A nil channel means the
// lock was granted immediately; otherwise the caller must receive from the
// channel, after which it owns the lock. ErrDeadlock means the request
// would close a cycle; the enqueue has been undone.
func (lt *lockTable) acquire(xid, uid uint64) (<-chan struct{}, error) {
	lt.mutex.Lock()
	defer lt.mutex.Unlock()

	holder, ok := lt.locked[uid]
	if !ok {
		lt.locked[uid] = xid
		lt.held[xid] = append(lt.held[xid], uid)
		return nil, nil
	}
	if holder == xid {
		return nil, nil
	}

	lt.waited[uid] = append(lt.waited[uid], xid)
	lt.waits[xid] = uid
	if lt.hasDeadlock() {
		q := lt.waited[uid]
		lt.waited[uid] = q[:len(q)-1]
		delete(lt.waits, xid)
		return nil, ErrDeadlock
	}

	ch := make(chan struct{})
	lt.wake[xid] = ch
	return ch, nil
}

// remove releases every lock held by xid, handing each to its first
// waiter.
func (lt *lockTable) remove(xid uint64) {
	lt.mutex.Lock()
	defer lt.mutex.Unlock()

	for _, uid := range lt.held[xid] {
		lt.grantNext(uid)
	}
	delete(lt.held, xid)
	delete(lt.waits, xid)
}

// grantNext transfers uid's lock to its first waiter, if any, and wakes
// it. Caller holds the mutex.
func (lt *lockTable) grantNext(uid uint64) {
	delete(lt.locked, uid)

	q := lt.waited[uid]
	if len(q) == 0 {
		delete(lt.waited, uid)
		return
	}
	next := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(lt.waited, uid)
	} else {
		lt.waited[uid] = q
	}

	lt.locked[uid] = next
	lt.held[next] = append(lt.held[next], uid)
	delete(lt.waits, next)
	close(lt.wake[next])
	delete(lt.wake, next)
}

func (lt *lockTable) hasDeadlock() bool {
	lt.stamps = map[uint64]int{}
	lt.stamp = 1
	for _, xid := range lt.locked {
		if lt.stamps[xid] > 0 {
			continue
		}
		lt.stamp += 1
		if lt.dfs(xid) {
			return true
		}
	}
	return false
}

func (lt *lockTable) dfs(xid uint64) bool {
	stp := lt.stamps[xid]
	if stp == lt.stamp {
		return true
	}
	if stp > 0 && stp < lt.stamp {
		return false
	}
	lt.stamps[xid] = lt.stamp

	uid, ok := lt.waits[xid]
	if !ok {
		return false
	}
	holder, ok := lt.locked[uid]
	if !ok {
		return false
	}
	return lt.dfs(holder)
}
