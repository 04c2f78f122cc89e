package vm

import (
	"github.com/keeldb/keel/storage/tm"
)

// Isolation levels.
const (
	ReadCommitted  = 0
	RepeatableRead = 1
)

type transaction struct {
	xid   uint64
	level int

	// snapshot holds the xids that were active at begin; only repeatable
	// read transactions carry one.
	snapshot map[uint64]struct{}

	// err, once set, poisons the transaction: every later operation
	// returns it until the transaction is aborted.
	err error

	// autoAborted is set when the VM unilaterally aborted this
	// transaction (deadlock victim or concurrent update loser).
	autoAborted bool
}

func newTransaction(xid uint64, level int, active map[uint64]*transaction) *transaction {
	t := &transaction{xid: xid, level: level}
	if level == RepeatableRead {
		t.snapshot = map[uint64]struct{}{}
		for axid := range active {
			if axid == tm.SuperXID {
				continue
			}
			t.snapshot[axid] = struct{}{}
		}
	}
	return t
}

func (t *transaction) inSnapshot(xid uint64) bool {
	if xid == tm.SuperXID {
		return false
	}
	_, ok := t.snapshot[xid]
	return ok
}
