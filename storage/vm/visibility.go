package vm

import (
	"github.com/keeldb/keel/storage/tm"
)

// visible decides whether the version (xmin, xmax) is visible to t.
//
// Read committed sees any committed-created version whose delete has not
// committed. Repeatable read additionally hides versions created by
// transactions that began after t or were active when t began, and treats
// such transactions' deletes as invisible. A version t created itself is
// visible while t has not deleted it; a delete pending by t itself does not
// hide a committed version from t.
func visible(tmgr tm.Manager, t *transaction, xmin, xmax uint64) bool {
	if xmin == t.xid && xmax == 0 {
		return true
	}

	if !tmgr.IsCommitted(xmin) {
		return false
	}
	if t.level == RepeatableRead && (xmin >= t.xid || t.inSnapshot(xmin)) {
		return false
	}

	if xmax == 0 || xmax == t.xid {
		return true
	}
	if !tmgr.IsCommitted(xmax) {
		return true
	}
	if t.level == RepeatableRead && (xmax > t.xid || t.inSnapshot(xmax)) {
		return true
	}
	return false
}
