package btree

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
)

// Tree is a concurrent, copy-on-split B+-tree stored as data items. The
// only mutable pointer is the root uid held in the boot item; everything
// else is reached through immutable child references and sibling chains,
// so readers never see a dangling pointer across a split. All structural
// writes run under the super xid and are therefore always visible.
type Tree struct {
	dm      dm.Manager
	bootUID uint64
	bootDI  *dm.DataItem

	// bootMutex guards rewrites of the root pointer.
	bootMutex sync.Mutex
}

// Create inserts an empty leaf and a boot item pointing at it, returning
// the boot item's uid.
func Create(dmgr dm.Manager) (uint64, error) {
	rootUID, err := dmgr.Insert(tm.SuperXID, newNilRootRaw())
	if err != nil {
		return 0, err
	}
	boot := make([]byte, 8)
	binary.BigEndian.PutUint64(boot, rootUID)
	return dmgr.Insert(tm.SuperXID, boot)
}

// Load pins the boot item and returns a handle on the tree.
func Load(bootUID uint64, dmgr dm.Manager) (*Tree, error) {
	di, err := dmgr.Read(bootUID)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, fmt.Errorf("btree: missing boot item %d", bootUID)
	}
	return &Tree{dm: dmgr, bootUID: bootUID, bootDI: di}, nil
}

// Close releases the boot item.
func (t *Tree) Close() {
	t.bootDI.Release()
}

func (t *Tree) rootUID() uint64 {
	t.bootMutex.Lock()
	defer t.bootMutex.Unlock()
	return binary.BigEndian.Uint64(t.bootDI.Data())
}

// updateRootUID writes a fresh root with the old root and the new split
// product as its children, then swings the boot item to it.
func (t *Tree) updateRootUID(left, right uint64, rightKey int64) error {
	t.bootMutex.Lock()
	defer t.bootMutex.Unlock()

	newRootUID, err := t.dm.Insert(tm.SuperXID, newRootRaw(left, right, rightKey))
	if err != nil {
		return err
	}
	t.bootDI.Before()
	binary.BigEndian.PutUint64(t.bootDI.Data(), newRootUID)
	return t.bootDI.After(tm.SuperXID)
}

// searchNext hops right along siblings until a node claims key.
func (t *Tree) searchNext(nodeUID uint64, key int64) (uint64, error) {
	for {
		nd, err := t.loadNode(nodeUID)
		if err != nil {
			return 0, err
		}
		uid, sibling := nd.searchNext(key)
		nd.release()
		if uid != 0 {
			return uid, nil
		}
		nodeUID = sibling
	}
}

// searchLeaf descends from nodeUID to the leaf that covers key.
func (t *Tree) searchLeaf(nodeUID uint64, key int64) (uint64, error) {
	for {
		nd, err := t.loadNode(nodeUID)
		if err != nil {
			return 0, err
		}
		isLeaf := nd.isLeaf()
		nd.release()
		if isLeaf {
			return nodeUID, nil
		}
		nodeUID, err = t.searchNext(nodeUID, key)
		if err != nil {
			return 0, err
		}
	}
}

// Search returns the uids stored under key.
func (t *Tree) Search(key int64) ([]uint64, error) {
	return t.SearchRange(key, key)
}

// SearchRange returns the uids with lo <= key <= hi, in key order.
func (t *Tree) SearchRange(lo, hi int64) ([]uint64, error) {
	// Copies of lo can sit left of a split boundary whose key is lo, so the
	// descent starts just below lo.
	start := lo
	if start > math.MinInt64 {
		start -= 1
	}
	leafUID, err := t.searchLeaf(t.rootUID(), start)
	if err != nil {
		return nil, err
	}

	var uids []uint64
	for {
		leaf, err := t.loadNode(leafUID)
		if err != nil {
			return nil, err
		}
		found, sibling := leaf.leafSearchRange(lo, hi)
		leaf.release()
		uids = append(uids, found...)
		if sibling == 0 {
			return uids, nil
		}
		leafUID = sibling
	}
}

// Insert adds (key, uid); duplicate keys are allowed.
func (t *Tree) Insert(key int64, uid uint64) error {
	rootUID := t.rootUID()

	// Descend to the leaf, remembering the internal nodes on the way so
	// that split products can be absorbed on the way back up.
	var path []uint64
	nodeUID := rootUID
	for {
		nd, err := t.loadNode(nodeUID)
		if err != nil {
			return err
		}
		isLeaf := nd.isLeaf()
		nd.release()
		if isLeaf {
			break
		}
		path = append(path, nodeUID)
		nodeUID, err = t.searchNext(nodeUID, key)
		if err != nil {
			return err
		}
	}

	newNode, newKey, err := t.insertAndSplit(nodeUID, uid, key)
	if err != nil {
		return err
	}
	for i := len(path) - 1; i >= 0 && newNode != 0; i -= 1 {
		newNode, newKey, err = t.insertAndSplit(path[i], newNode, newKey)
		if err != nil {
			return err
		}
	}

	if newNode != 0 {
		return t.updateRootUID(rootUID, newNode, newKey)
	}
	return nil
}

// insertAndSplit performs the modifying hop: the target node may have split
// since it was chosen, in which case the insert chases the sibling chain.
func (t *Tree) insertAndSplit(nodeUID, uid uint64, key int64) (uint64, int64, error) {
	for {
		nd, err := t.loadNode(nodeUID)
		if err != nil {
			return 0, 0, err
		}
		sibling, newSon, newKey, err := nd.insertAndSplit(uid, key)
		nd.release()
		if err != nil {
			return 0, 0, err
		}
		if sibling != 0 {
			nodeUID = sibling
			continue
		}
		return newSon, newKey, nil
	}
}
