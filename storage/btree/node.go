package btree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
)

// A node is a data item with a fixed payload:
// [isLeaf(1) | nkeys(2) | sibling(8) | (son(8), key(8)) x (2B+2)], B = 32.
// In a leaf the sons are the indexed uids; in an internal node each key is
// an exclusive upper bound for its son, with MaxInt64 as the rightmost
// sentinel. sibling chains split products left to right; 0 ends the chain.
const (
	ofIsLeaf   = 0
	ofNKeys    = 1
	ofSibling  = 3
	headerSize = 11

	balance  = 32
	nodeSize = headerSize + 2*8*(2*balance+2)
)

func setRawLeaf(raw []byte, isLeaf bool) {
	if isLeaf {
		raw[ofIsLeaf] = 1
	} else {
		raw[ofIsLeaf] = 0
	}
}

func rawLeaf(raw []byte) bool {
	return raw[ofIsLeaf] == 1
}

func setRawNKeys(raw []byte, n int) {
	binary.BigEndian.PutUint16(raw[ofNKeys:], uint16(n))
}

func rawNKeys(raw []byte) int {
	return int(binary.BigEndian.Uint16(raw[ofNKeys:]))
}

func setRawSibling(raw []byte, sibling uint64) {
	binary.BigEndian.PutUint64(raw[ofSibling:], sibling)
}

func rawSibling(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw[ofSibling:])
}

func setRawKthSon(raw []byte, son uint64, kth int) {
	binary.BigEndian.PutUint64(raw[headerSize+kth*16:], son)
}

func rawKthSon(raw []byte, kth int) uint64 {
	return binary.BigEndian.Uint64(raw[headerSize+kth*16:])
}

func setRawKthKey(raw []byte, key int64, kth int) {
	binary.BigEndian.PutUint64(raw[headerSize+kth*16+8:], uint64(key))
}

func rawKthKey(raw []byte, kth int) int64 {
	return int64(binary.BigEndian.Uint64(raw[headerSize+kth*16+8:]))
}

// copyRawFromKth moves the slots from kth onward into the head of to's
// slot area.
func copyRawFromKth(from, to []byte, kth int) {
	copy(to[headerSize:], from[headerSize+kth*16:nodeSize])
}

// shiftRawKth opens a hole at slot kth by moving the following slots one
// to the right.
func shiftRawKth(raw []byte, kth int) {
	begin := headerSize + (kth+1)*16
	for i := nodeSize - 1; i >= begin; i -= 1 {
		raw[i] = raw[i-16]
	}
}

func newRootRaw(left, right uint64, key int64) []byte {
	raw := make([]byte, nodeSize)
	setRawLeaf(raw, false)
	setRawNKeys(raw, 2)
	setRawSibling(raw, 0)
	setRawKthSon(raw, left, 0)
	setRawKthKey(raw, key, 0)
	setRawKthSon(raw, right, 1)
	setRawKthKey(raw, math.MaxInt64, 1)
	return raw
}

func newNilRootRaw() []byte {
	raw := make([]byte, nodeSize)
	setRawLeaf(raw, true)
	setRawNKeys(raw, 0)
	setRawSibling(raw, 0)
	return raw
}

type node struct {
	tree *Tree
	di   *dm.DataItem
	raw  []byte
	uid  uint64
}

func (t *Tree) loadNode(uid uint64) (*node, error) {
	di, err := t.dm.Read(uid)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, fmt.Errorf("btree: missing node %d", uid)
	}
	return &node{tree: t, di: di, raw: di.Data(), uid: uid}, nil
}

func (nd *node) release() {
	nd.di.Release()
}

func (nd *node) isLeaf() bool {
	nd.di.RLock()
	defer nd.di.RUnlock()
	return rawLeaf(nd.raw)
}

// searchNext finds the child to descend into for key: the son of the first
// slot whose key is strictly greater. If every key is smaller the caller
// must retry on the sibling.
func (nd *node) searchNext(key int64) (uid, sibling uint64) {
	nd.di.RLock()
	defer nd.di.RUnlock()

	n := rawNKeys(nd.raw)
	for i := 0; i < n; i += 1 {
		if key < rawKthKey(nd.raw, i) {
			return rawKthSon(nd.raw, i), 0
		}
	}
	return 0, rawSibling(nd.raw)
}

// leafSearchRange collects the uids with lo <= key <= hi in slot order. If
// the scan ran off the end of the leaf it returns the sibling so the caller
// continues there.
func (nd *node) leafSearchRange(lo, hi int64) (uids []uint64, sibling uint64) {
	nd.di.RLock()
	defer nd.di.RUnlock()

	n := rawNKeys(nd.raw)
	kth := 0
	for kth < n && rawKthKey(nd.raw, kth) < lo {
		kth += 1
	}
	for kth < n && rawKthKey(nd.raw, kth) <= hi {
		uids = append(uids, rawKthSon(nd.raw, kth))
		kth += 1
	}
	if kth == n {
		sibling = rawSibling(nd.raw)
	}
	return uids, sibling
}

// insertAndSplit inserts (uid, key) into this node under before/after. If
// the key belongs on a sibling produced by a concurrent split, sibling is
// returned and nothing was changed. A split returns the new node's uid and
// first key for the parent to absorb.
func (nd *node) insertAndSplit(uid uint64, key int64) (sibling, newSon uint64, newKey int64, err error) {
	nd.di.Before()

	if !nd.insert(uid, key) {
		sibling = rawSibling(nd.raw)
		nd.di.UnBefore()
		return sibling, 0, 0, nil
	}

	if nd.needSplit() {
		newSon, newKey, err = nd.split()
		if err != nil {
			nd.di.UnBefore()
			return 0, 0, 0, err
		}
	}
	if aerr := nd.di.After(tm.SuperXID); aerr != nil {
		return 0, 0, 0, aerr
	}
	return 0, newSon, newKey, nil
}

func (nd *node) insert(uid uint64, key int64) bool {
	n := rawNKeys(nd.raw)
	kth := 0
	for kth < n && rawKthKey(nd.raw, kth) < key {
		kth += 1
	}
	if kth == n && rawSibling(nd.raw) != 0 {
		return false
	}

	if rawLeaf(nd.raw) {
		shiftRawKth(nd.raw, kth)
		setRawKthKey(nd.raw, key, kth)
		setRawKthSon(nd.raw, uid, kth)
	} else {
		// The new child takes over the slot's old key; the slot's key is
		// lowered to the split key.
		kk := rawKthKey(nd.raw, kth)
		setRawKthKey(nd.raw, key, kth)
		shiftRawKth(nd.raw, kth+1)
		setRawKthKey(nd.raw, kk, kth+1)
		setRawKthSon(nd.raw, uid, kth+1)
	}
	setRawNKeys(nd.raw, n+1)
	return true
}

func (nd *node) needSplit() bool {
	return rawNKeys(nd.raw) == 2*balance
}

// split moves the upper half of the slots into a new node that inherits
// the sibling pointer; this node chains to it.
func (nd *node) split() (uint64, int64, error) {
	raw := make([]byte, nodeSize)
	setRawLeaf(raw, rawLeaf(nd.raw))
	setRawNKeys(raw, balance)
	setRawSibling(raw, rawSibling(nd.raw))
	copyRawFromKth(nd.raw, raw, balance)

	son, err := nd.tree.dm.Insert(tm.SuperXID, raw)
	if err != nil {
		return 0, 0, err
	}
	setRawNKeys(nd.raw, balance)
	setRawSibling(nd.raw, son)
	return son, rawKthKey(raw, 0), nil
}
