package btree

import (
	"io/ioutil"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	gbtree "github.com/google/btree"

	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
)

func newTestTree(t *testing.T) (*Tree, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "keel-btree-test")
	if err != nil {
		t.Fatalf("TempDir() failed with %s", err)
	}
	path := filepath.Join(dir, "testdb")

	tmgr, err := tm.Create(path)
	if err != nil {
		t.Fatalf("tm.Create() failed with %s", err)
	}
	dmgr, err := dm.Create(path, 1<<22, tmgr)
	if err != nil {
		t.Fatalf("dm.Create() failed with %s", err)
	}

	bootUID, err := Create(dmgr)
	if err != nil {
		t.Fatalf("Create() failed with %s", err)
	}
	tree, err := Load(bootUID, dmgr)
	if err != nil {
		t.Fatalf("Load() failed with %s", err)
	}
	return tree, func() {
		tree.Close()
		dmgr.Close()
		tmgr.Close()
		os.RemoveAll(dir)
	}
}

func TestEmptyTree(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	uids, err := tree.SearchRange(math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatalf("SearchRange() failed with %s", err)
	}
	if len(uids) != 0 {
		t.Errorf("empty tree returned %v", uids)
	}
}

func TestRootSplit(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	rootBefore := tree.rootUID()

	// 65 ascending inserts force the first leaf split and a new root.
	for i := 1; i <= 65; i += 1 {
		if err := tree.Insert(int64(i), uint64(i)*10); err != nil {
			t.Fatalf("Insert(%d) failed with %s", i, err)
		}
	}

	if tree.rootUID() == rootBefore {
		t.Error("boot item still points at the old root after the split")
	}
	root, err := tree.loadNode(tree.rootUID())
	if err != nil {
		t.Fatalf("loadNode(root) failed with %s", err)
	}
	if rawLeaf(root.raw) {
		t.Error("new root must be an internal node")
	}
	if n := rawNKeys(root.raw); n != 2 {
		t.Errorf("new root has %d keys want 2", n)
	}
	if k := rawKthKey(root.raw, 1); k != math.MaxInt64 {
		t.Errorf("rightmost root key got %d want MaxInt64", k)
	}
	root.release()

	uids, err := tree.SearchRange(math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatalf("SearchRange() failed with %s", err)
	}
	if len(uids) != 65 {
		t.Fatalf("full range got %d uids want 65", len(uids))
	}
	for i, uid := range uids {
		if uid != uint64(i+1)*10 {
			t.Fatalf("uid %d got %d want %d", i, uid, (i+1)*10)
		}
	}
}

func TestPointAndRange(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	for i := 0; i < 200; i += 2 {
		if err := tree.Insert(int64(i), uint64(i)); err != nil {
			t.Fatalf("Insert(%d) failed with %s", i, err)
		}
	}

	uids, err := tree.Search(42)
	if err != nil {
		t.Fatalf("Search(42) failed with %s", err)
	}
	if len(uids) != 1 || uids[0] != 42 {
		t.Errorf("Search(42) got %v", uids)
	}

	uids, err = tree.Search(43)
	if err != nil {
		t.Fatalf("Search(43) failed with %s", err)
	}
	if len(uids) != 0 {
		t.Errorf("Search(43) got %v want none", uids)
	}

	uids, err = tree.SearchRange(10, 20)
	if err != nil {
		t.Fatalf("SearchRange(10, 20) failed with %s", err)
	}
	want := []uint64{10, 12, 14, 16, 18, 20}
	if len(uids) != len(want) {
		t.Fatalf("SearchRange(10, 20) got %v want %v", uids, want)
	}
	for i := range want {
		if uids[i] != want[i] {
			t.Fatalf("SearchRange(10, 20) got %v want %v", uids, want)
		}
	}
}

func TestDuplicateKeys(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	for i := 0; i < 10; i += 1 {
		if err := tree.Insert(7, uint64(100+i)); err != nil {
			t.Fatalf("Insert(7) failed with %s", err)
		}
	}
	uids, err := tree.Search(7)
	if err != nil {
		t.Fatalf("Search(7) failed with %s", err)
	}
	if len(uids) != 10 {
		t.Errorf("Search(7) got %d uids want 10", len(uids))
	}
}

type oracleItem struct {
	key int64
	uid uint64
}

func (a oracleItem) Less(b gbtree.Item) bool {
	o := b.(oracleItem)
	if a.key != o.key {
		return a.key < o.key
	}
	return a.uid < o.uid
}

// TestAgainstOracle cross-checks a random workload against an in-memory
// btree.
func TestAgainstOracle(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	rng := rand.New(rand.NewSource(0x5eed))
	oracle := gbtree.New(8)

	for i := 0; i < 5000; i += 1 {
		key := int64(rng.Intn(1000))
		uid := uint64(i + 1)
		if err := tree.Insert(key, uid); err != nil {
			t.Fatalf("Insert(%d) failed with %s", key, err)
		}
		oracle.ReplaceOrInsert(oracleItem{key: key, uid: uid})
	}

	for trial := 0; trial < 50; trial += 1 {
		lo := int64(rng.Intn(1000))
		hi := lo + int64(rng.Intn(100))

		var want []uint64
		oracle.AscendGreaterOrEqual(oracleItem{key: lo},
			func(it gbtree.Item) bool {
				o := it.(oracleItem)
				if o.key > hi {
					return false
				}
				want = append(want, o.uid)
				return true
			})

		got, err := tree.SearchRange(lo, hi)
		if err != nil {
			t.Fatalf("SearchRange(%d, %d) failed with %s", lo, hi, err)
		}

		// Equal keys come back in insertion order from the tree; compare
		// as multisets.
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		if len(got) != len(want) {
			t.Fatalf("SearchRange(%d, %d) got %d uids want %d", lo, hi, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("SearchRange(%d, %d) mismatch at %d: got %d want %d",
					lo, hi, i, got[i], want[i])
			}
		}
	}
}
