package vm

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
)

func newTestVM(t *testing.T) (*VM, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "keel-vm-test")
	if err != nil {
		t.Fatalf("TempDir() failed with %s", err)
	}
	path := filepath.Join(dir, "testdb")

	tmgr, err := tm.Create(path)
	if err != nil {
		t.Fatalf("tm.Create() failed with %s", err)
	}
	dmgr, err := dm.Create(path, 1<<20, tmgr)
	if err != nil {
		t.Fatalf("dm.Create() failed with %s", err)
	}
	v := New(tmgr, dmgr)
	return v, func() {
		dmgr.Close()
		tmgr.Close()
		os.RemoveAll(dir)
	}
}

func TestInsertReadDelete(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	xid, err := v.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}

	uid, err := v.Insert(xid, []byte("row one"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}

	got, err := v.Read(xid, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if !bytes.Equal(got, []byte("row one")) {
		t.Errorf("Read() got %q want %q", got, "row one")
	}

	ok, err := v.Delete(xid, uid)
	if err != nil {
		t.Fatalf("Delete() failed with %s", err)
	}
	if !ok {
		t.Fatal("Delete() of a visible row got false")
	}

	// A delete by the same xid is idempotent.
	ok, err = v.Delete(xid, uid)
	if err != nil {
		t.Fatalf("second Delete() failed with %s", err)
	}
	if ok {
		t.Error("second Delete() by same xid got true")
	}

	if err := v.Commit(xid); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	// Committed delete hides the row from later transactions.
	xid2, _ := v.Begin(ReadCommitted)
	got, err = v.Read(xid2, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if got != nil {
		t.Errorf("Read() after committed delete got %q want nil", got)
	}
	v.Commit(xid2)
}

func TestUncommittedInvisible(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	writer, _ := v.Begin(ReadCommitted)
	reader, _ := v.Begin(ReadCommitted)

	uid, err := v.Insert(writer, []byte("pending"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}

	got, err := v.Read(reader, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if got != nil {
		t.Error("uncommitted insert must be invisible to another transaction")
	}

	if err := v.Commit(writer); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	// Read committed sees it as soon as the writer commits.
	got, err = v.Read(reader, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if !bytes.Equal(got, []byte("pending")) {
		t.Errorf("Read() after commit got %q", got)
	}
	v.Commit(reader)
}

func TestAbortHidesInsert(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	xid, _ := v.Begin(ReadCommitted)
	uid, err := v.Insert(xid, []byte("doomed"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if err := v.Abort(xid); err != nil {
		t.Fatalf("Abort() failed with %s", err)
	}

	reader, _ := v.Begin(ReadCommitted)
	got, err := v.Read(reader, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if got != nil {
		t.Error("aborted insert must be invisible")
	}
	v.Commit(reader)
}

func TestRepeatableRead(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	setup, _ := v.Begin(ReadCommitted)
	uid, err := v.Insert(setup, []byte("v1"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if err := v.Commit(setup); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	t1, _ := v.Begin(RepeatableRead)
	first, err := v.Read(t1, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}

	// A transaction that begins and commits while t1 runs stays
	// invisible to t1.
	t2, _ := v.Begin(ReadCommitted)
	newUID, err := v.Insert(t2, []byte("late"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if ok, err := v.Delete(t2, uid); err != nil || !ok {
		t.Fatalf("Delete() failed with (%v, %v)", ok, err)
	}
	if err := v.Commit(t2); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	second, err := v.Read(t1, uid)
	if err != nil {
		t.Fatalf("Read() failed with %s", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("repeated read changed: %q then %q", first, second)
	}
	if got, _ := v.Read(t1, newUID); got != nil {
		t.Error("late insert must be invisible to repeatable read")
	}

	// A read committed transaction sees the new state.
	t3, _ := v.Begin(ReadCommitted)
	if got, _ := v.Read(t3, uid); got != nil {
		t.Error("deleted row visible to read committed")
	}
	if got, _ := v.Read(t3, newUID); !bytes.Equal(got, []byte("late")) {
		t.Errorf("late insert got %q", got)
	}
	v.Commit(t3)
	v.Commit(t1)
}

func TestDeadlock(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	setup, _ := v.Begin(ReadCommitted)
	u1, err := v.Insert(setup, []byte("u1"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	u2, err := v.Insert(setup, []byte("u2"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if err := v.Commit(setup); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	t1, _ := v.Begin(ReadCommitted)
	t2, _ := v.Begin(ReadCommitted)

	if ok, err := v.Delete(t1, u1); err != nil || !ok {
		t.Fatalf("t1 Delete(u1) failed with (%v, %v)", ok, err)
	}
	if ok, err := v.Delete(t2, u2); err != nil || !ok {
		t.Fatalf("t2 Delete(u2) failed with (%v, %v)", ok, err)
	}

	// t2 blocks on u1's lock; t1 then closes the cycle and is the
	// victim.
	done := make(chan error, 1)
	go func() {
		_, err := v.Delete(t2, u1)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := v.Delete(t1, u2); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("t1 Delete(u2) got %v want ErrDeadlock", err)
	}

	// t1 was auto-aborted: the poison error persists and commit fails.
	if _, err := v.Read(t1, u1); err == nil {
		t.Error("poisoned transaction must refuse further work")
	}
	if err := v.Commit(t1); err == nil {
		t.Error("Commit() of deadlock victim must fail")
	}
	if err := v.Abort(t1); err != nil {
		t.Fatalf("Abort() of victim failed with %s", err)
	}

	// t1's abort released u1, so t2's delete proceeds and t2 commits.
	if err := <-done; err != nil {
		t.Fatalf("t2 Delete(u1) failed with %s", err)
	}
	if err := v.Commit(t2); err != nil {
		t.Fatalf("t2 Commit() failed with %s", err)
	}
}

func TestConcurrentUpdate(t *testing.T) {
	v, cleanup := newTestVM(t)
	defer cleanup()

	setup, _ := v.Begin(ReadCommitted)
	uid, err := v.Insert(setup, []byte("contested"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if err := v.Commit(setup); err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	t1, _ := v.Begin(ReadCommitted)
	t2, _ := v.Begin(ReadCommitted)

	if ok, err := v.Delete(t1, uid); err != nil || !ok {
		t.Fatalf("t1 Delete() failed with (%v, %v)", ok, err)
	}

	// t2 saw the version before t1's delete, then loses the race: it
	// blocks on the lock, and after t1 commits it finds xmax set.
	done := make(chan error, 1)
	go func() {
		_, err := v.Delete(t2, uid)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	if err := v.Commit(t1); err != nil {
		t.Fatalf("t1 Commit() failed with %s", err)
	}

	if err := <-done; !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("t2 Delete() got %v want ErrConcurrentUpdate", err)
	}
	if err := v.Abort(t2); err != nil {
		t.Fatalf("Abort() of loser failed with %s", err)
	}
}
