package vm

import (
	"errors"
	"testing"
	"time"
)

func TestLockTableGrantAndReentry(t *testing.T) {
	lt := newLockTable()

	ch, err := lt.acquire(1, 100)
	if err != nil || ch != nil {
		t.Fatalf("acquire(1, 100) got (%v, %v) want immediate grant", ch, err)
	}
	// Re-acquiring an owned lock is a no-op.
	ch, err = lt.acquire(1, 100)
	if err != nil || ch != nil {
		t.Fatalf("re-acquire got (%v, %v) want immediate grant", ch, err)
	}
}

func TestLockTableFIFO(t *testing.T) {
	lt := newLockTable()

	if _, err := lt.acquire(1, 100); err != nil {
		t.Fatalf("acquire(1) failed with %s", err)
	}

	ch2, err := lt.acquire(2, 100)
	if err != nil || ch2 == nil {
		t.Fatalf("acquire(2) got (%v, %v) want a wait channel", ch2, err)
	}
	ch3, err := lt.acquire(3, 100)
	if err != nil || ch3 == nil {
		t.Fatalf("acquire(3) got (%v, %v) want a wait channel", ch3, err)
	}

	// Waiters are served in arrival order.
	lt.remove(1)
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("xid 2 was not woken first")
	}
	select {
	case <-ch3:
		t.Fatal("xid 3 woken before xid 2 released")
	default:
	}

	lt.remove(2)
	select {
	case <-ch3:
	case <-time.After(time.Second):
		t.Fatal("xid 3 was not woken")
	}
	lt.remove(3)
}

func TestLockTableDeadlock(t *testing.T) {
	lt := newLockTable()

	if _, err := lt.acquire(1, 100); err != nil {
		t.Fatalf("acquire(1, 100) failed with %s", err)
	}
	if _, err := lt.acquire(2, 200); err != nil {
		t.Fatalf("acquire(2, 200) failed with %s", err)
	}

	ch, err := lt.acquire(2, 100)
	if err != nil || ch == nil {
		t.Fatalf("acquire(2, 100) got (%v, %v) want a wait channel", ch, err)
	}

	// 1 -> 200 (held by 2) -> 2 -> 100 (held by 1): a cycle.
	if _, err := lt.acquire(1, 200); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("acquire(1, 200) got %v want ErrDeadlock", err)
	}

	// The failed enqueue was undone: releasing 1 hands 100 to 2.
	lt.remove(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("xid 2 was not woken after the victim released")
	}
	lt.remove(2)
}
