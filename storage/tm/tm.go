package tm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	// SuperXID is the transaction identifier used for internal structural
	// writes; it is treated as permanently committed.
	SuperXID = uint64(0)

	xidSuffix = ".xid"

	headerLen = 8

	statusActive    = byte(0)
	statusCommitted = byte(1)
	statusAborted   = byte(2)
)

var (
	ErrBadXIDFile = errors.New("tm: bad XID file")
	ErrFileExists = errors.New("tm: file already exists")
)

// Manager assigns transaction identifiers and persists their state.
type Manager interface {
	Begin() (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
	IsActive(xid uint64) bool
	IsCommitted(xid uint64) bool
	IsAborted(xid uint64) bool
	Close() error
}

// TM keeps one status byte per transaction in the XID file; the 8 byte
// header counts the issued xids. The header count never runs ahead of the
// written status bytes, so after a crash a torn tail byte reads as an xid
// that was never issued, and such xids are reported aborted.
type TM struct {
	mutex   sync.Mutex
	f       *os.File
	counter uint64
}

// Create initialises an empty XID file at path + ".xid".
func Create(path string) (*TM, error) {
	f, err := os.OpenFile(path+xidSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path+xidSuffix)
		}
		return nil, fmt.Errorf("tm: create: %w", err)
	}

	var hdr [headerLen]byte
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("tm: create: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("tm: create: %w", err)
	}
	return &TM{f: f}, nil
}

// Open validates and opens an existing XID file.
func Open(path string) (*TM, error) {
	f, err := os.OpenFile(path+xidSuffix, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("tm: open: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tm: open: %w", err)
	}
	if fi.Size() < headerLen {
		f.Close()
		return nil, ErrBadXIDFile
	}

	var hdr [headerLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("tm: open: %w", err)
	}
	counter := binary.LittleEndian.Uint64(hdr[:])

	// A status byte whose header increment was lost in a crash may trail
	// the counted region; it reads as aborted and is overwritten when the
	// xid is reissued. The counter overrunning the file is unrecoverable.
	if fi.Size() < int64(headerLen+counter) {
		f.Close()
		return nil, ErrBadXIDFile
	}

	return &TM{f: f, counter: counter}, nil
}

func statusOffset(xid uint64) int64 {
	return int64(headerLen + xid - 1)
}

// Begin issues the next xid, writing its active status byte and the
// incremented header count before returning.
func (t *TM) Begin() (uint64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	xid := t.counter + 1
	if _, err := t.f.WriteAt([]byte{statusActive}, statusOffset(xid)); err != nil {
		return 0, fmt.Errorf("tm: begin: %w", err)
	}

	var hdr [headerLen]byte
	binary.LittleEndian.PutUint64(hdr[:], xid)
	if _, err := t.f.WriteAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("tm: begin: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return 0, fmt.Errorf("tm: begin: %w", err)
	}
	t.counter = xid
	return xid, nil
}

func (t *TM) setStatus(xid uint64, status byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if xid == SuperXID || xid > t.counter {
		panic(fmt.Sprintf("tm: set status of unissued xid %d", xid))
	}
	if _, err := t.f.WriteAt([]byte{status}, statusOffset(xid)); err != nil {
		return fmt.Errorf("tm: set status: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("tm: set status: %w", err)
	}
	return nil
}

func (t *TM) Commit(xid uint64) error {
	return t.setStatus(xid, statusCommitted)
}

func (t *TM) Abort(xid uint64) error {
	return t.setStatus(xid, statusAborted)
}

func (t *TM) status(xid uint64) byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if xid > t.counter {
		return statusAborted
	}
	var buf [1]byte
	if _, err := t.f.ReadAt(buf[:], statusOffset(xid)); err != nil {
		panic(fmt.Sprintf("tm: read status of xid %d: %s", xid, err))
	}
	return buf[0]
}

func (t *TM) IsActive(xid uint64) bool {
	if xid == SuperXID {
		return false
	}
	return t.status(xid) == statusActive
}

func (t *TM) IsCommitted(xid uint64) bool {
	if xid == SuperXID {
		return true
	}
	return t.status(xid) == statusCommitted
}

func (t *TM) IsAborted(xid uint64) bool {
	if xid == SuperXID {
		return false
	}
	return t.status(xid) == statusAborted
}

func (t *TM) Close() error {
	return t.f.Close()
}
