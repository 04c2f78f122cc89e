package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	logSuffix = ".log"

	seed = 13331

	ofSize     = 0
	ofChecksum = ofSize + 4
	ofBody     = ofChecksum + 4
)

var (
	ErrBadLogFile = errors.New("wal: bad log file")
	ErrFileExists = errors.New("wal: file already exists")
)

// Log is the append only write-ahead log. The file starts with a 4 byte
// rolling checksum over every record; each record is
// [size(4) | checksum(4) | body(size)]. Append rewrites the header checksum
// and fsyncs before returning, so a record that Append acknowledged survives
// a crash.
type Log struct {
	mutex    sync.Mutex
	f        *os.File
	pos      int64 // iteration cursor
	fileSize int64
	xsum     uint32
}

func checksum(sum uint32, b []byte) uint32 {
	for _, c := range b {
		sum = sum*seed + uint32(c)
	}
	return sum
}

// Create initialises an empty log at path + ".log".
func Create(path string) (*Log, error) {
	f, err := os.OpenFile(path+logSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path+logSuffix)
		}
		return nil, fmt.Errorf("wal: create: %w", err)
	}

	var hdr [4]byte
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: create: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: create: %w", err)
	}
	return &Log{f: f, pos: 4, fileSize: 4}, nil
}

// Open opens an existing log and verifies it: the checksum of every valid
// record is folded together and compared with the stored header. A mismatch
// means the tail was torn by a crash; the file is truncated to the last good
// record boundary and the header is rewritten. A file shorter than the
// header is unrecoverable.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path+logSuffix, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	if fi.Size() < 4 {
		f.Close()
		return nil, ErrBadLogFile
	}

	var hdr [4]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	lg := &Log{
		f:        f,
		fileSize: fi.Size(),
		xsum:     binary.BigEndian.Uint32(hdr[:]),
	}

	lg.Rewind()
	sum := uint32(0)
	for {
		rec, err := lg.nextRecord()
		if err != nil {
			f.Close()
			return nil, err
		}
		if rec == nil {
			break
		}
		sum = checksum(sum, rec)
	}

	if sum != lg.xsum {
		// Torn tail: keep the records that verified and forget the rest.
		if err := lg.Truncate(lg.pos); err != nil {
			f.Close()
			return nil, err
		}
		lg.xsum = sum
		if err := lg.writeXChecksum(); err != nil {
			f.Close()
			return nil, err
		}
	} else if lg.pos != lg.fileSize {
		if err := lg.Truncate(lg.pos); err != nil {
			f.Close()
			return nil, err
		}
	}

	lg.Rewind()
	return lg, nil
}

func (lg *Log) writeXChecksum() error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], lg.xsum)
	if _, err := lg.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write checksum: %w", err)
	}
	if err := lg.f.Sync(); err != nil {
		return fmt.Errorf("wal: write checksum: %w", err)
	}
	return nil
}

func wrap(body []byte) []byte {
	rec := make([]byte, ofBody+len(body))
	binary.BigEndian.PutUint32(rec[ofSize:], uint32(len(body)))
	binary.BigEndian.PutUint32(rec[ofChecksum:], checksum(0, body))
	copy(rec[ofBody:], body)
	return rec
}

// Append writes body as the next record, folds it into the rolling
// checksum, rewrites the header, and fsyncs.
func (lg *Log) Append(body []byte) error {
	rec := wrap(body)

	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	if _, err := lg.f.WriteAt(rec, lg.fileSize); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	lg.fileSize += int64(len(rec))
	lg.xsum = checksum(lg.xsum, rec)
	return lg.writeXChecksum()
}

// nextRecord returns the full wrapped record at the cursor, or nil at the
// end. A record that fails its size or checksum validation ends iteration;
// it is the torn tail, not an error. Caller holds the mutex or is the only
// user (open-time verification).
func (lg *Log) nextRecord() ([]byte, error) {
	if lg.pos+ofBody > lg.fileSize {
		return nil, nil
	}
	var szBuf [4]byte
	if _, err := lg.f.ReadAt(szBuf[:], lg.pos); err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}
	size := int64(binary.BigEndian.Uint32(szBuf[:]))
	if lg.pos+ofBody+size > lg.fileSize {
		return nil, nil
	}

	rec := make([]byte, ofBody+size)
	if _, err := lg.f.ReadAt(rec, lg.pos); err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}
	if checksum(0, rec[ofBody:]) != binary.BigEndian.Uint32(rec[ofChecksum:ofBody]) {
		return nil, nil
	}
	lg.pos += int64(len(rec))
	return rec, nil
}

// Rewind resets the iteration cursor to the first record.
func (lg *Log) Rewind() {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	lg.pos = 4
}

// Next returns the body of the record at the cursor and advances, or nil at
// the end of the valid log.
func (lg *Log) Next() ([]byte, error) {
	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	rec, err := lg.nextRecord()
	if rec == nil || err != nil {
		return nil, err
	}
	return rec[ofBody:], nil
}

// Truncate sets the file length to size bytes.
func (lg *Log) Truncate(size int64) error {
	if err := lg.f.Truncate(size); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	lg.fileSize = size
	return nil
}

func (lg *Log) Close() error {
	if err := lg.f.Sync(); err != nil {
		lg.f.Close()
		return fmt.Errorf("wal: close: %w", err)
	}
	return lg.f.Close()
}
