package dm

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/keeldb/keel/storage/page"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/wal"
)

// WAL record bodies, discriminated by the first byte:
//
//	INSERT: [0 | xid(8) | pgno(4) | off(2) | item raw]
//	UPDATE: [1 | xid(8) | uid(8) | old raw | new raw]
const (
	logInsert = byte(0)
	logUpdate = byte(1)

	ofLogXID = 1

	ofInsertPgno = ofLogXID + 8
	ofInsertOff  = ofInsertPgno + 4
	ofInsertRaw  = ofInsertOff + 2

	ofUpdateUID = ofLogXID + 8
	ofUpdateRaw = ofUpdateUID + 8
)

func insertLogBody(xid uint64, pg *page.Page, raw []byte) []byte {
	body := make([]byte, ofInsertRaw+len(raw))
	body[0] = logInsert
	binary.BigEndian.PutUint64(body[ofLogXID:], xid)
	binary.BigEndian.PutUint32(body[ofInsertPgno:], pg.No())
	binary.BigEndian.PutUint16(body[ofInsertOff:], page.FSO(pg))
	copy(body[ofInsertRaw:], raw)
	return body
}

func updateLogBody(xid uint64, di *DataItem) []byte {
	body := make([]byte, ofUpdateRaw+2*len(di.raw))
	body[0] = logUpdate
	binary.BigEndian.PutUint64(body[ofLogXID:], xid)
	binary.BigEndian.PutUint64(body[ofUpdateUID:], di.uid)
	copy(body[ofUpdateRaw:], di.oldRaw)
	copy(body[ofUpdateRaw+len(di.raw):], di.raw)
	return body
}

type insertRec struct {
	xid  uint64
	pgno uint32
	off  uint16
	raw  []byte
}

type updateRec struct {
	xid    uint64
	pgno   uint32
	off    uint16
	oldRaw []byte
	newRaw []byte
}

func isInsertLog(body []byte) bool {
	return body[0] == logInsert
}

func parseInsertLog(body []byte) insertRec {
	return insertRec{
		xid:  binary.BigEndian.Uint64(body[ofLogXID:]),
		pgno: binary.BigEndian.Uint32(body[ofInsertPgno:]),
		off:  binary.BigEndian.Uint16(body[ofInsertOff:]),
		raw:  body[ofInsertRaw:],
	}
}

func parseUpdateLog(body []byte) updateRec {
	uid := binary.BigEndian.Uint64(body[ofUpdateUID:])
	pgno, off := DecodeAddress(uid)
	length := (len(body) - ofUpdateRaw) / 2
	return updateRec{
		xid:    binary.BigEndian.Uint64(body[ofLogXID:]),
		pgno:   pgno,
		off:    off,
		oldRaw: body[ofUpdateRaw : ofUpdateRaw+length],
		newRaw: body[ofUpdateRaw+length : ofUpdateRaw+2*length],
	}
}

func logPgno(body []byte) uint32 {
	if isInsertLog(body) {
		return parseInsertLog(body).pgno
	}
	return parseUpdateLog(body).pgno
}

func logXID(body []byte) uint64 {
	return binary.BigEndian.Uint64(body[ofLogXID:])
}

// recoverDB replays the WAL after an unclean shutdown. First pass: find
// the highest page any record touched and truncate the data file there,
// discarding half-written pages nothing was logged for. Second pass (REDO):
// reapply every record of a non-active xid in file order. Third pass
// (UNDO): apply the inverse of every active xid's records in reverse order
// and mark those xids aborted.
func recoverDB(tmgr tm.Manager, lg *wal.Log, pc *page.Cache) error {
	log.Info("recovering database")

	lg.Rewind()
	maxPgno := uint32(0)
	for {
		body, err := lg.Next()
		if err != nil {
			return err
		}
		if body == nil {
			break
		}
		if pgno := logPgno(body); pgno > maxPgno {
			maxPgno = pgno
		}
	}
	if maxPgno == 0 {
		maxPgno = 1
	}
	if err := pc.TruncateTo(maxPgno); err != nil {
		return err
	}
	log.WithField("pages", maxPgno).Info("truncated data file")

	if err := redo(tmgr, lg, pc); err != nil {
		return err
	}
	if err := undo(tmgr, lg, pc); err != nil {
		return err
	}
	log.Info("recovery done")
	return nil
}

func redo(tmgr tm.Manager, lg *wal.Log, pc *page.Cache) error {
	lg.Rewind()
	for {
		body, err := lg.Next()
		if err != nil {
			return err
		}
		if body == nil {
			return nil
		}
		if tmgr.IsActive(logXID(body)) {
			continue
		}
		if isInsertLog(body) {
			rec := parseInsertLog(body)
			err = applyInsert(pc, rec, false)
		} else {
			rec := parseUpdateLog(body)
			err = applyUpdate(pc, rec.pgno, rec.off, rec.newRaw)
		}
		if err != nil {
			return err
		}
	}
}

func undo(tmgr tm.Manager, lg *wal.Log, pc *page.Cache) error {
	undoLogs := map[uint64][][]byte{}
	lg.Rewind()
	for {
		body, err := lg.Next()
		if err != nil {
			return err
		}
		if body == nil {
			break
		}
		if xid := logXID(body); tmgr.IsActive(xid) {
			undoLogs[xid] = append(undoLogs[xid], body)
		}
	}

	for xid, bodies := range undoLogs {
		for i := len(bodies) - 1; i >= 0; i -= 1 {
			body := bodies[i]
			var err error
			if isInsertLog(body) {
				rec := parseInsertLog(body)
				err = applyInsert(pc, rec, true)
			} else {
				rec := parseUpdateLog(body)
				err = applyUpdate(pc, rec.pgno, rec.off, rec.oldRaw)
			}
			if err != nil {
				return err
			}
		}
		if err := tmgr.Abort(xid); err != nil {
			return err
		}
		log.WithField("xid", xid).Info("undid active transaction")
	}
	return nil
}

func applyInsert(pc *page.Cache, rec insertRec, invalidate bool) error {
	pg, err := pc.GetPage(rec.pgno)
	if err != nil {
		return fmt.Errorf("dm: recover insert: %w", err)
	}
	defer pg.Release()

	raw := rec.raw
	if invalidate {
		raw = append([]byte(nil), raw...)
		setItemRawInvalid(raw)
	}
	page.RecoverInsert(pg, raw, rec.off)
	return nil
}

func applyUpdate(pc *page.Cache, pgno uint32, off uint16, raw []byte) error {
	pg, err := pc.GetPage(pgno)
	if err != nil {
		return fmt.Errorf("dm: recover update: %w", err)
	}
	defer pg.Release()

	page.RecoverUpdate(pg, raw, off)
	return nil
}
