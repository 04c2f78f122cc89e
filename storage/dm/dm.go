package dm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/keeldb/keel/storage/cache"
	"github.com/keeldb/keel/storage/page"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/wal"
)

var (
	ErrDataTooLarge = errors.New("dm: data too large")
	ErrDatabaseBusy = errors.New("dm: database busy")
)

// Manager is the data item layer: variable length items on slotted pages,
// addressed by uid, with write-ahead logging of every mutation.
type Manager interface {
	Read(uid uint64) (*DataItem, error)
	Insert(xid uint64, data []byte) (uint64, error)
	Close() error
}

type DM struct {
	tm      tm.Manager
	pc      *page.Cache
	lg      *wal.Log
	pidx    *pageIndex
	items   *cache.Cache
	pageOne *page.Page
}

var _ Manager = (*DM)(nil)

// Create initialises the data and log files for a new database.
func Create(path string, mem int64, tmgr tm.Manager) (*DM, error) {
	pc, err := page.Create(path, mem)
	if err != nil {
		return nil, err
	}
	lg, err := wal.Create(path)
	if err != nil {
		pc.Close()
		return nil, err
	}

	d := newDM(pc, lg, tmgr)
	if err := d.initPageOne(); err != nil {
		lg.Close()
		pc.Close()
		return nil, err
	}
	return d, nil
}

// Open opens an existing database, running crash recovery when the page 1
// marks show the last shutdown was not clean.
func Open(path string, mem int64, tmgr tm.Manager) (*DM, error) {
	pc, err := page.Open(path, mem)
	if err != nil {
		return nil, err
	}
	lg, err := wal.Open(path)
	if err != nil {
		pc.Close()
		return nil, err
	}

	d := newDM(pc, lg, tmgr)
	clean, err := d.loadCheckPageOne()
	if err != nil {
		lg.Close()
		pc.Close()
		return nil, err
	}
	if !clean {
		if err := recoverDB(tmgr, lg, pc); err != nil {
			lg.Close()
			pc.Close()
			return nil, err
		}
	}
	if err := d.fillPageIndex(); err != nil {
		lg.Close()
		pc.Close()
		return nil, err
	}

	page.SetOpenMark(d.pageOne)
	pc.FlushPage(d.pageOne)
	return d, nil
}

func newDM(pc *page.Cache, lg *wal.Log, tmgr tm.Manager) *DM {
	d := &DM{
		tm:   tmgr,
		pc:   pc,
		lg:   lg,
		pidx: &pageIndex{},
	}
	d.items = cache.New(0, d.loadItem, d.evictItem)
	return d
}

func (d *DM) initPageOne() error {
	pgno, err := d.pc.NewPage(page.OneInitRaw())
	if err != nil {
		return err
	}
	if pgno != 1 {
		panic(fmt.Sprintf("dm: page one allocated as page %d", pgno))
	}
	d.pageOne, err = d.pc.GetPage(1)
	if err != nil {
		return err
	}
	d.pc.FlushPage(d.pageOne)
	return nil
}

func (d *DM) loadCheckPageOne() (bool, error) {
	var err error
	d.pageOne, err = d.pc.GetPage(1)
	if err != nil {
		return false, err
	}
	return page.CleanShutdown(d.pageOne), nil
}

func (d *DM) fillPageIndex() error {
	for pgno := uint32(2); pgno <= d.pc.PageCount(); pgno += 1 {
		pg, err := d.pc.GetPage(pgno)
		if err != nil {
			return err
		}
		d.pidx.add(pgno, page.FreeSpace(pg))
		pg.Release()
	}
	return nil
}

// Read returns a pinned handle on the item at uid, or nil if the item has
// been deleted.
func (d *DM) Read(uid uint64) (*DataItem, error) {
	obj, err := d.items.Get(uid)
	if err != nil {
		return nil, err
	}
	di := obj.(*DataItem)
	if !di.Valid() {
		di.Release()
		return nil, nil
	}
	return di, nil
}

// Insert wraps data into item format and places it on a page with enough
// free space, logging the insert before the page is touched.
func (d *DM) Insert(xid uint64, data []byte) (uint64, error) {
	raw := wrapItemRaw(data)
	if len(raw) > page.MaxFreeSpace {
		return 0, ErrDataTooLarge
	}

	var info pageInfo
	found := false
	for i := 0; i < 5; i += 1 {
		info, found = d.pidx.selectPage(len(raw))
		if found {
			break
		}
		pgno, err := d.pc.NewPage(page.XInitRaw())
		if err != nil {
			return 0, err
		}
		d.pidx.add(pgno, page.MaxFreeSpace)
	}
	if !found {
		return 0, ErrDatabaseBusy
	}

	pg, err := d.pc.GetPage(info.pgno)
	if err != nil {
		// The descriptor was popped by selectPage; put it back so the
		// page's free space is not leaked.
		d.pidx.add(info.pgno, info.free)
		return 0, err
	}
	defer func() {
		d.pidx.add(info.pgno, page.FreeSpace(pg))
		pg.Release()
	}()

	if err := d.lg.Append(insertLogBody(xid, pg, raw)); err != nil {
		return 0, err
	}
	off := page.Insert(pg, raw)
	return Address(info.pgno, off), nil
}

// Close flushes the item cache, closes the log, stamps the clean shutdown
// mark on page 1, and closes the page cache.
func (d *DM) Close() error {
	d.items.Close()
	if err := d.lg.Close(); err != nil {
		return err
	}
	page.SetCloseMark(d.pageOne)
	d.pageOne.Release()
	return d.pc.Close()
}

func (d *DM) logItem(xid uint64, di *DataItem) error {
	return d.lg.Append(updateLogBody(xid, di))
}

func (d *DM) releaseItem(di *DataItem) {
	d.items.Release(di.uid)
}

func (d *DM) loadItem(uid uint64) (interface{}, error) {
	pgno, off := DecodeAddress(uid)
	pg, err := d.pc.GetPage(pgno)
	if err != nil {
		return nil, err
	}

	data := pg.Data()
	size := binary.BigEndian.Uint16(data[int(off)+ofSize:])
	end := int(off) + ofData + int(size)
	return &DataItem{
		pg:     pg,
		raw:    data[off:end],
		oldRaw: make([]byte, end-int(off)),
		uid:    uid,
		dm:     d,
	}, nil
}

func (d *DM) evictItem(obj interface{}) {
	di := obj.(*DataItem)
	di.pg.Release()
}
