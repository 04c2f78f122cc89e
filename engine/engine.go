package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/keeldb/keel/parser"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/vm"
)

var (
	ErrTableNotFound   = errors.New("engine: table not found")
	ErrDuplicatedTable = errors.New("engine: duplicated table")
)

// Manager is the table layer: it owns the catalog chained through the boot
// file and executes statements against it.
type Manager interface {
	Begin(stmt *parser.Begin) (uint64, []byte, error)
	Commit(xid uint64) ([]byte, error)
	Abort(xid uint64) ([]byte, error)
	Show(xid uint64) ([]byte, error)
	Create(xid uint64, stmt *parser.Create) ([]byte, error)
	Drop(xid uint64, stmt *parser.Drop) ([]byte, error)
	Insert(xid uint64, stmt *parser.Insert) ([]byte, error)
	Select(xid uint64, stmt *parser.Select) ([]byte, error)
	Update(xid uint64, stmt *parser.Update) ([]byte, error)
	Delete(xid uint64, stmt *parser.Delete) ([]byte, error)
}

type Engine struct {
	vm     vm.Manager
	dm     dm.Manager
	booter *booter

	mutex     sync.Mutex
	tables    map[string]*table
	xidTables map[uint64][]*table
}

var _ Manager = (*Engine)(nil)

// Create initialises the boot file for a new database.
func Create(path string, vmgr vm.Manager, dmgr dm.Manager) (*Engine, error) {
	bt, err := createBooter(path)
	if err != nil {
		return nil, err
	}
	if err := bt.update(encodeUint64(0)); err != nil {
		return nil, err
	}
	return newEngine(vmgr, dmgr, bt)
}

// Open loads the catalog of an existing database.
func Open(path string, vmgr vm.Manager, dmgr dm.Manager) (*Engine, error) {
	bt, err := openBooter(path)
	if err != nil {
		return nil, err
	}
	return newEngine(vmgr, dmgr, bt)
}

func newEngine(vmgr vm.Manager, dmgr dm.Manager, bt *booter) (*Engine, error) {
	eng := &Engine{
		vm:        vmgr,
		dm:        dmgr,
		booter:    bt,
		tables:    map[string]*table{},
		xidTables: map[uint64][]*table{},
	}
	if err := eng.loadTables(); err != nil {
		return nil, err
	}
	return eng, nil
}

func (eng *Engine) loadTables() error {
	uid, err := eng.firstTableUID()
	if err != nil {
		return err
	}
	for uid != 0 {
		tb, err := loadTable(eng, uid)
		if err != nil {
			return err
		}
		// The chain runs newest first; a dropped-and-recreated name keeps
		// its newest incarnation.
		if _, ok := eng.tables[tb.name]; !ok {
			eng.tables[tb.name] = tb
		}
		uid = tb.nextUID
	}
	log.WithField("tables", len(eng.tables)).Info("catalog loaded")
	return nil
}

func (eng *Engine) firstTableUID() (uint64, error) {
	raw, err := eng.booter.load()
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("engine: bad boot file length %d", len(raw))
	}
	return beUint64(raw), nil
}

func (eng *Engine) updateFirstTableUID(uid uint64) error {
	return eng.booter.update(encodeUint64(uid))
}

// Begin starts a transaction at the statement's isolation level.
func (eng *Engine) Begin(stmt *parser.Begin) (uint64, []byte, error) {
	level := vm.ReadCommitted
	if stmt.RepeatableRead {
		level = vm.RepeatableRead
	}
	xid, err := eng.vm.Begin(level)
	if err != nil {
		return 0, nil, err
	}
	return xid, []byte("begin"), nil
}

func (eng *Engine) Commit(xid uint64) ([]byte, error) {
	if err := eng.vm.Commit(xid); err != nil {
		return nil, err
	}

	eng.mutex.Lock()
	delete(eng.xidTables, xid)
	eng.mutex.Unlock()
	return []byte("commit"), nil
}

func (eng *Engine) Abort(xid uint64) ([]byte, error) {
	if err := eng.vm.Abort(xid); err != nil {
		return nil, err
	}

	// Tables created by the aborted transaction never became durable;
	// take them out of the catalog again.
	eng.mutex.Lock()
	for _, tb := range eng.xidTables[xid] {
		if cur, ok := eng.tables[tb.name]; ok && cur == tb {
			delete(eng.tables, tb.name)
		}
	}
	delete(eng.xidTables, xid)
	eng.mutex.Unlock()
	return []byte("abort"), nil
}

// Show renders the catalog.
func (eng *Engine) Show(xid uint64) ([]byte, error) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	var buf bytes.Buffer
	tw := tablewriter.NewWriter(&buf)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"table", "field", "type", "index"})
	for _, tb := range eng.tables {
		for _, fd := range tb.fields {
			indexed := "no"
			if fd.indexed() {
				indexed = "yes"
			}
			tw.Append([]string{tb.name, fd.name, fd.ftype, indexed})
		}
	}
	tw.Render()
	fmt.Fprintf(&buf, "(%d tables)", len(eng.tables))
	return buf.Bytes(), nil
}

func (eng *Engine) Create(xid uint64, stmt *parser.Create) ([]byte, error) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	if _, ok := eng.tables[stmt.Table]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatedTable, stmt.Table)
	}

	nextUID, err := eng.firstTableUID()
	if err != nil {
		return nil, err
	}
	tb, err := createTable(eng, nextUID, xid, stmt)
	if err != nil {
		return nil, err
	}
	if err := eng.updateFirstTableUID(tb.uid); err != nil {
		return nil, err
	}
	eng.tables[tb.name] = tb
	eng.xidTables[xid] = append(eng.xidTables[xid], tb)
	return []byte("create " + stmt.Table), nil
}

// Drop unlinks the table from the catalog; its rows and index nodes stay
// on disk.
func (eng *Engine) Drop(xid uint64, stmt *parser.Drop) ([]byte, error) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	if _, ok := eng.tables[stmt.Table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, stmt.Table)
	}
	delete(eng.tables, stmt.Table)
	return []byte("drop " + stmt.Table), nil
}

func (eng *Engine) table(name string) (*table, error) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	tb, ok := eng.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return tb, nil
}

func (eng *Engine) Insert(xid uint64, stmt *parser.Insert) ([]byte, error) {
	tb, err := eng.table(stmt.Table)
	if err != nil {
		return nil, err
	}
	if err := tb.insert(xid, stmt); err != nil {
		return nil, err
	}
	return []byte("insert"), nil
}

func (eng *Engine) Select(xid uint64, stmt *parser.Select) ([]byte, error) {
	tb, err := eng.table(stmt.Table)
	if err != nil {
		return nil, err
	}
	return tb.selectRows(xid, stmt)
}

func (eng *Engine) Update(xid uint64, stmt *parser.Update) ([]byte, error) {
	tb, err := eng.table(stmt.Table)
	if err != nil {
		return nil, err
	}
	count, err := tb.update(xid, stmt)
	if err != nil {
		return nil, err
	}
	return []byte("update " + strconv.Itoa(count)), nil
}

func (eng *Engine) Delete(xid uint64, stmt *parser.Delete) ([]byte, error) {
	tb, err := eng.table(stmt.Table)
	if err != nil {
		return nil, err
	}
	count, err := tb.delete(xid, stmt)
	if err != nil {
		return nil, err
	}
	return []byte("delete " + strconv.Itoa(count)), nil
}
