package engine

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/keeldb/keel/parser"
	"github.com/keeldb/keel/storage/dm"
	"github.com/keeldb/keel/storage/tm"
	"github.com/keeldb/keel/storage/vm"
)

type testDB struct {
	path string
	tmgr *tm.TM
	dmgr *dm.DM
	eng  *Engine
}

func createTestDB(t *testing.T) (*testDB, func()) {
	t.Helper()

	dir, err := ioutil.TempDir("", "keel-engine-test")
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
	vmgr := vm.New(tmgr, dmgr)
	eng, err := Create(path, vmgr, dmgr)
	if err != nil {
		t.Fatalf("engine.Create() failed with %s", err)
	}

	db := &testDB{path: path, tmgr: tmgr, dmgr: dmgr, eng: eng}
	return db, func() {
		db.close()
		os.RemoveAll(dir)
	}
}

func (db *testDB) close() {
	if db.dmgr != nil {
		db.dmgr.Close()
		db.tmgr.Close()
		db.dmgr = nil
	}
}

func (db *testDB) reopen(t *testing.T) {
	t.Helper()
	db.close()

	tmgr, err := tm.Open(db.path)
	if err != nil {
		t.Fatalf("tm.Open() failed with %s", err)
	}
	dmgr, err := dm.Open(db.path, 1<<22, tmgr)
	if err != nil {
		t.Fatalf("dm.Open() failed with %s", err)
	}
	vmgr := vm.New(tmgr, dmgr)
	eng, err := Open(db.path, vmgr, dmgr)
	if err != nil {
		t.Fatalf("engine.Open() failed with %s", err)
	}
	db.tmgr, db.dmgr, db.eng = tmgr, dmgr, eng
}

// run executes one statement in its own committed transaction.
func (db *testDB) run(t *testing.T, sql string) []byte {
	t.Helper()

	res, err := db.exec(sql)
	if err != nil {
		t.Fatalf("%q failed with %s", sql, err)
	}
	return res
}

func (db *testDB) exec(sql string) ([]byte, error) {
	stmt, err := parser.Parse([]byte(sql))
	if err != nil {
		return nil, err
	}

	xid, _, err := db.eng.Begin(&parser.Begin{})
	if err != nil {
		return nil, err
	}

	var res []byte
	switch s := stmt.(type) {
	case *parser.Show:
		res, err = db.eng.Show(xid)
	case *parser.Create:
		res, err = db.eng.Create(xid, s)
	case *parser.Drop:
		res, err = db.eng.Drop(xid, s)
	case *parser.Insert:
		res, err = db.eng.Insert(xid, s)
	case *parser.Select:
		res, err = db.eng.Select(xid, s)
	case *parser.Update:
		res, err = db.eng.Update(xid, s)
	case *parser.Delete:
		res, err = db.eng.Delete(xid, s)
	}
	if err != nil {
		db.eng.Abort(xid)
		return nil, err
	}
	if _, err := db.eng.Commit(xid); err != nil {
		return nil, err
	}
	return res, nil
}

func TestCreateInsertSelect(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	res := db.run(t, "create table students name string, age int32, id int64 (index id)")
	if string(res) != "create students" {
		t.Errorf("create got %q", res)
	}

	db.run(t, "insert into students values 'zhang san' 22 5")
	db.run(t, "insert into students values 'li si' 18 6")

	out := string(db.run(t, "select * from students where id = 5"))
	if !strings.Contains(out, "zhang san") || !strings.Contains(out, "22") {
		t.Errorf("select got:\n%s", out)
	}
	if strings.Contains(out, "li si") {
		t.Errorf("select by id 5 also matched id 6:\n%s", out)
	}
	if !strings.Contains(out, "(1 rows)") {
		t.Errorf("select row count wrong:\n%s", out)
	}

	out = string(db.run(t, "select * from students"))
	if !strings.Contains(out, "(2 rows)") {
		t.Errorf("full select got:\n%s", out)
	}

	out = string(db.run(t, "select name from students where id > 4 and id < 6"))
	if !strings.Contains(out, "zhang san") || strings.Contains(out, "li si") {
		t.Errorf("range select got:\n%s", out)
	}

	out = string(db.run(t, "select * from students where id = 5 or id = 6"))
	if !strings.Contains(out, "(2 rows)") {
		t.Errorf("or select got:\n%s", out)
	}
}

func TestUpdateDelete(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	db.run(t, "create table counters name string, value int64 (index value)")
	if _, err := db.exec("insert into counters 'a' 1"); err == nil {
		t.Error("malformed insert did not fail")
	}
	db.run(t, "insert into counters values 'a' 1")
	db.run(t, "insert into counters values 'b' 2")

	res := db.run(t, "update counters set name = 'c' where value = 2")
	if string(res) != "update 1" {
		t.Errorf("update got %q", res)
	}
	out := string(db.run(t, "select * from counters where value = 2"))
	if !strings.Contains(out, "c") || strings.Contains(out, "b") {
		t.Errorf("select after update got:\n%s", out)
	}

	res = db.run(t, "delete from counters where value = 1")
	if string(res) != "delete 1" {
		t.Errorf("delete got %q", res)
	}
	out = string(db.run(t, "select * from counters where value > 0"))
	if !strings.Contains(out, "(1 rows)") {
		t.Errorf("select after delete got:\n%s", out)
	}
}

func TestErrors(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	db.run(t, "create table t a int32, b string (index a)")

	if _, err := db.exec("create table t a int32 (index a)"); !errors.Is(err, ErrDuplicatedTable) {
		t.Errorf("duplicate create got %v want ErrDuplicatedTable", err)
	}
	if _, err := db.exec("select * from missing"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("select from missing table got %v want ErrTableNotFound", err)
	}
	if _, err := db.exec("select * from t where b = 'x'"); !errors.Is(err, ErrFieldNotIndexed) {
		t.Errorf("where over unindexed field got %v want ErrFieldNotIndexed", err)
	}
	if _, err := db.exec("select * from t where c = 1"); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("where over unknown field got %v want ErrFieldNotFound", err)
	}
	if _, err := db.exec("insert into t values 1"); !errors.Is(err, ErrInvalidValues) {
		t.Errorf("short insert got %v want ErrInvalidValues", err)
	}
	if _, err := db.exec("insert into t values x 'y'"); !errors.Is(err, ErrInvalidValues) {
		t.Errorf("non-numeric int got %v want ErrInvalidValues", err)
	}
	if _, err := db.exec("create table u a int8 (index a)"); err == nil {
		t.Error("bad field type did not fail")
	}
	if _, err := db.exec("drop table missing"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("drop of missing table got %v want ErrTableNotFound", err)
	}
}

func TestShowAndDrop(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	db.run(t, "create table one a int32 (index a)")
	db.run(t, "create table two b int64 (index b)")

	out := string(db.run(t, "show"))
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Errorf("show got:\n%s", out)
	}
	if !strings.Contains(out, "(2 tables)") {
		t.Errorf("show table count wrong:\n%s", out)
	}

	res := db.run(t, "drop table one")
	if string(res) != "drop one" {
		t.Errorf("drop got %q", res)
	}
	out = string(db.run(t, "show"))
	if strings.Contains(out, "one") {
		t.Errorf("dropped table still shown:\n%s", out)
	}
	if _, err := db.exec("select * from one"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("select from dropped table got %v", err)
	}
}

func TestDurability(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	db.run(t, "create table notes id int64, text string (index id)")
	db.run(t, "insert into notes values 1 'first'")
	db.run(t, "insert into notes values 2 'second'")

	before := string(db.run(t, "select * from notes where id > 0"))

	db.reopen(t)

	after := string(db.run(t, "select * from notes where id > 0"))
	if before != after {
		t.Errorf("select differs across reopen:\n%s", diff.LineDiff(before, after))
	}
}

func TestStringIndex(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	db.run(t, "create table kv k string, v string (index k)")
	db.run(t, "insert into kv values alpha one")
	db.run(t, "insert into kv values beta two")

	out := string(db.run(t, "select v from kv where k = 'alpha'"))
	if !strings.Contains(out, "one") || strings.Contains(out, "two") {
		t.Errorf("string-key select got:\n%s", out)
	}
}
