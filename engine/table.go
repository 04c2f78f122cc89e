package engine

import (
	"bytes"
	"fmt"
	"math"

	"github.com/olekukonko/tablewriter"

	"github.com/keeldb/keel/parser"
	"github.com/keeldb/keel/storage/tm"
)

// table is one relation, persisted through the VM as
// [name(string) | nextUID(8) | fieldUID(8)...]. Tables chain through
// nextUID, newest first; the boot file points at the head of the chain.
type table struct {
	eng     *Engine
	uid     uint64
	name    string
	nextUID uint64
	fields  []*field
}

func loadTable(eng *Engine, uid uint64) (*table, error) {
	raw, err := eng.vm.Read(tm.SuperXID, uid)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("engine: missing table record %d", uid)
	}

	tb := &table{eng: eng, uid: uid}
	pos := 0
	tb.name, pos, err = decodeStringAt(raw, pos)
	if err != nil {
		return nil, err
	}
	if len(raw) < pos+8 {
		return nil, errShortRecord
	}
	tb.nextUID = beUint64(raw[pos:])
	pos += 8

	for pos < len(raw) {
		if len(raw) < pos+8 {
			return nil, errShortRecord
		}
		fd, err := loadField(tb, beUint64(raw[pos:]))
		if err != nil {
			return nil, err
		}
		tb.fields = append(tb.fields, fd)
		pos += 8
	}
	return tb, nil
}

func createTable(eng *Engine, nextUID, xid uint64, stmt *parser.Create) (*table, error) {
	tb := &table{eng: eng, name: stmt.Table, nextUID: nextUID}

	for i, name := range stmt.Fields {
		indexed := false
		for _, idx := range stmt.Indexes {
			if idx == name {
				indexed = true
				break
			}
		}
		fd, err := createField(tb, xid, name, stmt.Types[i], indexed)
		if err != nil {
			return nil, err
		}
		tb.fields = append(tb.fields, fd)
	}

	raw := encodeString(tb.name)
	raw = append(raw, encodeUint64(tb.nextUID)...)
	for _, fd := range tb.fields {
		raw = append(raw, encodeUint64(fd.uid)...)
	}

	uid, err := eng.vm.Insert(xid, raw)
	if err != nil {
		return nil, err
	}
	tb.uid = uid
	return tb, nil
}

func (tb *table) insert(xid uint64, stmt *parser.Insert) error {
	row, err := tb.stringsToRow(stmt.Values)
	if err != nil {
		return err
	}
	uid, err := tb.eng.vm.Insert(xid, tb.rowToRaw(row))
	if err != nil {
		return err
	}
	return tb.indexRow(row, uid)
}

func (tb *table) indexRow(row map[string]interface{}, uid uint64) error {
	for _, fd := range tb.fields {
		if !fd.indexed() {
			continue
		}
		if err := fd.insertIndex(row[fd.name], uid); err != nil {
			return err
		}
	}
	return nil
}

func (tb *table) delete(xid uint64, stmt *parser.Delete) (int, error) {
	uids, err := tb.parseWhere(stmt.Where)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, uid := range uids {
		ok, err := tb.eng.vm.Delete(xid, uid)
		if err != nil {
			return 0, err
		}
		if ok {
			count += 1
		}
	}
	return count, nil
}

func (tb *table) update(xid uint64, stmt *parser.Update) (int, error) {
	uids, err := tb.parseWhere(stmt.Where)
	if err != nil {
		return 0, err
	}

	var fd *field
	for _, f := range tb.fields {
		if f.name == stmt.Field {
			fd = f
			break
		}
	}
	if fd == nil {
		return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, stmt.Field)
	}
	value, err := fd.stringToValue(stmt.Value)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, uid := range uids {
		raw, err := tb.eng.vm.Read(xid, uid)
		if err != nil {
			return 0, err
		}
		if raw == nil {
			continue
		}

		if _, err := tb.eng.vm.Delete(xid, uid); err != nil {
			return 0, err
		}

		row, err := tb.parseRow(raw)
		if err != nil {
			return 0, err
		}
		row[fd.name] = value

		newUID, err := tb.eng.vm.Insert(xid, tb.rowToRaw(row))
		if err != nil {
			return 0, err
		}
		if err := tb.indexRow(row, newUID); err != nil {
			return 0, err
		}
		count += 1
	}
	return count, nil
}

// selectRows renders the visible rows matching stmt as a table.
func (tb *table) selectRows(xid uint64, stmt *parser.Select) ([]byte, error) {
	fields, err := tb.selectFields(stmt.Fields)
	if err != nil {
		return nil, err
	}

	uids, err := tb.parseWhere(stmt.Where)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tablewriter.NewWriter(&buf)
	tw.SetAutoFormatHeaders(false)
	header := make([]string, len(fields))
	for i, fd := range fields {
		header[i] = fd.name
	}
	tw.SetHeader(header)

	count := 0
	line := make([]string, len(fields))
	for _, uid := range uids {
		raw, err := tb.eng.vm.Read(xid, uid)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		row, err := tb.parseRow(raw)
		if err != nil {
			return nil, err
		}
		for i, fd := range fields {
			line[i] = fd.formatValue(row[fd.name])
		}
		tw.Append(line)
		count += 1
	}
	tw.Render()
	fmt.Fprintf(&buf, "(%d rows)", count)
	return buf.Bytes(), nil
}

func (tb *table) selectFields(names []string) ([]*field, error) {
	if len(names) == 1 && names[0] == "*" {
		return tb.fields, nil
	}

	var fields []*field
	for _, name := range names {
		var fd *field
		for _, f := range tb.fields {
			if f.name == name {
				fd = f
				break
			}
		}
		if fd == nil {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		fields = append(fields, fd)
	}
	return fields, nil
}

// parseWhere resolves the where clause to candidate uids through the
// field's index. Without a where clause the first indexed field is scanned
// over the whole key space.
func (tb *table) parseWhere(where *parser.Where) ([]uint64, error) {
	if where == nil {
		for _, fd := range tb.fields {
			if fd.indexed() {
				return fd.search(0, math.MaxInt64)
			}
		}
		return nil, ErrFieldNotIndexed
	}

	var fd *field
	for _, f := range tb.fields {
		if f.name == where.First.Field {
			if !f.indexed() {
				return nil, fmt.Errorf("%w: %s", ErrFieldNotIndexed, f.name)
			}
			fd = f
			break
		}
	}
	if fd == nil {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, where.First.Field)
	}

	l0, r0, l1, r1, single, err := tb.calWhere(fd, where)
	if err != nil {
		return nil, err
	}

	uids, err := fd.search(l0, r0)
	if err != nil {
		return nil, err
	}
	if !single {
		more, err := fd.search(l1, r1)
		if err != nil {
			return nil, err
		}
		uids = append(uids, more...)
	}
	return uids, nil
}

func (tb *table) calWhere(fd *field, where *parser.Where) (l0, r0, l1, r1 int64, single bool, err error) {
	switch where.LogicOp {
	case "":
		single = true
		l0, r0, err = fd.calExpr(where.First)
	case "or":
		single = false
		l0, r0, err = fd.calExpr(where.First)
		if err == nil {
			l1, r1, err = fd.calExpr(where.Second)
		}
	case "and":
		single = true
		l0, r0, err = fd.calExpr(where.First)
		if err == nil {
			l1, r1, err = fd.calExpr(where.Second)
		}
		if err == nil {
			if l1 > l0 {
				l0 = l1
			}
			if r1 < r0 {
				r0 = r1
			}
		}
	default:
		err = ErrInvalidLogOp
	}
	return l0, r0, l1, r1, single, err
}

func (tb *table) stringsToRow(values []string) (map[string]interface{}, error) {
	if len(values) != len(tb.fields) {
		return nil, ErrInvalidValues
	}
	row := map[string]interface{}{}
	for i, fd := range tb.fields {
		v, err := fd.stringToValue(values[i])
		if err != nil {
			return nil, err
		}
		row[fd.name] = v
	}
	return row, nil
}

func (tb *table) parseRow(raw []byte) (map[string]interface{}, error) {
	row := map[string]interface{}{}
	pos := 0
	for _, fd := range tb.fields {
		v, n, err := fd.parseValue(raw[pos:])
		if err != nil {
			return nil, err
		}
		row[fd.name] = v
		pos += n
	}
	return row, nil
}

func (tb *table) rowToRaw(row map[string]interface{}) []byte {
	var raw []byte
	for _, fd := range tb.fields {
		raw = append(raw, fd.valueToRaw(row[fd.name])...)
	}
	return raw
}
