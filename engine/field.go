package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/keeldb/keel/parser"
	"github.com/keeldb/keel/storage/btree"
	"github.com/keeldb/keel/storage/tm"
)

var (
	ErrInvalidField    = errors.New("engine: invalid field type")
	ErrFieldNotFound   = errors.New("engine: field not found")
	ErrFieldNotIndexed = errors.New("engine: field not indexed")
	ErrInvalidValues   = errors.New("engine: invalid values")
	ErrInvalidLogOp    = errors.New("engine: invalid logic operation")
)

// field is one column of a table, persisted through the VM as
// [name(string) | type(string) | indexUID(8)]. indexUID is 0 for an
// unindexed field, otherwise the boot uid of the field's B+-tree.
type field struct {
	tb       *table
	uid      uint64
	name     string
	ftype    string
	indexUID uint64
	bt       *btree.Tree
}

func loadField(tb *table, uid uint64) (*field, error) {
	raw, err := tb.eng.vm.Read(tm.SuperXID, uid)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("engine: missing field record %d", uid)
	}

	fd := &field{tb: tb, uid: uid}
	pos := 0
	fd.name, pos, err = decodeStringAt(raw, pos)
	if err != nil {
		return nil, err
	}
	fd.ftype, pos, err = decodeStringAt(raw, pos)
	if err != nil {
		return nil, err
	}
	if len(raw) < pos+8 {
		return nil, errShortRecord
	}
	fd.indexUID = beUint64(raw[pos:])

	if fd.indexUID != 0 {
		fd.bt, err = btree.Load(fd.indexUID, tb.eng.dm)
		if err != nil {
			return nil, err
		}
	}
	return fd, nil
}

func createField(tb *table, xid uint64, name, ftype string, indexed bool) (*field, error) {
	if err := typeCheck(ftype); err != nil {
		return nil, err
	}

	fd := &field{tb: tb, name: name, ftype: ftype}
	if indexed {
		indexUID, err := btree.Create(tb.eng.dm)
		if err != nil {
			return nil, err
		}
		fd.bt, err = btree.Load(indexUID, tb.eng.dm)
		if err != nil {
			return nil, err
		}
		fd.indexUID = indexUID
	}

	raw := encodeString(fd.name)
	raw = append(raw, encodeString(fd.ftype)...)
	raw = append(raw, encodeUint64(fd.indexUID)...)

	uid, err := tb.eng.vm.Insert(xid, raw)
	if err != nil {
		return nil, err
	}
	fd.uid = uid
	return fd, nil
}

func typeCheck(ftype string) error {
	if ftype != "int32" && ftype != "int64" && ftype != "string" {
		return ErrInvalidField
	}
	return nil
}

func (fd *field) indexed() bool {
	return fd.indexUID != 0
}

// insertIndex adds the row at uid under the field's key for v.
func (fd *field) insertIndex(v interface{}, uid uint64) error {
	return fd.bt.Insert(fd.valueToKey(v), uid)
}

func (fd *field) search(lo, hi int64) ([]uint64, error) {
	return fd.bt.SearchRange(lo, hi)
}

// stringToValue parses a literal into the field's value type.
func (fd *field) stringToValue(str string) (interface{}, error) {
	switch fd.ftype {
	case "int32":
		v, err := strconv.ParseInt(str, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidValues, str)
		}
		return int32(v), nil
	case "int64":
		v, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidValues, str)
		}
		return v, nil
	case "string":
		return str, nil
	}
	panic(fmt.Sprintf("engine: field %s has type %q", fd.name, fd.ftype))
}

// valueToKey maps a value into the signed 64 bit index key space.
func (fd *field) valueToKey(v interface{}) int64 {
	switch fd.ftype {
	case "int32":
		return int64(v.(int32))
	case "int64":
		return v.(int64)
	case "string":
		return strKey(v.(string))
	}
	panic(fmt.Sprintf("engine: field %s has type %q", fd.name, fd.ftype))
}

func (fd *field) valueToRaw(v interface{}) []byte {
	switch fd.ftype {
	case "int32":
		raw := make([]byte, 4)
		bePutUint32(raw, uint32(v.(int32)))
		return raw
	case "int64":
		return encodeUint64(uint64(v.(int64)))
	case "string":
		return encodeString(v.(string))
	}
	panic(fmt.Sprintf("engine: field %s has type %q", fd.name, fd.ftype))
}

// parseValue decodes the field's value at the head of raw, returning it
// and the bytes consumed.
func (fd *field) parseValue(raw []byte) (interface{}, int, error) {
	switch fd.ftype {
	case "int32":
		if len(raw) < 4 {
			return nil, 0, errShortRecord
		}
		return int32(beUint32(raw)), 4, nil
	case "int64":
		if len(raw) < 8 {
			return nil, 0, errShortRecord
		}
		return int64(beUint64(raw)), 8, nil
	case "string":
		s, n, err := decodeString(raw)
		return s, n, err
	}
	panic(fmt.Sprintf("engine: field %s has type %q", fd.name, fd.ftype))
}

func (fd *field) formatValue(v interface{}) string {
	switch fd.ftype {
	case "int32":
		return strconv.FormatInt(int64(v.(int32)), 10)
	case "int64":
		return strconv.FormatInt(v.(int64), 10)
	case "string":
		return v.(string)
	}
	panic(fmt.Sprintf("engine: field %s has type %q", fd.name, fd.ftype))
}

// calExpr turns one comparison into a closed key range.
func (fd *field) calExpr(exp parser.SingleExpr) (int64, int64, error) {
	v, err := fd.stringToValue(exp.Value)
	if err != nil {
		return 0, 0, err
	}
	key := fd.valueToKey(v)

	switch exp.CmpOp {
	case "<":
		hi := key
		if hi > 0 {
			hi -= 1
		}
		return 0, hi, nil
	case "=":
		return key, key, nil
	case ">":
		return key + 1, math.MaxInt64, nil
	}
	return 0, 0, ErrInvalidLogOp
}
