package engine

import (
	"encoding/binary"
	"errors"
)

var errShortRecord = errors.New("engine: short record")

// Strings are persisted as [len(4) | bytes].
func encodeString(s string) []byte {
	raw := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(raw, uint32(len(s)))
	copy(raw[4:], s)
	return raw
}

func decodeString(raw []byte) (string, int, error) {
	if len(raw) < 4 {
		return "", 0, errShortRecord
	}
	n := int(binary.BigEndian.Uint32(raw))
	if len(raw) < 4+n {
		return "", 0, errShortRecord
	}
	return string(raw[4 : 4+n]), 4 + n, nil
}

func decodeStringAt(raw []byte, pos int) (string, int, error) {
	s, n, err := decodeString(raw[pos:])
	if err != nil {
		return "", 0, err
	}
	return s, pos + n, nil
}

func encodeUint64(v uint64) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, v)
	return raw
}

func beUint64(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

func beUint32(raw []byte) uint32 {
	return binary.BigEndian.Uint32(raw)
}

func bePutUint32(raw []byte, v uint32) {
	binary.BigEndian.PutUint32(raw, v)
}

// strKey hashes a string to the signed 64 bit key space the B+-tree
// indexes.
func strKey(s string) int64 {
	const seed = 13331
	var res uint64
	for i := 0; i < len(s); i += 1 {
		res = res*seed + uint64(s[i])
	}
	return int64(res)
}
