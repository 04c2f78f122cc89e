package page

import (
	"encoding/binary"
)

// Regular pages are slotted: the first two bytes hold the free space
// offset (FSO), the first byte past the last allocated slot. Data items
// live in [2, FSO); [FSO, Size) is free. Space is never compacted.
const (
	ofFSO  = 0
	ofData = 2

	// MaxFreeSpace is the most a regular page can hold.
	MaxFreeSpace = Size - ofData
)

// XInitRaw returns a fresh regular page image with an empty slot area.
func XInitRaw() []byte {
	raw := make([]byte, Size)
	setRawFSO(raw, ofData)
	return raw
}

func setRawFSO(raw []byte, fso uint16) {
	binary.BigEndian.PutUint16(raw[ofFSO:], fso)
}

func rawFSO(raw []byte) uint16 {
	return binary.BigEndian.Uint16(raw[ofFSO:])
}

// FSO returns the page's free space offset.
func FSO(pg *Page) uint16 {
	pg.Lock()
	defer pg.Unlock()
	return rawFSO(pg.data)
}

// Insert appends raw as the next slot and returns its in-page offset. The
// caller must have reserved enough free space through the page index.
func Insert(pg *Page, raw []byte) uint16 {
	pg.Lock()
	defer pg.Unlock()

	pg.dirty = true
	off := rawFSO(pg.data)
	copy(pg.data[off:], raw)
	setRawFSO(pg.data, off+uint16(len(raw)))
	return off
}

// FreeSpace returns the unallocated byte count of pg.
func FreeSpace(pg *Page) int {
	return Size - int(FSO(pg))
}

// RecoverInsert writes raw at off during REDO/UNDO, raising the FSO only
// if the item extends past it.
func RecoverInsert(pg *Page, raw []byte, off uint16) {
	pg.Lock()
	defer pg.Unlock()

	pg.dirty = true
	copy(pg.data[off:], raw)
	end := off + uint16(len(raw))
	if rawFSO(pg.data) < end {
		setRawFSO(pg.data, end)
	}
}

// RecoverUpdate writes raw at off during REDO/UNDO without touching the
// FSO.
func RecoverUpdate(pg *Page, raw []byte, off uint16) {
	pg.Lock()
	defer pg.Unlock()

	pg.dirty = true
	copy(pg.data[off:], raw)
}
