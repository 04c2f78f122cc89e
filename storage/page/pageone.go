package page

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// Page 1 carries the open and close marks: an 8 byte random token written
// at open, copied alongside itself at clean shutdown. If the two ranges
// disagree at open, the last shutdown was not clean and recovery runs.
const (
	ofMark  = 100
	markLen = 8
)

// OneInitRaw returns a fresh page 1 image with the open mark set.
func OneInitRaw() []byte {
	raw := make([]byte, Size)
	setOpenMark(raw)
	return raw
}

func setOpenMark(raw []byte) {
	if _, err := rand.Read(raw[ofMark : ofMark+markLen]); err != nil {
		panic(fmt.Sprintf("page: random open mark: %s", err))
	}
}

// SetOpenMark stamps a new random open mark on page 1.
func SetOpenMark(pg *Page) {
	pg.SetDirty()
	pg.Lock()
	setOpenMark(pg.data)
	pg.Unlock()
}

// SetCloseMark copies the open mark into the close range; equal marks mean
// a clean shutdown.
func SetCloseMark(pg *Page) {
	pg.SetDirty()
	pg.Lock()
	copy(pg.data[ofMark+markLen:ofMark+2*markLen], pg.data[ofMark:ofMark+markLen])
	pg.Unlock()
}

// CleanShutdown reports whether the open and close marks agree.
func CleanShutdown(pg *Page) bool {
	pg.Lock()
	defer pg.Unlock()
	return bytes.Equal(pg.data[ofMark:ofMark+markLen],
		pg.data[ofMark+markLen:ofMark+2*markLen])
}
