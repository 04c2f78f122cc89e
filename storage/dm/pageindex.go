package dm

import (
	"sync"

	"github.com/keeldb/keel/storage/page"
)

const (
	intervals = 40
	threshold = page.Size / intervals
)

type pageInfo struct {
	pgno uint32
	free int
}

// pageIndex buckets pages by coarse free-space intervals so that an insert
// finds a fitting page without scanning them all. A selected descriptor is
// owned exclusively by the caller until it re-adds the page with its new
// free space.
type pageIndex struct {
	mutex sync.Mutex
	lists [intervals + 1][]pageInfo
}

func (pi *pageIndex) add(pgno uint32, free int) {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()

	n := free / threshold
	pi.lists[n] = append(pi.lists[n], pageInfo{pgno: pgno, free: free})
}

// selectPage pops the first descriptor with at least need bytes free.
func (pi *pageIndex) selectPage(need int) (pageInfo, bool) {
	pi.mutex.Lock()
	defer pi.mutex.Unlock()

	n := need / threshold
	if n < intervals {
		n += 1
	}
	for ; n <= intervals; n += 1 {
		for i, info := range pi.lists[n] {
			if info.free < need {
				continue
			}
			pi.lists[n] = append(pi.lists[n][:i], pi.lists[n][i+1:]...)
			return info, true
		}
	}
	return pageInfo{}, false
}
