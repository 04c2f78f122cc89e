package cache

import (
	"errors"
	"sync"
)

var ErrCacheFull = errors.New("cache: full")

// LoadFunc faults an object in from its backing store. It is called without
// the cache mutex held; the cache guarantees at most one concurrent load per
// key.
type LoadFunc func(key uint64) (interface{}, error)

// EvictFunc is called when an object's reference count reaches zero and it
// is dropped from the cache; it must write the object back if it is dirty.
type EvictFunc func(obj interface{})

// Cache is a reference counted cache keyed by uint64. An object stays
// resident while at least one caller holds a reference to it; the last
// Release evicts it through the evict callback.
type Cache struct {
	mutex    sync.Mutex
	maxSlots int // 0 means unbounded
	count    int
	objs     map[uint64]interface{}
	refs     map[uint64]int
	loading  map[uint64]chan struct{}
	load     LoadFunc
	evict    EvictFunc
}

func New(maxSlots int, load LoadFunc, evict EvictFunc) *Cache {
	return &Cache{
		maxSlots: maxSlots,
		objs:     map[uint64]interface{}{},
		refs:     map[uint64]int{},
		loading:  map[uint64]chan struct{}{},
		load:     load,
		evict:    evict,
	}
}

// Get returns the object for key, faulting it in if necessary. If another
// goroutine is already loading the same key, Get waits for that load rather
// than issuing a duplicate one.
func (c *Cache) Get(key uint64) (interface{}, error) {
	for {
		c.mutex.Lock()
		if ch, ok := c.loading[key]; ok {
			c.mutex.Unlock()
			<-ch
			continue
		}

		if obj, ok := c.objs[key]; ok {
			c.refs[key] += 1
			c.mutex.Unlock()
			return obj, nil
		}

		if c.maxSlots > 0 && c.count == c.maxSlots {
			c.mutex.Unlock()
			return nil, ErrCacheFull
		}
		c.count += 1
		ch := make(chan struct{})
		c.loading[key] = ch
		c.mutex.Unlock()

		obj, err := c.load(key)

		c.mutex.Lock()
		delete(c.loading, key)
		close(ch)
		if err != nil {
			c.count -= 1
			c.mutex.Unlock()
			return nil, err
		}
		c.objs[key] = obj
		c.refs[key] = 1
		c.mutex.Unlock()
		return obj, nil
	}
}

// Release drops one reference to key; at zero the object is evicted.
func (c *Cache) Release(key uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ref, ok := c.refs[key]
	if !ok {
		panic("cache: release of key not held")
	}
	ref -= 1
	if ref == 0 {
		c.evict(c.objs[key])
		delete(c.refs, key)
		delete(c.objs, key)
		c.count -= 1
	} else {
		c.refs[key] = ref
	}
}

// Close evicts every resident object regardless of reference counts. It is
// meant for shutdown, after all users of the cache have finished.
func (c *Cache) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key, obj := range c.objs {
		c.evict(obj)
		delete(c.refs, key)
		delete(c.objs, key)
	}
	c.count = 0
}
