package types

import (
	"math/big"
	"math/bits"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Value cache defaults.
const (
	DefaultCacheBuckets = 1 << 10
	DefaultCacheWindow  = 2
)

type cacheEntry struct {
	key   string
	value any
}

/*
valueCache canonicalizes values: equal values are mapped onto one shared instance.

  - the number of buckets is a power of two
  - a lookup scans a window of consecutive buckets
  - on a miss the new value is stored in the first free bucket of the window,
    if the window is full it replaces the occupant of its home bucket

Cache hits are value equal to the looked up value. Values are treated as immutable.
*/
type valueCache struct {
	mu      sync.Mutex
	buckets []*cacheEntry
	mask    uint64
	window  int
}

func newValueCache(size, window int) *valueCache {
	if size <= 0 {
		size = DefaultCacheBuckets
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len(uint(size))
	}
	if window <= 0 {
		window = DefaultCacheWindow
	}
	window = min(window, size)
	return &valueCache{buckets: make([]*cacheEntry, size), mask: uint64(size - 1), window: window}
}

// cacheKey returns the key of cacheable values. The type tag prefix keeps keys of different types apart.
func cacheKey(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return "s" + v, true
	case int32:
		return "i" + strconv.FormatInt(int64(v), 10), true
	case int64:
		return "l" + strconv.FormatInt(v, 10), true
	case float64:
		return "d" + strconv.FormatFloat(v, 'g', -1, 64), true
	case *big.Int:
		return "b" + v.String(), true
	case *big.Rat:
		return "r" + v.String(), true
	}
	return "", false
}

func (c *valueCache) canonical(v any) any {
	key, ok := cacheKey(v)
	if !ok {
		return v
	}
	home := xxhash.Sum64String(key) & c.mask

	c.mu.Lock()
	defer c.mu.Unlock()
	free := -1
	for i := 0; i < c.window; i++ {
		idx := int((home + uint64(i)) & c.mask)
		e := c.buckets[idx]
		if e == nil {
			if free == -1 {
				free = idx
			}
			continue
		}
		if e.key == key {
			return e.value
		}
	}
	if free == -1 {
		free = int(home)
	}
	c.buckets[free] = &cacheEntry{key: key, value: v}
	return v
}
