package greeks

import (
	"container/list"
	"fmt"
	"sync"
)

// cacheKey identifies one Greeks computation per §4.3: token plus the
// floored last price, spot and minutes-to-expiry. Floor buckets mean a
// sub-tick price wiggle or a sub-minute clock advance reuses the same
// entry instead of recomputing.
type cacheKey struct {
	token           uint32
	lastPriceTicks  int64 // last_price / tick_size, floored
	spotHalfRupees  int64 // spot floored to the nearest 0.5
	minutesToExpiry int64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", k.token, k.lastPriceTicks, k.spotHalfRupees, k.minutesToExpiry)
}

// lruCache is a fixed-capacity least-recently-used cache of Result values,
// grounded on the shard design in the retrieval pack's generic concurrent
// cache (container/list + map, evict from the list's back). This system
// needs neither sharding nor TTL expiry: entries age out implicitly
// because the key itself changes every minute (§4.3 "invalidation on
// clock crossing minute boundaries").
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key   cacheKey
	value Result
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 50000
	}
	return &lruCache{
		capacity: capacity,
		items:    make(map[cacheKey]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *lruCache) get(key cacheKey) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, true
}

func (c *lruCache) put(key cacheKey, value Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).value = value
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.order.Remove(oldest)
		}
	}

	elem := c.order.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = elem
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
