package fsm

import (
	"container/list"
	"sync"

	"github.com/conreg/conreg/pkg/types"
)

// lru is a fixed-capacity, point-invalidated read cache for ConfigEntry
// lookups. No pack dependency covers this shape: client-side caches in the
// corpus (e.g. bigcache) are byte-oriented TTL caches without eviction by an
// arbitrary key, so this is built directly on container/list, the same way
// the standard library documents an LRU.
type lru struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	entry *types.ConfigEntry
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 16384
	}
	return &lru{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func cacheKey(namespaceID, configID string) string {
	return namespaceID + "\x00" + configID
}

func (c *lru) get(namespaceID, configID string) (*types.ConfigEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey(namespaceID, configID)]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).entry, true
}

func (c *lru) put(namespaceID, configID string, entry *types.ConfigEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(namespaceID, configID)
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).entry = entry
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, entry: entry})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lru) invalidate(namespaceID, configID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(namespaceID, configID)
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

func (c *lru) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}
