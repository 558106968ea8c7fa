package similarity

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/salesboard/dedup/internal/dedup"
)

// pairCache is a bounded LRU cache of similarity results keyed by the
// unordered name pair. Concurrent writers may race on the same key;
// last-write-wins is safe because results are deterministic, so every
// writer carries the same value. Eviction affects performance only, never
// correctness.
type pairCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	lru     *list.List

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key    string
	result dedup.SimilarityResult
}

func newPairCache(maxSize int) *pairCache {
	return &pairCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func (c *pairCache) get(key string) (dedup.SimilarityResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return dedup.SimilarityResult{}, false
	}
	c.lru.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return elem.Value.(*cacheEntry).result, true
}

func (c *pairCache) put(key string, res dedup.SimilarityResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).result = res
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, result: res})
	c.items[key] = elem

	for c.lru.Len() > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*cacheEntry)
		delete(c.items, entry.key)
		c.lru.Remove(back)
	}
}

func (c *pairCache) stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

func (c *pairCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
