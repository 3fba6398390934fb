package cache

import (
	"container/list"
	"sync"
)

// LruCache is a count-bounded least-recently-used map.
type LruCache[K comparable, V any] struct {
	CapacityCount int
	evictionList  *list.List
	itemsMap      map[K]*list.Element
	mutex         sync.Mutex
}

type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

func NewLruCache[K comparable, V any](capacity int) *LruCache[K, V] {
	return &LruCache[K, V]{
		CapacityCount: capacity,
		evictionList:  list.New(),
		itemsMap:      make(map[K]*list.Element),
	}
}

func (c *LruCache[K, V]) Retrieve(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.itemsMap[key]; exists {
		c.evictionList.MoveToFront(element)
		return element.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek reads key without touching its recency.
func (c *LruCache[K, V]) Peek(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.itemsMap[key]; exists {
		return element.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Insert adds or refreshes key and returns the entry pushed out by it, if any.
func (c *LruCache[K, V]) Insert(key K, value V) (evictedKey K, evictedValue V, evicted bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.itemsMap[key]; exists {
		c.evictionList.MoveToFront(element)
		element.Value.(*cacheEntry[K, V]).value = value
		return
	}

	newElement := c.evictionList.PushFront(&cacheEntry[K, V]{key, value})
	c.itemsMap[key] = newElement

	if c.evictionList.Len() > c.CapacityCount {
		oldestElement := c.evictionList.Back()
		if oldestElement != nil {
			c.evictionList.Remove(oldestElement)
			entry := oldestElement.Value.(*cacheEntry[K, V])
			delete(c.itemsMap, entry.key)
			return entry.key, entry.value, true
		}
	}
	return
}

func (c *LruCache[K, V]) Remove(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.itemsMap[key]; exists {
		c.evictionList.Remove(element)
		delete(c.itemsMap, key)
		return element.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (c *LruCache[K, V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictionList.Len()
}

func (c *LruCache[K, V]) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.evictionList.Init()
	c.itemsMap = make(map[K]*list.Element)
}
