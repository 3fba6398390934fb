package cache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// Slot is a cached lookup result. A slot with Present unset is a tombstone:
// the key is known to be absent.
type Slot[V any] struct {
	Value   V
	Present bool
}

func Present[V any](value V) Slot[V] { return Slot[V]{Value: value, Present: true} }

func Tombstone[V any]() Slot[V] { return Slot[V]{} }

type holder[V any] struct {
	slot    Slot[V]
	demoted bool
}

type weakRef[K comparable, V any] struct {
	key K
	ref weak.Pointer[holder[V]]
}

// ValueCache keeps recently used slots strongly and the rest weakly, so the
// garbage collector can reclaim values that fell out of the strong tier.
type ValueCache[K comparable, V any] struct {
	mutex   sync.Mutex
	strong  *LruCache[K, *holder[V]]
	weak    map[K]weak.Pointer[holder[V]]
	version atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	reclaimed atomic.Int64
}

func NewValueCache[K comparable, V any](strongCapacity int) *ValueCache[K, V] {
	return &ValueCache[K, V]{
		strong: NewLruCache[K, *holder[V]](strongCapacity),
		weak:   make(map[K]weak.Pointer[holder[V]]),
	}
}

func (c *ValueCache[K, V]) Get(key K) (Slot[V], bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if h, ok := c.strong.Retrieve(key); ok {
		c.hits.Add(1)
		return h.slot, true
	}
	if ref, ok := c.weak[key]; ok {
		if h := ref.Value(); h != nil {
			delete(c.weak, key)
			c.insertLocked(key, h)
			c.hits.Add(1)
			return h.slot, true
		}
		delete(c.weak, key)
	}
	c.misses.Add(1)
	return Slot[V]{}, false
}

// Peek reads a slot without promoting it or counting a hit.
func (c *ValueCache[K, V]) Peek(key K) (Slot[V], bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if h, ok := c.strong.Peek(key); ok {
		return h.slot, true
	}
	if ref, ok := c.weak[key]; ok {
		if h := ref.Value(); h != nil {
			return h.slot, true
		}
	}
	return Slot[V]{}, false
}

// Put stores slot unconditionally and advances the version.
func (c *ValueCache[K, V]) Put(key K, slot Slot[V]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.version.Add(1)
	delete(c.weak, key)
	c.insertLocked(key, &holder[V]{slot: slot})
}

// PutIfVersion stores slot only if no mutation happened since version was read.
func (c *ValueCache[K, V]) PutIfVersion(key K, slot Slot[V], version uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.version.Load() != version {
		return false
	}
	delete(c.weak, key)
	c.insertLocked(key, &holder[V]{slot: slot})
	return true
}

func (c *ValueCache[K, V]) Version() uint64 {
	return c.version.Load()
}

func (c *ValueCache[K, V]) Invalidate(key K) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.version.Add(1)
	c.strong.Remove(key)
	delete(c.weak, key)
}

// InvalidateAll empties both tiers in one critical section.
func (c *ValueCache[K, V]) InvalidateAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.version.Add(1)
	c.strong.Purge()
	c.weak = make(map[K]weak.Pointer[holder[V]])
}

// Len counts strong entries plus weak entries not yet reclaimed.
func (c *ValueCache[K, V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.strong.Len() + len(c.weak)
}

type CacheStats struct {
	Hits      int64
	Misses    int64
	Reclaimed int64
	Strong    int
	Weak      int
}

func (c *ValueCache[K, V]) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Reclaimed: c.reclaimed.Load(),
		Strong:    c.strong.Len(),
		Weak:      len(c.weak),
	}
}

func (c *ValueCache[K, V]) insertLocked(key K, h *holder[V]) {
	evictedKey, evicted, ok := c.strong.Insert(key, h)
	if !ok {
		return
	}
	ref := weak.Make(evicted)
	c.weak[evictedKey] = ref
	if !evicted.demoted {
		evicted.demoted = true
		runtime.AddCleanup(evicted, c.forget, weakRef[K, V]{key: evictedKey, ref: ref})
	}
}

func (c *ValueCache[K, V]) forget(w weakRef[K, V]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if current, ok := c.weak[w.key]; ok && current == w.ref {
		delete(c.weak, w.key)
		c.reclaimed.Add(1)
	}
}
