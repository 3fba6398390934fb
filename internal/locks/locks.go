// Package locks hands out per-key read/write locks that exist only while
// someone holds them.
package locks

import "sync"

// Handle is a read/write lock that lets a sole reader upgrade in place.
type Handle struct {
	mutex          sync.Mutex
	cond           *sync.Cond
	readers        int
	writer         bool
	waitingWriters int
	writes         uint64

	refs int
}

func newHandle() *Handle {
	h := &Handle{}
	h.cond = sync.NewCond(&h.mutex)
	return h
}

func (h *Handle) RLock() {
	h.mutex.Lock()
	for h.writer || h.waitingWriters > 0 {
		h.cond.Wait()
	}
	h.readers++
	h.mutex.Unlock()
}

func (h *Handle) RUnlock() {
	h.mutex.Lock()
	h.readers--
	if h.readers == 0 {
		h.cond.Broadcast()
	}
	h.mutex.Unlock()
}

func (h *Handle) Lock() {
	h.mutex.Lock()
	h.waitingWriters++
	for h.writer || h.readers > 0 {
		h.cond.Wait()
	}
	h.waitingWriters--
	h.writer = true
	h.mutex.Unlock()
}

func (h *Handle) Unlock() {
	h.mutex.Lock()
	h.writer = false
	h.writes++
	h.cond.Broadcast()
	h.mutex.Unlock()
}

// TryUpgrade turns the caller's read lock into the write lock when it is the
// only reader and nobody is queued for writing. On failure the read lock is
// still held.
func (h *Handle) TryUpgrade() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.readers != 1 || h.writer || h.waitingWriters > 0 {
		return false
	}
	h.readers = 0
	h.writer = true
	return true
}

// Writes counts completed write-lock sections.
func (h *Handle) Writes() uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.writes
}

type Registry[K comparable] struct {
	mutex   sync.Mutex
	handles map[K]*Handle
}

func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{handles: make(map[K]*Handle)}
}

// Acquire returns the handle for key, creating it if needed. Every Acquire
// must be paired with Release.
func (r *Registry[K]) Acquire(key K) *Handle {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	h, ok := r.handles[key]
	if !ok {
		h = newHandle()
		r.handles[key] = h
	}
	h.refs++
	return h
}

func (r *Registry[K]) Release(key K, h *Handle) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	h.refs--
	if h.refs == 0 && r.handles[key] == h {
		delete(r.handles, key)
	}
}

// WithWriteLock runs fn holding the write lock of key.
func (r *Registry[K]) WithWriteLock(key K, fn func()) {
	h := r.Acquire(key)
	h.Lock()
	defer func() {
		h.Unlock()
		r.Release(key, h)
	}()
	fn()
}

// Purge drops handles nobody references and reports how many remain held.
func (r *Registry[K]) Purge() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for key, h := range r.handles {
		if h.refs <= 0 {
			delete(r.handles, key)
		}
	}
	return len(r.handles)
}

func (r *Registry[K]) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.handles)
}
