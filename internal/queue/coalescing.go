// Package queue provides a FIFO queue that collapses entries offered under
// the same key into the most recent one.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

type node[K comparable, T any] struct {
	key   K
	value T
	dead  atomic.Bool
}

// CoalescingQueue delivers values in offer order. Offering a key that is
// already queued marks the older node dead; consumers skip dead nodes, so a
// key is delivered at the position of its latest offer.
type CoalescingQueue[K comparable, T any] struct {
	index sync.Map

	mutex sync.Mutex
	nodes []*node[K, T]
	head  int

	notify    chan struct{}
	live      atomic.Int64
	coalesced atomic.Int64
}

func NewCoalescingQueue[K comparable, T any]() *CoalescingQueue[K, T] {
	return &CoalescingQueue[K, T]{notify: make(chan struct{}, 1)}
}

// Offer enqueues value under key and reports whether it replaced a queued one.
func (q *CoalescingQueue[K, T]) Offer(key K, value T) bool {
	n := &node[K, T]{key: key, value: value}
	q.live.Add(1)

	replaced := false
	if previous, loaded := q.index.Swap(key, n); loaded {
		if previous.(*node[K, T]).dead.CompareAndSwap(false, true) {
			q.live.Add(-1)
			q.coalesced.Add(1)
			replaced = true
		}
	}
	q.push(n)
	return replaced
}

// OfferIfAbsent enqueues value unless a node for key is still waiting, in
// which case the queued node keeps its position and value and the call
// reports false. Callers whose consumers look up the current state of a key
// on delivery use it to stay ahead of later offers under other keys.
func (q *CoalescingQueue[K, T]) OfferIfAbsent(key K, value T) bool {
	n := &node[K, T]{key: key, value: value}
	for {
		previous, loaded := q.index.LoadOrStore(key, n)
		if !loaded {
			break
		}
		if !previous.(*node[K, T]).dead.Load() {
			q.coalesced.Add(1)
			return false
		}
		// Delivered or replaced but not yet unindexed.
		if q.index.CompareAndSwap(key, previous, n) {
			break
		}
	}
	q.live.Add(1)
	q.push(n)
	return true
}

func (q *CoalescingQueue[K, T]) push(n *node[K, T]) {
	q.mutex.Lock()
	q.nodes = append(q.nodes, n)
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll waits up to timeout for the next live value.
func (q *CoalescingQueue[K, T]) Poll(timeout time.Duration) (T, bool) {
	if value, ok := q.next(); ok {
		return value, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if value, ok := q.next(); ok {
				return value, true
			}
		case <-timer.C:
			return q.next()
		}
	}
}

// DrainTo appends up to max immediately available live values to dst.
func (q *CoalescingQueue[K, T]) DrainTo(dst []T, max int) []T {
	for i := 0; i < max; i++ {
		value, ok := q.next()
		if !ok {
			break
		}
		dst = append(dst, value)
	}
	return dst
}

func (q *CoalescingQueue[K, T]) next() (T, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for q.head < len(q.nodes) {
		n := q.nodes[q.head]
		q.nodes[q.head] = nil
		q.head++
		q.compactLocked()

		// Claiming the node with dead=true stops a racing Offer from
		// counting it as coalesced.
		if !n.dead.CompareAndSwap(false, true) {
			continue
		}
		q.index.CompareAndDelete(n.key, n)
		q.live.Add(-1)
		return n.value, true
	}
	var zero T
	return zero, false
}

func (q *CoalescingQueue[K, T]) compactLocked() {
	if q.head == len(q.nodes) {
		q.nodes = q.nodes[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.nodes) {
		remaining := copy(q.nodes, q.nodes[q.head:])
		clear(q.nodes[remaining:])
		q.nodes = q.nodes[:remaining]
		q.head = 0
	}
}

// Len counts live values waiting for delivery.
func (q *CoalescingQueue[K, T]) Len() int {
	return int(q.live.Load())
}

// Coalesced counts offers that replaced a queued value or were absorbed by one.
func (q *CoalescingQueue[K, T]) Coalesced() int64 {
	return q.coalesced.Load()
}
