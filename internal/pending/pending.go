// Package pending tracks, per key, the latest write or delete that has not
// reached the engine yet.
package pending

import "sync"

type Kind uint8

const (
	Write Kind = iota + 1
	Delete
)

func (k Kind) String() string {
	switch k {
	case Write:
		return "write"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is compared by pointer: two ops with equal contents are still distinct.
type Op[V any] struct {
	Kind  Kind
	Value V
}

func NewWrite[V any](value V) *Op[V] { return &Op[V]{Kind: Write, Value: value} }

func NewDelete[V any]() *Op[V] { return &Op[V]{Kind: Delete} }

type Table[K comparable, V any] struct {
	ops sync.Map
}

func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{}
}

func (t *Table[K, V]) Lookup(key K) (*Op[V], bool) {
	value, ok := t.ops.Load(key)
	if !ok {
		return nil, false
	}
	return value.(*Op[V]), true
}

// Install makes op the visible state of key and returns the op it replaced.
func (t *Table[K, V]) Install(key K, op *Op[V]) *Op[V] {
	previous, loaded := t.ops.Swap(key, op)
	if !loaded {
		return nil
	}
	return previous.(*Op[V])
}

// Complete removes key only if it still maps to op.
func (t *Table[K, V]) Complete(key K, op *Op[V]) bool {
	return t.ops.CompareAndDelete(key, op)
}

// Snapshot copies the table. Entries installed concurrently may or may not
// be included.
func (t *Table[K, V]) Snapshot() map[K]*Op[V] {
	out := make(map[K]*Op[V])
	t.ops.Range(func(key, value any) bool {
		out[key.(K)] = value.(*Op[V])
		return true
	})
	return out
}

func (t *Table[K, V]) Clear() {
	t.ops.Clear()
}

func (t *Table[K, V]) Len() int {
	n := 0
	t.ops.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
