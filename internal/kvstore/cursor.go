package kvstore

import (
	"bytes"
	"fmt"
	"iter"
	"sort"

	"wbkv/internal/common"
	"wbkv/internal/logger"
	"wbkv/internal/pending"
)

type pendingEntry[K comparable, V any] struct {
	key     K
	encoded []byte
	value   V
}

// Cursor walks a store: pending writes first, in key order, then engine
// entries that no pending operation or cached tombstone hides.
type Cursor[K comparable, V any] struct {
	store      *Store[K, V]
	withValues bool

	snapshot map[K]*pending.Op[V]
	writes   []pendingEntry[K, V]
	position int

	engine common.Iterator
	key    K
	value  V
	err    error
	done   bool
}

func (s *Store[K, V]) NewCursor(withValues bool) *Cursor[K, V] {
	c := &Cursor[K, V]{store: s, withValues: withValues, snapshot: s.pending.Snapshot()}

	for key, op := range c.snapshot {
		if op.Kind != pending.Write {
			continue
		}
		encoded, err := s.keys.Encode(nil, key)
		if err != nil {
			c.fail(fmt.Errorf("%w: key of %s: %v", ErrEncoding, s.name, err))
			return c
		}
		c.writes = append(c.writes, pendingEntry[K, V]{key: key, encoded: encoded, value: op.Value})
	}
	sort.Slice(c.writes, func(i, j int) bool {
		return bytes.Compare(c.writes[i].encoded, c.writes[j].encoded) < 0
	})
	return c
}

func (c *Cursor[K, V]) fail(err error) {
	c.err = err
	c.done = true
}

func (c *Cursor[K, V]) Next() bool {
	if c.done {
		return false
	}
	if c.position < len(c.writes) {
		entry := c.writes[c.position]
		c.position++
		c.key, c.value = entry.key, entry.value
		return true
	}

	if c.engine == nil {
		it, err := c.store.column.NewIterator(common.SequentialReadOptions)
		if err != nil {
			c.fail(fmt.Errorf("iterator on %s: %w", c.store.name, err))
			return false
		}
		c.engine = it
	}

	for c.engine.Next() {
		key, err := c.store.keys.Decode(c.engine.Key())
		if err != nil {
			c.fail(fmt.Errorf("%w: key in %s: %v", ErrDecoding, c.store.name, err))
			return false
		}
		if _, shadowed := c.snapshot[key]; shadowed {
			continue
		}

		if op, ok := c.store.pending.Lookup(key); ok {
			if op.Kind == pending.Delete {
				continue
			}
			c.key, c.value = key, op.Value
			return true
		}
		if slot, ok := c.store.cache.Peek(key); ok && !slot.Present {
			continue
		}

		c.key = key
		if c.withValues {
			value, err := c.store.values.Decode(c.engine.Value())
			if err != nil {
				c.fail(fmt.Errorf("%w: value in %s: %v", ErrDecoding, c.store.name, err))
				return false
			}
			c.value = value
		}
		return true
	}
	if err := c.engine.Err(); err != nil {
		c.fail(err)
		return false
	}
	c.done = true
	return false
}

func (c *Cursor[K, V]) Key() K   { return c.key }
func (c *Cursor[K, V]) Value() V { return c.value }
func (c *Cursor[K, V]) Err() error {
	return c.err
}

func (c *Cursor[K, V]) Close() error {
	c.done = true
	if c.engine != nil {
		err := c.engine.Close()
		c.engine = nil
		return err
	}
	return nil
}

// All yields every live entry. Each call starts a fresh cursor, so the
// sequence can be ranged over repeatedly. Errors end the sequence and are logged.
func (s *Store[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		s.scan(true, func(c *Cursor[K, V]) bool { return yield(c.Key(), c.Value()) })
	}
}

func (s *Store[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		s.scan(false, func(c *Cursor[K, V]) bool { return yield(c.Key()) })
	}
}

func (s *Store[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		s.scan(true, func(c *Cursor[K, V]) bool { return yield(c.Value()) })
	}
}

func (s *Store[K, V]) scan(withValues bool, visit func(*Cursor[K, V]) bool) {
	c := s.NewCursor(withValues)
	defer c.Close()
	for c.Next() {
		if !visit(c) {
			return
		}
	}
	if err := c.Err(); err != nil {
		logger.LogErrorEvent("Iteration over %s stopped: %v", s.name, err)
	}
}
