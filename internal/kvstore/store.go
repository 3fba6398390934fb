// Package kvstore is a write-behind key/value cache over an engine column.
// Reads are answered from the pending-operation table, then the value cache,
// then the engine; writes return once they are visible and queued.
package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"wbkv/internal/agents"
	"wbkv/internal/buffers"
	"wbkv/internal/cache"
	"wbkv/internal/codec"
	"wbkv/internal/common"
	"wbkv/internal/config"
	"wbkv/internal/core"
	"wbkv/internal/locks"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
	"wbkv/internal/pending"
)

type Options struct {
	CacheCapacity  int
	ExistenceProbe bool
}

func OptionsFromConfiguration(cfg config.SystemConfiguration) Options {
	return Options{
		CacheCapacity:  cfg.ValueCacheCapacityCount,
		ExistenceProbe: cfg.EnableExistenceProbe,
	}
}

type Store[K comparable, V any] struct {
	name     string
	context  *core.StorageContext
	pipeline agents.Pipeline
	column   common.Column
	keys     codec.Codec[K]
	values   codec.Codec[V]
	probe    bool

	cache   *cache.ValueCache[K, V]
	pending *pending.Table[K, V]
	locks   *locks.Registry[K]
	loads   singleflight.Group
	failure atomic.Pointer[error]

	// clearGate is held shared by install and exclusively by Clear, so every
	// write is either drained before the wipe or installed after the reset.
	clearGate sync.RWMutex

	destination *destination[K, V]
}

func Open[K comparable, V any](sc *core.StorageContext, name string, keys codec.Codec[K], values codec.Codec[V], opts Options) (*Store[K, V], error) {
	if err := sc.Register(name); err != nil {
		return nil, err
	}
	column, err := sc.Engine().OpenColumn(name)
	if err != nil {
		sc.Unregister(name)
		return nil, fmt.Errorf("failed to open column %s: %w", name, err)
	}

	s := &Store[K, V]{
		name:     name,
		context:  sc,
		pipeline: sc.Pipeline(),
		column:   column,
		keys:     keys,
		values:   values,
		probe:    opts.ExistenceProbe,
		cache:    cache.NewValueCache[K, V](opts.CacheCapacity),
		pending:  pending.NewTable[K, V](),
		locks:    locks.NewRegistry[K](),
	}
	s.destination = &destination[K, V]{store: s}
	logger.LogInfoEvent("Store %s opened (cache %d, probe %v)", name, opts.CacheCapacity, opts.ExistenceProbe)
	return s, nil
}

func (s *Store[K, V]) Name() string { return s.name }

func (s *Store[K, V]) Get(key K) (V, bool, error) {
	metrics.IncrementReadOperationsCount()
	return s.get(key)
}

func (s *Store[K, V]) get(key K) (V, bool, error) {
	// Read before the pending check: a write landing after it bumps the
	// version and rejects the fill below.
	version := s.cache.Version()

	if op, ok := s.pending.Lookup(key); ok {
		return opValue(op)
	}
	if slot, ok := s.cache.Get(key); ok {
		metrics.IncrementCacheHitCount()
		return slot.Value, slot.Present, nil
	}
	metrics.IncrementCacheMissCount()
	return s.load(key, version)
}

func opValue[V any](op *pending.Op[V]) (V, bool, error) {
	if op.Kind == pending.Delete {
		var zero V
		return zero, false, nil
	}
	return op.Value, true, nil
}

type loadResult[V any] struct {
	slot cache.Slot[V]
}

func (s *Store[K, V]) load(key K, version uint64) (V, bool, error) {
	scratch := buffers.AcquireScratch()
	defer buffers.ReleaseScratch(scratch)

	encoded, err := s.keys.Encode(scratch.B[:0], key)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("%w: key of %s: %v", ErrEncoding, s.name, err)
	}
	scratch.B = encoded

	flight := strconv.FormatUint(version, 10) + "/" + string(encoded)
	result, err, _ := s.loads.Do(flight, func() (interface{}, error) {
		slot, err := s.readEngine(encoded)
		if err != nil {
			return nil, err
		}
		s.cache.PutIfVersion(key, slot, version)
		return loadResult[V]{slot: slot}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	slot := result.(loadResult[V]).slot
	return slot.Value, slot.Present, nil
}

func (s *Store[K, V]) readEngine(encodedKey []byte) (cache.Slot[V], error) {
	if s.probe && !s.column.MayExist(encodedKey) {
		metrics.IncrementProbeRejectionCount()
		return cache.Tombstone[V](), nil
	}

	scratch := buffers.AcquireScratch()
	defer buffers.ReleaseScratch(scratch)

	raw, found, err := s.column.Get(encodedKey, scratch.B[:0])
	if err != nil {
		return cache.Slot[V]{}, fmt.Errorf("engine read on %s: %w", s.name, err)
	}
	scratch.B = raw
	if !found {
		return cache.Tombstone[V](), nil
	}
	value, err := s.values.Decode(raw)
	if err != nil {
		return cache.Slot[V]{}, fmt.Errorf("%w: value in %s: %v", ErrDecoding, s.name, err)
	}
	return cache.Present(value), nil
}

func (s *Store[K, V]) Contains(key K) (bool, error) {
	metrics.IncrementReadOperationsCount()
	if op, ok := s.pending.Lookup(key); ok {
		return op.Kind == pending.Write, nil
	}
	if slot, ok := s.cache.Get(key); ok {
		return slot.Present, nil
	}

	scratch := buffers.AcquireScratch()
	defer buffers.ReleaseScratch(scratch)
	encoded, err := s.keys.Encode(scratch.B[:0], key)
	if err != nil {
		return false, fmt.Errorf("%w: key of %s: %v", ErrEncoding, s.name, err)
	}
	scratch.B = encoded

	if s.probe && !s.column.MayExist(encoded) {
		metrics.IncrementProbeRejectionCount()
		return false, nil
	}
	return s.column.Has(encoded)
}

func (s *Store[K, V]) Put(key K, value V) error {
	metrics.IncrementWriteOperationsCount()
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.validate(key, &value); err != nil {
		return err
	}

	var err error
	s.locks.WithWriteLock(key, func() {
		err = s.install(key, pending.NewWrite(value))
	})
	return err
}

// Remove deletes key. The previous value is looked up only when asked for.
func (s *Store[K, V]) Remove(key K, returnPrevious bool) (V, bool, error) {
	metrics.IncrementDeleteOperationsCount()
	var zero V
	if err := s.checkWritable(); err != nil {
		return zero, false, err
	}
	if err := s.validate(key, nil); err != nil {
		return zero, false, err
	}

	h := s.locks.Acquire(key)
	h.Lock()
	defer func() {
		h.Unlock()
		s.locks.Release(key, h)
	}()

	var previous V
	var found bool
	if returnPrevious {
		var err error
		if previous, found, err = s.get(key); err != nil {
			return zero, false, err
		}
	}
	if err := s.install(key, pending.NewDelete[V]()); err != nil {
		return zero, false, err
	}
	return previous, found, nil
}

// ComputeIfAbsent returns the value of key, storing fn's result first when
// key is absent. fn runs under the key's read lock.
func (s *Store[K, V]) ComputeIfAbsent(key K, fn func(K) (V, error)) (V, error) {
	value, _, err := s.compute(key, func(k K, current V, found bool) (V, bool, bool, error) {
		if found {
			return current, true, false, nil
		}
		next, err := fn(k)
		return next, true, true, err
	})
	return value, err
}

// Compute replaces the value of key with fn's result. fn receives the current
// value and whether it exists; returning keep=false deletes the key.
func (s *Store[K, V]) Compute(key K, fn func(K, V, bool) (V, bool, error)) (V, bool, error) {
	return s.compute(key, func(k K, current V, found bool) (V, bool, bool, error) {
		next, keep, err := fn(k, current, found)
		return next, keep, keep || found, err
	})
}

// computeFunc returns the next value, whether it should exist and whether
// anything has to be written at all.
type computeFunc[K comparable, V any] func(key K, current V, found bool) (next V, keep bool, write bool, err error)

func (s *Store[K, V]) compute(key K, fn computeFunc[K, V]) (V, bool, error) {
	metrics.IncrementComputeOperationsCount()
	var zero V
	if err := s.checkWritable(); err != nil {
		return zero, false, err
	}

	h := s.locks.Acquire(key)
	defer s.locks.Release(key, h)

	h.RLock()
	seen := h.Writes()
	next, keep, write, err := s.evaluate(key, fn)
	if err != nil || !write {
		h.RUnlock()
		return next, keep && err == nil, err
	}

	if !h.TryUpgrade() {
		metrics.IncrementLockUpgradeFallbacks()
		h.RUnlock()
		h.Lock()
		if h.Writes() != seen {
			if next, keep, write, err = s.evaluate(key, fn); err != nil || !write {
				h.Unlock()
				return next, keep && err == nil, err
			}
		}
	}
	defer h.Unlock()

	var op *pending.Op[V]
	if keep {
		if err := s.validate(key, &next); err != nil {
			return zero, false, err
		}
		op = pending.NewWrite(next)
	} else {
		op = pending.NewDelete[V]()
	}
	if err := s.install(key, op); err != nil {
		return zero, false, err
	}
	if !keep {
		return zero, false, nil
	}
	return next, true, nil
}

func (s *Store[K, V]) evaluate(key K, fn computeFunc[K, V]) (V, bool, bool, error) {
	current, found, err := s.get(key)
	if err != nil {
		var zero V
		return zero, false, false, err
	}
	return fn(key, current, found)
}

// install makes op visible and queues it. Callers hold the key's write lock,
// so queue order matches visibility order per key.
func (s *Store[K, V]) install(key K, op *pending.Op[V]) error {
	s.clearGate.RLock()
	defer s.clearGate.RUnlock()

	s.pending.Install(key, op)
	if op.Kind == pending.Write {
		s.cache.Put(key, cache.Present(op.Value))
	} else {
		s.cache.Put(key, cache.Tombstone[V]())
	}

	action := agents.Overwrite
	if op.Kind == pending.Delete {
		action = agents.Remove
	}
	if err := s.pipeline.Persist(s.destination, key, agents.Resolution{Action: action, Token: op}); err != nil {
		s.pending.Complete(key, op)
		s.cache.Invalidate(key)
		return err
	}
	return nil
}

// validate encodes key and value into pooled scratch so codec errors reach
// the caller instead of the background writer.
func (s *Store[K, V]) validate(key K, value *V) error {
	scratch := buffers.AcquireScratch()
	defer buffers.ReleaseScratch(scratch)

	var err error
	if scratch.B, err = s.keys.Encode(scratch.B[:0], key); err != nil {
		return fmt.Errorf("%w: key of %s: %v", ErrEncoding, s.name, err)
	}
	if value != nil {
		if scratch.B, err = s.values.Encode(scratch.B[:0], *value); err != nil {
			return fmt.Errorf("%w: value of %s: %v", ErrEncoding, s.name, err)
		}
	}
	return nil
}

func (s *Store[K, V]) checkWritable() error {
	if failure := s.failure.Load(); failure != nil {
		return *failure
	}
	return nil
}

// Clear waits for everything queued before it to reach the engine, then
// range-deletes the column and drops the cached and pending state. Writes
// wait for it and land after the wipe.
func (s *Store[K, V]) Clear(ctx context.Context) error {
	// Held across the barrier so no write is in flight when the column is
	// wiped and its pending entry dropped.
	s.clearGate.Lock()
	defer s.clearGate.Unlock()
	if err := s.pipeline.Barrier(ctx, false); err != nil {
		return err
	}

	// The column goes first: a read that fills the cache from the old
	// contents is rejected by the version bump of InvalidateAll.
	err := s.column.Clear()
	s.cache.InvalidateAll()
	s.pending.Clear()
	s.locks.Purge()
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.name, err)
	}
	logger.LogInfoEvent("Store %s cleared", s.name)
	return nil
}

// Sync returns once everything accepted so far is durable.
func (s *Store[K, V]) Sync(ctx context.Context) error {
	return s.pipeline.Barrier(ctx, true)
}

// Close waits for queued operations of every store to be written and
// releases the store name. The storage context stays open.
func (s *Store[K, V]) Close(ctx context.Context) error {
	err := s.pipeline.Barrier(ctx, false)
	s.context.Unregister(s.name)
	return err
}

// Stats reports the value cache counters and the number of pending operations.
func (s *Store[K, V]) Stats() (cache.CacheStats, int) {
	return s.cache.Stats(), s.pending.Len()
}
