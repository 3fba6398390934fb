package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"wbkv/internal/codec"
	"wbkv/internal/common"
	"wbkv/internal/logger"
)

// FlatStoreColumn holds every flat store, one value per store name.
const FlatStoreColumn = "_flat_stores"

// FlatStore is state kept in memory and persisted whole as a single value.
type FlatStore interface {
	Name() string
	// Load replaces the in-memory state with a previously saved value.
	Load(data []byte) error
	AppendTo(dst []byte) ([]byte, error)
}

// ModificationMarker lets Save skip flat stores that did not change since
// they were last saved.
type ModificationMarker interface {
	Modified() bool
	SetModified(modified bool)
}

// RegisterFlatStore loads the saved state of store, if any, and keeps it
// registered until it is unregistered or the context closes.
func (sc *StorageContext) RegisterFlatStore(store FlatStore) error {
	sc.flatMutex.Lock()
	defer sc.flatMutex.Unlock()
	if sc.isClosed() {
		return ErrContextClosed
	}
	if _, ok := sc.flatStores[store.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrStoreAlreadyOpen, store.Name())
	}

	column, err := sc.flatColumnLocked()
	if err != nil {
		return err
	}
	raw, found, err := column.Get([]byte(store.Name()), nil)
	if err != nil {
		return fmt.Errorf("failed to read flat store %s: %w", store.Name(), err)
	}
	if found {
		if err := store.Load(raw); err != nil {
			return fmt.Errorf("%w: flat store %s: %v", ErrCorruptFlatStore, store.Name(), err)
		}
	}
	sc.flatStores[store.Name()] = store
	logger.LogDebugEvent("Flat store %s registered (saved state found: %v)", store.Name(), found)
	return nil
}

// UnregisterFlatStore saves store one last time and forgets it.
func (sc *StorageContext) UnregisterFlatStore(store FlatStore) error {
	sc.flatMutex.Lock()
	defer sc.flatMutex.Unlock()
	if sc.flatStores[store.Name()] != store {
		return nil
	}
	delete(sc.flatStores, store.Name())
	if err := sc.saveFlatStoreLocked(store); err != nil {
		return err
	}
	return sc.flushFlatColumnLocked()
}

// Save writes every registered flat store. Without force, stores that report
// no modification are skipped.
func (sc *StorageContext) Save(force bool) error {
	sc.flatMutex.Lock()
	defer sc.flatMutex.Unlock()
	return sc.saveAllLocked(force)
}

func (sc *StorageContext) saveAllLocked(force bool) error {
	var errs []error
	saved := 0
	for _, store := range sc.flatStores {
		marker, tracked := store.(ModificationMarker)
		if !force && tracked && !marker.Modified() {
			continue
		}
		if err := sc.saveFlatStoreLocked(store); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	if saved > 0 {
		if err := sc.flushFlatColumnLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (sc *StorageContext) saveFlatStoreLocked(store FlatStore) error {
	marker, tracked := store.(ModificationMarker)
	if tracked {
		marker.SetModified(false)
	}
	column, err := sc.flatColumnLocked()
	if err == nil {
		var data []byte
		if data, err = store.AppendTo(nil); err == nil {
			err = column.Put([]byte(store.Name()), data)
		}
	}
	if err != nil {
		if tracked {
			marker.SetModified(true)
		}
		return fmt.Errorf("failed to save flat store %s: %w", store.Name(), err)
	}
	return nil
}

func (sc *StorageContext) flatColumnLocked() (common.Column, error) {
	if sc.flatColumn != nil {
		return sc.flatColumn, nil
	}
	column, err := sc.engine.OpenColumn(FlatStoreColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to open flat store column: %w", err)
	}
	sc.flatColumn = column
	return column, nil
}

func (sc *StorageContext) flushFlatColumnLocked() error {
	if sc.flatColumn == nil {
		return nil
	}
	return sc.engine.Flush([]common.Column{sc.flatColumn}, true)
}

// Flat is a FlatStore holding one value encoded with a codec.
type Flat[T any] struct {
	name     string
	codec    codec.Codec[T]
	mutex    sync.RWMutex
	value    T
	modified atomic.Bool
}

func NewFlat[T any](name string, c codec.Codec[T], initial T) *Flat[T] {
	return &Flat[T]{name: name, codec: c, value: initial}
}

func (f *Flat[T]) Name() string { return f.name }

func (f *Flat[T]) Get() T {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.value
}

func (f *Flat[T]) Set(value T) {
	f.mutex.Lock()
	f.value = value
	f.modified.Store(true)
	f.mutex.Unlock()
}

// Update replaces the value with fn's result and returns it.
func (f *Flat[T]) Update(fn func(T) T) T {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.value = fn(f.value)
	f.modified.Store(true)
	return f.value
}

func (f *Flat[T]) Load(data []byte) error {
	value, err := f.codec.Decode(data)
	if err != nil {
		return err
	}
	f.mutex.Lock()
	f.value = value
	f.mutex.Unlock()
	return nil
}

func (f *Flat[T]) AppendTo(dst []byte) ([]byte, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.codec.Encode(dst, f.value)
}

func (f *Flat[T]) Modified() bool            { return f.modified.Load() }
func (f *Flat[T]) SetModified(modified bool) { f.modified.Store(modified) }
