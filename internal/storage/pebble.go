package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/valyala/bytebufferpool"

	"wbkv/internal/common"
	"wbkv/internal/logger"
)

const (
	columnPrefixLength = 8
	lockFileName       = "LOCK.wbkv"
)

// Column registrations live under a prefix no column hash may take.
var metaPrefix = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 'c', 'o', 'l', '/'}

type PebbleOptions struct {
	CacheSizeInBytes     int64
	SyncWrites           bool
	EnableExistenceProbe bool
	ProbeExpectedItems   uint
	ProbeFalsePositive   float64
}

func DefaultPebbleOptions() PebbleOptions {
	return PebbleOptions{
		CacheSizeInBytes:     64 << 20,
		EnableExistenceProbe: true,
		ProbeExpectedItems:   1_000_000,
		ProbeFalsePositive:   0.01,
	}
}

// PebbleEngine maps columns onto key prefixes of a single pebble database.
type PebbleEngine struct {
	db        *pebble.DB
	directory string
	dirLock   *flock.Flock
	options   PebbleOptions
	writeOpts *pebble.WriteOptions

	mutex    sync.Mutex
	columns  map[string]*PebbleColumn
	prefixes map[uint64]string
	closed   atomic.Bool
}

func OpenPebbleEngine(directory string, options PebbleOptions) (*PebbleEngine, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dirLock := flock.New(filepath.Join(directory, lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseDirInUse, directory)
	}

	cache := pebble.NewCache(options.CacheSizeInBytes)
	defer cache.Unref()

	db, err := pebble.Open(directory, &pebble.Options{
		Cache:  cache,
		Logger: pebbleLogAdapter{},
	})
	if err != nil {
		dirLock.Unlock()
		return nil, fmt.Errorf("failed to open pebble at %s: %w", directory, err)
	}

	writeOpts := pebble.NoSync
	if options.SyncWrites {
		writeOpts = pebble.Sync
	}

	engine := &PebbleEngine{
		db:        db,
		directory: directory,
		dirLock:   dirLock,
		options:   options,
		writeOpts: writeOpts,
		columns:   make(map[string]*PebbleColumn),
		prefixes:  make(map[uint64]string),
	}
	if err := engine.loadRegistrations(); err != nil {
		db.Close()
		dirLock.Unlock()
		return nil, err
	}

	logger.LogInfoEvent("Pebble engine opened at %s (block cache %s, %d columns)",
		directory, humanize.IBytes(uint64(options.CacheSizeInBytes)), len(engine.prefixes))
	return engine, nil
}

func (e *PebbleEngine) loadRegistrations() error {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: metaPrefix,
		UpperBound: prefixUpperBound(metaPrefix),
	})
	if err != nil {
		return fmt.Errorf("failed to scan column registrations: %w", err)
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		name := string(it.Key()[len(metaPrefix):])
		if len(it.Value()) != columnPrefixLength {
			return fmt.Errorf("corrupt registration for column %q", name)
		}
		e.prefixes[binary.BigEndian.Uint64(it.Value())] = name
	}
	return it.Error()
}

func (e *PebbleEngine) OpenColumn(name string) (common.Column, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if column, ok := e.columns[name]; ok {
		return column, nil
	}

	hash := xxhash.Sum64String(name)
	prefix := make([]byte, columnPrefixLength)
	binary.BigEndian.PutUint64(prefix, hash)
	if bytes.HasPrefix(metaPrefix, prefix) {
		return nil, fmt.Errorf("%w: %q hashes into the reserved range", ErrColumnCollision, name)
	}

	owner, registered := e.prefixes[hash]
	if registered && owner != name {
		return nil, fmt.Errorf("%w: %q and %q", ErrColumnCollision, name, owner)
	}
	if !registered {
		metaKey := append(append([]byte(nil), metaPrefix...), name...)
		if err := e.db.Set(metaKey, prefix, pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to register column %q: %w", name, err)
		}
		e.prefixes[hash] = name
	}

	column := &PebbleColumn{
		name:   name,
		prefix: prefix,
		upper:  prefixUpperBound(prefix),
		engine: e,
	}
	if e.options.EnableExistenceProbe {
		if err := column.rebuildProbe(); err != nil {
			return nil, err
		}
	}
	e.columns[name] = column
	return column, nil
}

func (e *PebbleEngine) NewBatch() common.WriteBatch {
	return &pebbleBatch{engine: e, batch: e.db.NewBatch()}
}

func (e *PebbleEngine) Write(batch common.WriteBatch) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	b, ok := batch.(*pebbleBatch)
	if !ok || b.engine != e {
		return ErrForeignColumn
	}
	return e.db.Apply(b.batch, e.writeOpts)
}

// Flush always covers every column: pebble shares one memtable across prefixes.
func (e *PebbleEngine) Flush(columns []common.Column, waitForFlush bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if waitForFlush {
		return e.db.Flush()
	}
	_, err := e.db.AsyncFlush()
	return err
}

func (e *PebbleEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.db.Close()
	if unlockErr := e.dirLock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	logger.LogInfoEvent("Pebble engine at %s closed", e.directory)
	return err
}

// Metrics returns the pebble metrics summary.
func (e *PebbleEngine) Metrics() string {
	return e.db.Metrics().String()
}

type PebbleColumn struct {
	name   string
	prefix []byte
	upper  []byte
	engine *PebbleEngine

	probeMutex sync.RWMutex
	probe      *bloom.BloomFilter
}

func (c *PebbleColumn) Name() string { return c.name }

func (c *PebbleColumn) withKey(key []byte, fn func(full []byte) error) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = append(append(buf.B[:0], c.prefix...), key...)
	return fn(buf.B)
}

func (c *PebbleColumn) Get(key []byte, dst []byte) ([]byte, bool, error) {
	found := false
	err := c.withKey(key, func(full []byte) error {
		value, closer, err := c.engine.db.Get(full)
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		dst = append(dst, value...)
		found = true
		return closer.Close()
	})
	return dst, found, err
}

func (c *PebbleColumn) Has(key []byte) (bool, error) {
	_, found, err := c.Get(key, nil)
	return found, err
}

// MayExist is false only when the key was never written since open.
func (c *PebbleColumn) MayExist(key []byte) bool {
	c.probeMutex.RLock()
	defer c.probeMutex.RUnlock()
	if c.probe == nil {
		return true
	}
	return c.probe.Test(key)
}

func (c *PebbleColumn) addToProbe(key []byte) {
	c.probeMutex.Lock()
	if c.probe != nil {
		c.probe.Add(key)
	}
	c.probeMutex.Unlock()
}

func (c *PebbleColumn) rebuildProbe() error {
	probe := bloom.NewWithEstimates(c.engine.options.ProbeExpectedItems, c.engine.options.ProbeFalsePositive)
	it, err := c.engine.db.NewIter(&pebble.IterOptions{LowerBound: c.prefix, UpperBound: c.upper})
	if err != nil {
		return fmt.Errorf("failed to scan column %q: %w", c.name, err)
	}
	count := 0
	for it.First(); it.Valid(); it.Next() {
		probe.Add(it.Key()[columnPrefixLength:])
		count++
	}
	err = it.Error()
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to scan column %q: %w", c.name, err)
	}

	c.probeMutex.Lock()
	c.probe = probe
	c.probeMutex.Unlock()
	logger.LogDebugEvent("Existence probe for column %s rebuilt from %d keys", c.name, count)
	return nil
}

func (c *PebbleColumn) Put(key, value []byte) error {
	if c.engine.closed.Load() {
		return ErrEngineClosed
	}
	c.addToProbe(key)
	return c.withKey(key, func(full []byte) error {
		return c.engine.db.Set(full, value, c.engine.writeOpts)
	})
}

func (c *PebbleColumn) Delete(key []byte) error {
	if c.engine.closed.Load() {
		return ErrEngineClosed
	}
	return c.withKey(key, func(full []byte) error {
		return c.engine.db.Delete(full, c.engine.writeOpts)
	})
}

// NewIterator takes opts as a hint only. Pebble always verifies block
// checksums, sizes its own readahead and has no per-iterator cache bypass.
func (c *PebbleColumn) NewIterator(opts common.ReadOptions) (common.Iterator, error) {
	if c.engine.closed.Load() {
		return nil, ErrEngineClosed
	}
	it, err := c.engine.db.NewIter(&pebble.IterOptions{LowerBound: c.prefix, UpperBound: c.upper})
	if err != nil {
		return nil, err
	}
	return &pebbleIterator{it: it}, nil
}

func (c *PebbleColumn) Clear() error {
	if c.engine.closed.Load() {
		return ErrEngineClosed
	}
	if err := c.engine.db.DeleteRange(c.prefix, c.upper, pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear column %q: %w", c.name, err)
	}
	if err := c.engine.db.Compact(c.prefix, c.upper, true); err != nil {
		return fmt.Errorf("failed to compact column %q: %w", c.name, err)
	}
	// The probe keeps its bits: resetting it could hide a key written
	// concurrently with the range delete.
	return nil
}

type pebbleIterator struct {
	it      *pebble.Iterator
	started bool
}

func (p *pebbleIterator) Next() bool {
	if !p.started {
		p.started = true
		return p.it.First()
	}
	return p.it.Next()
}

func (p *pebbleIterator) Key() []byte   { return p.it.Key()[columnPrefixLength:] }
func (p *pebbleIterator) Value() []byte { return p.it.Value() }
func (p *pebbleIterator) Err() error    { return p.it.Error() }
func (p *pebbleIterator) Close() error  { return p.it.Close() }

type pebbleBatch struct {
	engine *PebbleEngine
	batch  *pebble.Batch
}

func (b *pebbleBatch) column(column common.Column) (*PebbleColumn, error) {
	c, ok := column.(*PebbleColumn)
	if !ok || c.engine != b.engine {
		return nil, ErrForeignColumn
	}
	return c, nil
}

func (b *pebbleBatch) Put(column common.Column, key, value []byte) error {
	c, err := b.column(column)
	if err != nil {
		return err
	}
	c.addToProbe(key)
	return c.withKey(key, func(full []byte) error {
		return b.batch.Set(full, value, nil)
	})
}

func (b *pebbleBatch) Delete(column common.Column, key []byte) error {
	c, err := b.column(column)
	if err != nil {
		return err
	}
	return c.withKey(key, func(full []byte) error {
		return b.batch.Delete(full, nil)
	})
}

func (b *pebbleBatch) Count() int   { return int(b.batch.Count()) }
func (b *pebbleBatch) Reset()       { b.batch.Reset() }
func (b *pebbleBatch) Close() error { return b.batch.Close() }

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

type pebbleLogAdapter struct{}

func (pebbleLogAdapter) Infof(format string, args ...interface{}) {
	logger.LogDebugEvent("[pebble] "+format, args...)
}

func (pebbleLogAdapter) Errorf(format string, args ...interface{}) {
	logger.LogErrorEvent("[pebble] "+format, args...)
}

func (pebbleLogAdapter) Fatalf(format string, args ...interface{}) {
	logger.LogErrorEvent("[pebble] FATAL "+format, args...)
	panic(fmt.Sprintf(format, args...))
}
