package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"wbkv/internal/common"
)

// MemoryEngine keeps every column in process memory. Nothing survives Close;
// it backs ephemeral stores and tests.
type MemoryEngine struct {
	mutex   sync.Mutex
	columns map[string]*MemoryTable
	bloom   common.BloomFilter
	closed  atomic.Bool

	flushCount atomic.Int64
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		columns: make(map[string]*MemoryTable),
		bloom:   NewSharedBloomFilter(1_000_000, 0.01),
	}
}

func (e *MemoryEngine) OpenColumn(name string) (common.Column, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if table, ok := e.columns[name]; ok {
		return table, nil
	}
	table := &MemoryTable{
		name:   name,
		id:     int64(xxhash.Sum64String(name) >> 1),
		engine: e,
		data:   make(map[string][]byte),
	}
	e.columns[name] = table
	return table, nil
}

func (e *MemoryEngine) NewBatch() common.WriteBatch {
	return &memoryBatch{}
}

// Write holds every touched column's lock while applying, in name order.
func (e *MemoryEngine) Write(batch common.WriteBatch) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	b, ok := batch.(*memoryBatch)
	if !ok {
		return ErrForeignColumn
	}

	touched := make([]*MemoryTable, 0, 2)
	seen := make(map[*MemoryTable]bool)
	for _, op := range b.ops {
		if !seen[op.table] {
			seen[op.table] = true
			touched = append(touched, op.table)
		}
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].name < touched[j].name })

	for _, table := range touched {
		table.mutex.Lock()
	}
	for _, op := range b.ops {
		if op.deleted {
			op.table.deleteLocked(op.key)
		} else {
			op.table.putLocked(op.key, op.value)
		}
	}
	for _, table := range touched {
		table.mutex.Unlock()
	}
	return nil
}

func (e *MemoryEngine) Flush(columns []common.Column, waitForFlush bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.flushCount.Add(1)
	return nil
}

// FlushCount reports how many flush requests reached the engine.
func (e *MemoryEngine) FlushCount() int64 {
	return e.flushCount.Load()
}

func (e *MemoryEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// MemoryTable is one column of a MemoryEngine.
type MemoryTable struct {
	name      string
	id        int64
	engine    *MemoryEngine
	data      map[string][]byte
	mutex     sync.RWMutex
	totalSize int64
}

func (mt *MemoryTable) Name() string { return mt.name }

func (mt *MemoryTable) Get(key []byte, dst []byte) ([]byte, bool, error) {
	mt.mutex.RLock()
	defer mt.mutex.RUnlock()

	val, ok := mt.data[string(key)]
	if !ok {
		return dst, false, nil
	}
	return append(dst, val...), true, nil
}

func (mt *MemoryTable) Has(key []byte) (bool, error) {
	mt.mutex.RLock()
	defer mt.mutex.RUnlock()
	_, ok := mt.data[string(key)]
	return ok, nil
}

func (mt *MemoryTable) MayExist(key []byte) bool {
	return mt.engine.bloom.Contains(mt.id, key)
}

func (mt *MemoryTable) Put(key, value []byte) error {
	if mt.engine.closed.Load() {
		return ErrEngineClosed
	}
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.putLocked(key, value)
	return nil
}

func (mt *MemoryTable) Delete(key []byte) error {
	if mt.engine.closed.Load() {
		return ErrEngineClosed
	}
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.deleteLocked(key)
	return nil
}

func (mt *MemoryTable) putLocked(key, value []byte) {
	mt.engine.bloom.Add(mt.id, key)

	if old, exists := mt.data[string(key)]; exists {
		atomic.AddInt64(&mt.totalSize, -int64(len(key)+len(old)))
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	mt.data[string(key)] = stored
	atomic.AddInt64(&mt.totalSize, int64(len(key)+len(value)))
}

func (mt *MemoryTable) deleteLocked(key []byte) {
	if old, exists := mt.data[string(key)]; exists {
		atomic.AddInt64(&mt.totalSize, -int64(len(key)+len(old)))
		delete(mt.data, string(key))
	}
}

// NewIterator walks a sorted copy of the column taken at creation time.
// There is no block cache or readahead to tune, so opts is unused.
func (mt *MemoryTable) NewIterator(opts common.ReadOptions) (common.Iterator, error) {
	mt.mutex.RLock()
	keys := make([]string, 0, len(mt.data))
	for k := range mt.data {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(mt.data))
	for k, v := range mt.data {
		values[k] = v
	}
	mt.mutex.RUnlock()

	sort.Strings(keys)
	return &memoryIterator{keys: keys, values: values, position: -1}, nil
}

// Clear drops the column contents. The shared bloom filter keeps its bits,
// which only costs false positives.
func (mt *MemoryTable) Clear() error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.data = make(map[string][]byte)
	atomic.StoreInt64(&mt.totalSize, 0)
	return nil
}

// Size returns the approximate size in bytes
func (mt *MemoryTable) Size() int64 {
	return atomic.LoadInt64(&mt.totalSize)
}

func (mt *MemoryTable) Len() int {
	mt.mutex.RLock()
	defer mt.mutex.RUnlock()
	return len(mt.data)
}

type memoryIterator struct {
	keys     []string
	values   map[string][]byte
	position int
}

func (it *memoryIterator) Next() bool {
	it.position++
	return it.position < len(it.keys)
}

func (it *memoryIterator) Key() []byte   { return []byte(it.keys[it.position]) }
func (it *memoryIterator) Value() []byte { return it.values[it.keys[it.position]] }
func (it *memoryIterator) Err() error    { return nil }
func (it *memoryIterator) Close() error  { return nil }

type memoryOp struct {
	table   *MemoryTable
	key     []byte
	value   []byte
	deleted bool
}

type memoryBatch struct {
	ops []memoryOp
}

func (b *memoryBatch) Put(column common.Column, key, value []byte) error {
	table, ok := column.(*MemoryTable)
	if !ok {
		return ErrForeignColumn
	}
	b.ops = append(b.ops, memoryOp{
		table: table,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *memoryBatch) Delete(column common.Column, key []byte) error {
	table, ok := column.(*MemoryTable)
	if !ok {
		return ErrForeignColumn
	}
	b.ops = append(b.ops, memoryOp{table: table, key: append([]byte(nil), key...), deleted: true})
	return nil
}

func (b *memoryBatch) Count() int   { return len(b.ops) }
func (b *memoryBatch) Reset()       { b.ops = b.ops[:0] }
func (b *memoryBatch) Close() error { b.ops = nil; return nil }
