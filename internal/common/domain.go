package common

// ReadOptions are hints for engine iterators. Engines apply the ones they
// support and ignore the rest.
type ReadOptions struct {
	FillCache       bool
	VerifyChecksums bool
	ReadAheadSize   int
}

// SequentialReadOptions suit full scans.
var SequentialReadOptions = ReadOptions{
	FillCache:     false,
	ReadAheadSize: 4 * 1024 * 1024,
}

type BloomFilter interface {
	Add(id int64, key []byte)
	Contains(id int64, key []byte) bool
}

// Engine is the durable sorted store behind the caches. Only the background
// writers mutate it, except for Column.Clear.
type Engine interface {
	OpenColumn(name string) (Column, error)
	NewBatch() WriteBatch
	// Write applies every operation of the batch atomically.
	Write(batch WriteBatch) error
	Flush(columns []Column, waitForFlush bool) error
	Close() error
}

type Column interface {
	Name() string
	// Get appends the stored value to dst.
	Get(key []byte, dst []byte) ([]byte, bool, error)
	Has(key []byte) (bool, error)
	// MayExist is a cheap probe. It may report true for absent keys but never
	// false for present ones.
	MayExist(key []byte) bool
	Put(key, value []byte) error
	Delete(key []byte) error
	NewIterator(opts ReadOptions) (Iterator, error)
	// Clear deletes the whole key range of the column and compacts it.
	Clear() error
}

// WriteBatch copies keys and values on insertion, callers may reuse buffers.
type WriteBatch interface {
	Put(column Column, key, value []byte) error
	Delete(column Column, key []byte) error
	Count() int
	Reset()
	Close() error
}

// Iterator walks a column in key order. Key and Value are only valid until the
// next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}
