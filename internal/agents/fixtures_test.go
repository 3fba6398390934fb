package agents

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"wbkv/internal/common"
	"wbkv/internal/pending"
	"wbkv/internal/storage"
)

var errInjected = errors.New("injected engine failure")

// faultyEngine wraps the memory engine with injectable write failures, a
// one-shot write gate and a log of every key/value that reached a write.
type faultyEngine struct {
	*storage.MemoryEngine

	failures  atomic.Int32
	batches   atomic.Int32
	blockNext atomic.Bool
	entered   chan struct{}
	release   chan struct{}

	mutex   sync.Mutex
	written []string
}

func newFaultyEngine() *faultyEngine {
	return &faultyEngine{
		MemoryEngine: storage.NewMemoryEngine(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
}

type faultyColumn struct {
	common.Column
	engine *faultyEngine
}

type faultyBatch struct {
	common.WriteBatch
	engine *faultyEngine
	keys   []string
}

func (e *faultyEngine) OpenColumn(name string) (common.Column, error) {
	column, err := e.MemoryEngine.OpenColumn(name)
	if err != nil {
		return nil, err
	}
	return &faultyColumn{Column: column, engine: e}, nil
}

func (e *faultyEngine) NewBatch() common.WriteBatch {
	e.batches.Add(1)
	return &faultyBatch{WriteBatch: e.MemoryEngine.NewBatch(), engine: e}
}

func (e *faultyEngine) gate() error {
	if e.blockNext.CompareAndSwap(true, false) {
		e.entered <- struct{}{}
		<-e.release
	}
	if e.failures.Load() > 0 {
		e.failures.Add(-1)
		return errInjected
	}
	return nil
}

func (e *faultyEngine) record(entries ...string) {
	e.mutex.Lock()
	e.written = append(e.written, entries...)
	e.mutex.Unlock()
}

func (e *faultyEngine) writes() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.written...)
}

func (e *faultyEngine) Write(batch common.WriteBatch) error {
	b := batch.(*faultyBatch)
	if err := e.gate(); err != nil {
		return err
	}
	if err := e.MemoryEngine.Write(b.WriteBatch); err != nil {
		return err
	}
	e.record(b.keys...)
	return nil
}

func (c *faultyColumn) Put(key, value []byte) error {
	if err := c.engine.gate(); err != nil {
		return err
	}
	c.engine.record(string(key) + "=" + string(value))
	return c.Column.Put(key, value)
}

func (c *faultyColumn) Delete(key []byte) error {
	if err := c.engine.gate(); err != nil {
		return err
	}
	c.engine.record(string(key) + "=<deleted>")
	return c.Column.Delete(key)
}

func (b *faultyBatch) Put(column common.Column, key, value []byte) error {
	b.keys = append(b.keys, string(key)+"="+string(value))
	return b.WriteBatch.Put(column.(*faultyColumn).Column, key, value)
}

func (b *faultyBatch) Reset() {
	b.keys = b.keys[:0]
	b.WriteBatch.Reset()
}

func (b *faultyBatch) Delete(column common.Column, key []byte) error {
	b.keys = append(b.keys, string(key)+"=<deleted>")
	return b.WriteBatch.Delete(column.(*faultyColumn).Column, key)
}

// stringDestination is a minimal string store over a pending table.
type stringDestination struct {
	name    string
	column  common.Column
	pending *pending.Table[string, string]

	persisted atomic.Int64
	dropped   atomic.Int64
	mutex     sync.Mutex
	failure   error
}

func newStringDestination(engine common.Engine, name string) *stringDestination {
	column, err := engine.OpenColumn(name)
	if err != nil {
		panic(err)
	}
	return &stringDestination{name: name, column: column, pending: pending.NewTable[string, string]()}
}

func (d *stringDestination) put(p Pipeline, key, value string) error {
	op := pending.NewWrite(value)
	d.pending.Install(key, op)
	return p.Persist(d, key, Resolution{Action: Overwrite, Token: op})
}

func (d *stringDestination) remove(p Pipeline, key string) error {
	op := pending.NewDelete[string]()
	d.pending.Install(key, op)
	return p.Persist(d, key, Resolution{Action: Remove, Token: op})
}

func (d *stringDestination) Name() string          { return d.name }
func (d *stringDestination) Column() common.Column { return d.column }

func (d *stringDestination) Resolve(key any) Resolution {
	op, ok := d.pending.Lookup(key.(string))
	if !ok {
		return Resolution{Action: Noop}
	}
	if op.Kind == pending.Delete {
		return Resolution{Action: Remove, Token: op}
	}
	return Resolution{Action: Overwrite, Token: op}
}

func (d *stringDestination) EncodeKey(dst []byte, key any) ([]byte, error) {
	if strings.HasPrefix(key.(string), "bad-") {
		return dst, errors.New("unencodable key")
	}
	return append(dst, key.(string)...), nil
}

func (d *stringDestination) EncodeValue(dst []byte, res Resolution) ([]byte, error) {
	value := res.Token.(*pending.Op[string]).Value
	if value == "poison" {
		return dst, errors.New("unencodable value")
	}
	return append(dst, value...), nil
}

func (d *stringDestination) Persisted(key any, res Resolution) {
	d.persisted.Add(1)
	d.pending.Complete(key.(string), res.Token.(*pending.Op[string]))
}

func (d *stringDestination) Dropped(key any, res Resolution, err error) {
	d.dropped.Add(1)
	d.pending.Complete(key.(string), res.Token.(*pending.Op[string]))
}

func (d *stringDestination) Failed(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.failure == nil {
		d.failure = err
	}
}

func (d *stringDestination) failed() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.failure
}

func (d *stringDestination) stored(key string) (string, bool) {
	value, found, err := d.column.Get([]byte(key), nil)
	if err != nil {
		panic(err)
	}
	return string(value), found
}
