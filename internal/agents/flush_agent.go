package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wbkv/internal/buffers"
	"wbkv/internal/common"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
	"wbkv/internal/queue"
)

type dirtyKey struct {
	dest Destination
	key  any
}

type shrinkKey struct{}

type flushItem struct {
	kind    taskKind
	dest    Destination
	key     any
	durable bool
	done    chan error
}

type committedEntry struct {
	dest Destination
	key  any
	res  Resolution
}

type columnGroup struct {
	column  common.Column
	batch   common.WriteBatch
	entries []committedEntry
}

// FlushQueue coalesces dirty keys and commits them in batches, one atomic
// engine write per column.
type FlushQueue struct {
	engine  common.Engine
	options PipelineOptions
	queue   *queue.CoalescingQueue[any, *flushItem]
	buffers *buffers.WorkerBuffers

	gate          sync.RWMutex
	closed        bool
	shutdownOnce  sync.Once
	exited        chan struct{}
	lastCoalesced int64

	groups   []*columnGroup
	byColumn map[common.Column]*columnGroup
	touched  columnSet
}

func NewFlushQueue(engine common.Engine, options PipelineOptions) *FlushQueue {
	options = options.withDefaults()
	q := &FlushQueue{
		engine:   engine,
		options:  options,
		queue:    queue.NewCoalescingQueue[any, *flushItem](),
		buffers:  buffers.NewWorkerBuffers(options.BufferInitialCapacity, options.BufferShrinkInterval, options.BufferShrinkGap),
		exited:   make(chan struct{}),
		byColumn: make(map[common.Column]*columnGroup),
	}
	go q.run()
	logger.LogInfoEvent("Flush queue started (batch size %d, poll %v)", options.BatchSize, options.PollInterval)
	return q
}

func (q *FlushQueue) offer(key any, item *flushItem) error {
	q.gate.RLock()
	defer q.gate.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.queue.Offer(key, item)
	return nil
}

// Persist marks key dirty. The value written is whatever the destination
// resolves when the batch is committed, so a key that is already queued is
// left where it is: it stays ahead of any barrier offered since.
func (q *FlushQueue) Persist(dest Destination, key any, _ Resolution) error {
	q.gate.RLock()
	defer q.gate.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.queue.OfferIfAbsent(dirtyKey{dest: dest, key: key}, &flushItem{kind: taskPersist, dest: dest, key: key})
	return nil
}

func (q *FlushQueue) Barrier(ctx context.Context, durable bool) error {
	done := make(chan error, 1)
	if err := q.offer(uuid.NewString(), &flushItem{kind: taskBarrier, durable: durable, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestShrink queues a buffer check; pending checks collapse into one.
func (q *FlushQueue) RequestShrink() {
	q.offer(shrinkKey{}, &flushItem{kind: taskShrink})
}

func (q *FlushQueue) Len() int {
	return q.queue.Len()
}

func (q *FlushQueue) AwaitExit(timeout time.Duration) error {
	q.shutdownOnce.Do(func() {
		q.gate.Lock()
		q.closed = true
		q.queue.Offer(uuid.NewString(), &flushItem{kind: taskShutdown})
		q.gate.Unlock()
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: flush queue still holds %d operations after %v", ErrShutdownTimeout, q.queue.Len(), timeout)
	}
}

func (q *FlushQueue) run() {
	defer close(q.exited)
	batch := make([]*flushItem, 0, q.options.BatchSize)

	for {
		first, ok := q.queue.Poll(q.options.PollInterval)
		if !ok {
			continue
		}
		batch = append(batch[:0], first)
		batch = q.queue.DrainTo(batch, q.options.BatchSize-1)

		exit := q.processBatch(batch)
		clear(batch)

		if coalesced := q.queue.Coalesced(); coalesced != q.lastCoalesced {
			metrics.AddCoalesced(coalesced - q.lastCoalesced)
			q.lastCoalesced = coalesced
		}
		metrics.SetQueueDepth("flush_queue", q.queue.Len())

		if exit {
			// Nothing can be offered after the sentinel, but drain defensively.
			for rest := q.queue.DrainTo(nil, q.queue.Len()+1); len(rest) > 0; rest = q.queue.DrainTo(nil, q.queue.Len()+1) {
				q.processBatch(rest)
			}
			q.closeBatches()
			logger.LogInfoEvent("Flush queue stopped")
			return
		}
	}
}

func (q *FlushQueue) processBatch(batch []*flushItem) (exit bool) {
	for _, item := range batch {
		switch item.kind {
		case taskPersist:
			q.stage(item.dest, item.key)
		case taskBarrier:
			err := q.commitGroups()
			if item.durable {
				if flushErr := q.flushTouched(true); err == nil {
					err = flushErr
				}
			}
			item.done <- err
		case taskShrink:
			if released := q.buffers.MaybeShrink(time.Now()); released > 0 {
				metrics.AddBufferBytesReleased(released)
				logger.LogDebugEvent("Flush queue released %d buffer bytes", released)
			}
		case taskShutdown:
			exit = true
		}
	}

	q.commitGroups()
	if q.options.FlushAfterBatch || exit {
		if err := q.flushTouched(q.options.WaitForFlush || exit); err != nil {
			logger.LogErrorEvent("Flush after batch failed: %v", err)
		}
	}
	return exit
}

func (q *FlushQueue) stage(dest Destination, key any) {
	res := dest.Resolve(key)
	if res.Action == Noop {
		return
	}

	encodedKey, err := dest.EncodeKey(q.buffers.Key.Scratch(), key)
	if err != nil {
		dest.Dropped(key, res, err)
		return
	}
	q.buffers.Key.Set(encodedKey)

	group := q.group(dest.Column())
	switch res.Action {
	case Overwrite:
		value, err := dest.EncodeValue(q.buffers.Value.Scratch(), res)
		if err != nil {
			dest.Dropped(key, res, err)
			return
		}
		q.buffers.Value.Set(value)
		err = group.batch.Put(group.column, encodedKey, value)
		if err != nil {
			dest.Failed(err)
			return
		}
	case Remove:
		if err := group.batch.Delete(group.column, encodedKey); err != nil {
			dest.Failed(err)
			return
		}
	}
	group.entries = append(group.entries, committedEntry{dest: dest, key: key, res: res})
}

func (q *FlushQueue) group(column common.Column) *columnGroup {
	group, ok := q.byColumn[column]
	if !ok {
		group = &columnGroup{column: column}
		q.byColumn[column] = group
		q.groups = append(q.groups, group)
	}
	if group.batch == nil {
		group.batch = q.engine.NewBatch()
	}
	return group
}

// commitGroups writes every staged group in first-seen order and completes
// the operations it carried. Each group keeps its batch for the next round.
func (q *FlushQueue) commitGroups() error {
	var firstErr error
	for _, group := range q.groups {
		if group.batch == nil {
			continue
		}
		if len(group.entries) > 0 {
			if err := q.commit(group); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		group.batch.Reset()
		clear(group.entries)
		group.entries = group.entries[:0]
	}
	return firstErr
}

func (q *FlushQueue) closeBatches() {
	for _, group := range q.groups {
		if group.batch != nil {
			group.batch.Close()
			group.batch = nil
		}
	}
}

func (q *FlushQueue) commit(group *columnGroup) error {
	started := time.Now()
	size := group.batch.Count()
	err := q.options.Retry.run("batch commit on "+group.column.Name(), func() error {
		return q.engine.Write(group.batch)
	})
	if err != nil {
		failed := make(map[Destination]struct{})
		for _, entry := range group.entries {
			if _, seen := failed[entry.dest]; !seen {
				failed[entry.dest] = struct{}{}
				entry.dest.Failed(err)
			}
		}
		return err
	}

	metrics.ObserveBatchCommit(started, size)
	puts := 0
	for _, entry := range group.entries {
		if entry.res.Action == Overwrite {
			puts++
		}
		entry.dest.Persisted(entry.key, entry.res)
	}
	metrics.AddEnginePuts(puts)
	metrics.AddEngineDeletes(len(group.entries) - puts)
	q.touched.add(group.column)
	return nil
}

func (q *FlushQueue) flushTouched(wait bool) error {
	columns := q.touched.take()
	if len(columns) == 0 {
		return nil
	}
	return q.options.Retry.run("engine flush", func() error {
		return q.engine.Flush(columns, wait)
	})
}
