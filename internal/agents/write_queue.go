package agents

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wbkv/internal/buffers"
	"wbkv/internal/common"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
)

type taskKind uint8

const (
	taskPersist taskKind = iota
	taskBarrier
	taskShrink
	taskShutdown
)

type writeTask struct {
	kind    taskKind
	dest    Destination
	key     any
	res     Resolution
	durable bool
	done    chan error
}

// WriteQueue persists operations one by one, in enqueue order, from a single
// worker goroutine.
type WriteQueue struct {
	engine  common.Engine
	options PipelineOptions
	tasks   chan *writeTask
	buffers *buffers.WorkerBuffers

	gate         sync.RWMutex
	closing      atomic.Bool
	closed       bool
	shutdownOnce sync.Once
	exited       chan struct{}

	touched columnSet
}

func NewWriteQueue(engine common.Engine, options PipelineOptions) *WriteQueue {
	options = options.withDefaults()
	q := &WriteQueue{
		engine:  engine,
		options: options,
		tasks:   make(chan *writeTask, options.QueueCapacity),
		buffers: buffers.NewWorkerBuffers(options.BufferInitialCapacity, options.BufferShrinkInterval, options.BufferShrinkGap),
		exited:  make(chan struct{}),
	}
	go q.run()
	logger.LogInfoEvent("Write queue started (capacity %d)", options.QueueCapacity)
	return q
}

func (q *WriteQueue) enqueue(task *writeTask) error {
	if q.closing.Load() {
		return ErrQueueClosed
	}
	q.gate.RLock()
	defer q.gate.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks <- task
	return nil
}

// Persist blocks only while the queue is full.
func (q *WriteQueue) Persist(dest Destination, key any, res Resolution) error {
	return q.enqueue(&writeTask{kind: taskPersist, dest: dest, key: key, res: res})
}

func (q *WriteQueue) Barrier(ctx context.Context, durable bool) error {
	done := make(chan error, 1)
	if err := q.enqueue(&writeTask{kind: taskBarrier, durable: durable, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestShrink asks the worker to check its buffers. Dropped when the queue is full.
func (q *WriteQueue) RequestShrink() {
	q.gate.RLock()
	defer q.gate.RUnlock()
	if q.closed || q.closing.Load() {
		return
	}
	select {
	case q.tasks <- &writeTask{kind: taskShrink}:
	default:
	}
}

func (q *WriteQueue) Len() int {
	return len(q.tasks)
}

// AwaitExit stops accepting operations, lets the worker finish everything
// already queued and waits up to timeout for it to exit. Repeated calls only wait.
// The deadline covers enqueueing the sentinel too, which blocks while the
// queue is full.
func (q *WriteQueue) AwaitExit(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.shutdownOnce.Do(func() {
		q.closing.Store(true)
		go func() {
			q.gate.Lock()
			defer q.gate.Unlock()
			q.closed = true
			q.tasks <- &writeTask{kind: taskShutdown}
		}()
	})

	select {
	case <-q.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: write queue still holds %d tasks after %v", ErrShutdownTimeout, len(q.tasks), timeout)
	}
}

func (q *WriteQueue) run() {
	defer close(q.exited)
	for task := range q.tasks {
		switch task.kind {
		case taskPersist:
			q.persist(task)
		case taskBarrier:
			task.done <- q.barrier(task.durable)
		case taskShrink:
			if released := q.buffers.MaybeShrink(time.Now()); released > 0 {
				metrics.AddBufferBytesReleased(released)
				logger.LogDebugEvent("Write queue released %d buffer bytes", released)
			}
		case taskShutdown:
			if err := q.barrier(true); err != nil {
				logger.LogErrorEvent("Final flush of write queue failed: %v", err)
			}
			logger.LogInfoEvent("Write queue stopped")
			return
		}
		metrics.SetQueueDepth("write_queue", len(q.tasks))
	}
}

func (q *WriteQueue) persist(task *writeTask) {
	dest := task.dest
	// A newer operation on the same key is queued behind this one.
	if current := dest.Resolve(task.key); current.Token != task.res.Token || current.Action == Noop {
		return
	}

	key, err := dest.EncodeKey(q.buffers.Key.Scratch(), task.key)
	if err != nil {
		dest.Dropped(task.key, task.res, err)
		return
	}
	q.buffers.Key.Set(key)

	column := dest.Column()
	switch task.res.Action {
	case Overwrite:
		value, err := dest.EncodeValue(q.buffers.Value.Scratch(), task.res)
		if err != nil {
			dest.Dropped(task.key, task.res, err)
			return
		}
		q.buffers.Value.Set(value)
		err = q.options.Retry.run("engine put on "+column.Name(), func() error {
			return column.Put(key, value)
		})
		if err != nil {
			dest.Failed(err)
			return
		}
		metrics.AddEnginePuts(1)
	case Remove:
		err := q.options.Retry.run("engine delete on "+column.Name(), func() error {
			return column.Delete(key)
		})
		if err != nil {
			dest.Failed(err)
			return
		}
		metrics.AddEngineDeletes(1)
	}
	q.touched.add(column)
	dest.Persisted(task.key, task.res)
}

func (q *WriteQueue) barrier(durable bool) error {
	if !durable {
		return nil
	}
	columns := q.touched.take()
	if len(columns) == 0 {
		return nil
	}
	return q.options.Retry.run("engine flush", func() error {
		return q.engine.Flush(columns, true)
	})
}
