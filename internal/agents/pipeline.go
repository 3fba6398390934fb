package agents

import (
	"context"
	"errors"
	"time"

	"wbkv/internal/common"
	"wbkv/internal/config"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
)

var (
	ErrQueueClosed     = errors.New("agents: pipeline is shut down")
	ErrShutdownTimeout = errors.New("agents: pipeline did not drain before the deadline")
)

type Action uint8

const (
	Noop Action = iota
	Overwrite
	Remove
)

func (a Action) String() string {
	switch a {
	case Overwrite:
		return "overwrite"
	case Remove:
		return "remove"
	default:
		return "noop"
	}
}

// Resolution is a destination's current intent for one key. Token identifies
// the pending operation it came from and is handed back on completion.
type Resolution struct {
	Action Action
	Token  any
}

// Destination is the store side of a pipeline: it owns a column, knows how to
// encode its keys and values, and tracks which operations are still pending.
type Destination interface {
	Name() string
	Column() common.Column
	// Resolve reports the current intent for key without consuming it.
	Resolve(key any) Resolution
	EncodeKey(dst []byte, key any) ([]byte, error)
	EncodeValue(dst []byte, res Resolution) ([]byte, error)
	// Persisted is called after res reached the engine.
	Persisted(key any, res Resolution)
	// Dropped is called when res could not be encoded and was skipped.
	Dropped(key any, res Resolution, err error)
	// Failed is called when the engine rejected a write after all retries.
	Failed(err error)
}

// Pipeline moves store operations to the engine in the background.
type Pipeline interface {
	Persist(dest Destination, key any, res Resolution) error
	// Barrier returns once everything enqueued before it has been written,
	// and flushed when durable is set.
	Barrier(ctx context.Context, durable bool) error
	RequestShrink()
	Len() int
	AwaitExit(timeout time.Duration) error
}

type PipelineOptions struct {
	QueueCapacity         int
	BatchSize             int
	PollInterval          time.Duration
	WaitForFlush          bool
	FlushAfterBatch       bool
	Retry                 RetryPolicy
	BufferInitialCapacity int
	BufferShrinkInterval  time.Duration
	BufferShrinkGap       int
}

func OptionsFromConfiguration(cfg config.SystemConfiguration) PipelineOptions {
	return PipelineOptions{
		QueueCapacity:         cfg.WriteQueueCapacity,
		BatchSize:             cfg.FlushBatchSize,
		PollInterval:          cfg.FlushPollInterval(),
		WaitForFlush:          cfg.WaitForFlush,
		FlushAfterBatch:       cfg.FlushAfterBatch,
		Retry:                 RetryPolicy{Attempts: cfg.EngineWriteRetryCount, Backoff: cfg.EngineWriteRetryBackoff()},
		BufferInitialCapacity: cfg.BufferInitialCapacityInBytes,
		BufferShrinkInterval:  cfg.BufferShrinkInterval(),
		BufferShrinkGap:       cfg.BufferShrinkGapThresholdInBytes,
	}
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = config.DefaultWriteQueueCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultFlushBatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultFlushPollIntervalInMilliseconds * time.Millisecond
	}
	return o
}

// RetryPolicy retries engine writes with exponential backoff. Attempts counts
// retries after the first try.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) run(what string, fn func() error) error {
	backoff := p.Backoff
	err := fn()
	for attempt := 1; err != nil && attempt <= p.Attempts; attempt++ {
		metrics.IncrementEngineWriteRetryCount()
		logger.LogWarningEvent("%s failed (attempt %d of %d): %v", what, attempt, p.Attempts+1, err)
		if backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = fn()
	}
	if err != nil {
		metrics.IncrementEngineWriteFailures()
	}
	return err
}

type columnSet struct {
	order []common.Column
	seen  map[common.Column]struct{}
}

func (s *columnSet) add(column common.Column) {
	if s.seen == nil {
		s.seen = make(map[common.Column]struct{})
	}
	if _, ok := s.seen[column]; ok {
		return
	}
	s.seen[column] = struct{}{}
	s.order = append(s.order, column)
}

func (s *columnSet) take() []common.Column {
	columns := s.order
	s.order = nil
	s.seen = nil
	return columns
}
