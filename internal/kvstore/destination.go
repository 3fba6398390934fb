package kvstore

import (
	"fmt"

	"wbkv/internal/agents"
	"wbkv/internal/common"
	"wbkv/internal/logger"
	"wbkv/internal/metrics"
	"wbkv/internal/pending"
)

// destination is the pipeline-facing side of a Store.
type destination[K comparable, V any] struct {
	store *Store[K, V]
}

func (d *destination[K, V]) Name() string          { return d.store.name }
func (d *destination[K, V]) Column() common.Column { return d.store.column }

func (d *destination[K, V]) Resolve(key any) agents.Resolution {
	op, ok := d.store.pending.Lookup(key.(K))
	if !ok {
		return agents.Resolution{Action: agents.Noop}
	}
	if op.Kind == pending.Delete {
		return agents.Resolution{Action: agents.Remove, Token: op}
	}
	return agents.Resolution{Action: agents.Overwrite, Token: op}
}

func (d *destination[K, V]) EncodeKey(dst []byte, key any) ([]byte, error) {
	return d.store.keys.Encode(dst, key.(K))
}

func (d *destination[K, V]) EncodeValue(dst []byte, res agents.Resolution) ([]byte, error) {
	return d.store.values.Encode(dst, res.Token.(*pending.Op[V]).Value)
}

func (d *destination[K, V]) Persisted(key any, res agents.Resolution) {
	d.store.pending.Complete(key.(K), res.Token.(*pending.Op[V]))
}

// Dropped forgets an operation that could not be encoded. Reads fall back to
// whatever the engine holds.
func (d *destination[K, V]) Dropped(key any, res agents.Resolution, err error) {
	metrics.IncrementDroppedOperationCount()
	logger.LogErrorEvent("Store %s dropped %s of %v: %v", d.store.name, res.Action, key, err)
	d.store.pending.Complete(key.(K), res.Token.(*pending.Op[V]))
	d.store.cache.Invalidate(key.(K))
}

func (d *destination[K, V]) Failed(err error) {
	wrapped := fmt.Errorf("%w: %s: %v", ErrStoreFailed, d.store.name, err)
	if d.store.failure.CompareAndSwap(nil, &wrapped) {
		logger.LogErrorEvent("Store %s marked failed, rejecting further writes: %v", d.store.name, err)
	}
}
