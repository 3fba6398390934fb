package storage

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const bloomShardCount = 32

type bloomShard struct {
	filter *bloom.BloomFilter
	mutex  sync.RWMutex
}

// SharedBloomFilter is one existence probe shared by many columns. The column
// id picks a shard and is mixed into every hashed key.
type SharedBloomFilter struct {
	shards        []*bloomShard
	expectedItems uint
	rate          float64
}

func NewSharedBloomFilter(expectedItems int, falsePositiveRate float64) *SharedBloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	perShard := uint(expectedItems/bloomShardCount) + 1
	shards := make([]*bloomShard, bloomShardCount)
	for i := range shards {
		shards[i] = &bloomShard{filter: bloom.NewWithEstimates(perShard, falsePositiveRate)}
	}
	return &SharedBloomFilter{shards: shards, expectedItems: perShard, rate: falsePositiveRate}
}

func (bf *SharedBloomFilter) shard(id int64) *bloomShard {
	idx := id % bloomShardCount
	if idx < 0 {
		idx = -idx
	}
	return bf.shards[idx]
}

func (bf *SharedBloomFilter) Add(id int64, key []byte) {
	tagged := tagKey(id, key)
	shard := bf.shard(id)
	shard.mutex.Lock()
	shard.filter.Add(tagged)
	shard.mutex.Unlock()
}

func (bf *SharedBloomFilter) Contains(id int64, key []byte) bool {
	tagged := tagKey(id, key)
	shard := bf.shard(id)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()
	return shard.filter.Test(tagged)
}

func tagKey(id int64, key []byte) []byte {
	tagged := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(tagged, uint64(id))
	copy(tagged[8:], key)
	return tagged
}
