// Package syncutil provides keyed locking primitives used to serialize
// balance-changing operations on individual escrow accounts.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ContextShardedMutex maps string keys onto a fixed pool of channel-backed
// locks. Memory stays bounded no matter how many accounts exist, and a
// caller waiting on a contended account can give up when its request
// context is cancelled. Keys that hash to the same shard contend with each
// other; with 256 shards that is acceptable for request-scoped critical
// sections.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a sharded mutex with all shards unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key, blocking until it is available or
// ctx is done. On success it returns the unlock function, which the caller
// must invoke exactly once. On cancellation it returns ctx.Err() and the
// lock is not held.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardFor(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
