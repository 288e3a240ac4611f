// Package syncutil holds keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewContextShardedMutex.
const DefaultShards = 256

// ContextShardedMutex is a fixed pool of channel-backed mutexes keyed by
// string. Memory stays bounded regardless of how many keys are seen; two
// keys hashing to the same shard serialize against each other. Waiters can
// give up when their context is cancelled.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a mutex pool with DefaultShards shards.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexN(DefaultShards)
}

// NewContextShardedMutexN creates a mutex pool with n shards (minimum 1).
func NewContextShardedMutexN(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key. On success it returns the unlock
// function, which the caller must call exactly once. If ctx ends first it
// returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shardIdx(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free right now.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shardIdx(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
