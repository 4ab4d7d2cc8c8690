// Package keymutex serializes work per string key without a process-wide
// lock. Keys hash onto a fixed set of mutexes; two keys may share a shard,
// which only costs a little extra waiting.
package keymutex

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by New when n <= 0.
const DefaultShards = 256

// KeyMutex is a sharded mutex keyed by string.
type KeyMutex struct {
	shards []sync.Mutex
}

// New creates a KeyMutex with n shards.
func New(n int) *KeyMutex {
	if n <= 0 {
		n = DefaultShards
	}
	return &KeyMutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard for key and returns its unlock function.
func (m *KeyMutex) Lock(key string) (unlock func()) {
	mu := &m.shards[m.shard(key)]
	mu.Lock()
	return mu.Unlock
}

func (m *KeyMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
