package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMap is a string-keyed map split across a fixed pool of shards, each
// guarded by its own RWMutex. Keys that hash to different shards never contend.
// Memory for the lock pool is bounded regardless of how many keys are seen.
type ShardedMap[V any] struct {
	shards [shardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewShardedMap creates an empty sharded map.
func NewShardedMap[V any]() *ShardedMap[V] {
	s := &ShardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *ShardedMap[V]) shard(key string) *mapShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Update runs fn under the exclusive lock of key's shard. fn receives the
// current value (and whether it exists) and returns the value to store and
// whether to keep it; returning keep=false deletes the key.
// fn must not call back into the map.
func (s *ShardedMap[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if keep {
		sh.m[key] = next
	} else if ok {
		delete(sh.m, key)
	}
}

// View runs fn under the read lock of key's shard.
func (s *ShardedMap[V]) View(key string, fn func(v V, ok bool)) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := sh.m[key]
	fn(v, ok)
}

// Range calls fn for every entry, holding one shard's read lock at a time.
// The iteration is not a point-in-time snapshot across shards. Returning
// false from fn stops the iteration.
func (s *ShardedMap[V]) Range(fn func(key string, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Sweep calls fn for every entry under the shard's exclusive lock. fn returns
// the value to store and whether to keep it; entries with keep=false are
// deleted. It returns the number of deletions.
func (s *ShardedMap[V]) Sweep(fn func(key string, v V) (V, bool)) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			next, keep := fn(k, v)
			if !keep {
				delete(sh.m, k)
				removed++
				continue
			}
			sh.m[k] = next
		}
		sh.mu.Unlock()
	}
	return removed
}

// Clear removes every entry. All shard locks are held at once, in index
// order, so no update can interleave with the reset.
func (s *ShardedMap[V]) Clear() {
	for i := range s.shards {
		s.shards[i].mu.Lock()
	}
	for i := range s.shards {
		clear(s.shards[i].m)
	}
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].mu.Unlock()
	}
}

// Len returns the number of entries. Like Range, it is not atomic across shards.
func (s *ShardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
