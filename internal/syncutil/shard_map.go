// Package syncutil provides concurrency-safe containers.
package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// Operations on keys from different shards never block each other.
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is a [NewShardMap] option that sets the number of shards.
type ShardsNum uint

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// If no number of shards is specified, the default number of shards (32) is used.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var shardsNum ShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok {
			shardsNum = v
		}
	}
	if shardsNum == 0 {
		shardsNum = defShardsNum
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Set adds or replaces the value stored under the key.
func (m *ShardMap[K, V]) Set(key K, val V) {
	s := m.getShard(key)
	s.Lock()
	s.items[key] = val
	s.Unlock()
}

// SetIfAbsent stores val under the key unless the key is already present.
// It returns the value stored under the key after the call and
// reports whether that value was already there.
func (m *ShardMap[K, V]) SetIfAbsent(key K, val V) (actual V, loaded bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()

	if v, ok := s.items[key]; ok {
		return v, true
	}
	s.items[key] = val
	return val, false
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Del removes the key and returns the removed value.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// DelFunc removes the key only if fn reports true for the stored value.
func (m *ShardMap[K, V]) DelFunc(key K, fn func(V) bool) bool {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	v, ok := s.items[key]
	if !ok || !fn(v) {
		return false
	}
	delete(s.items, key)
	return true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Items returns an iterator over a point-in-time copy of every shard.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
