package backend

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the number of independently locked partitions in a shardMap.
const shardCount = 32

// shardMap is an identifier-keyed map split into shards so that opens of
// unrelated databases do not serialize on one lock. Every check-then-act
// sequence for a given identifier runs under that identifier's shard lock.
type shardMap[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func newShardMap[V any]() *shardMap[V] {
	s := &shardMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *shardMap[V]) shardFor(id string) *shard[V] {
	return &s.shards[xxhash.Sum64String(id)%shardCount]
}

// load returns the value stored for id.
func (s *shardMap[V]) load(id string) (V, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[id]
	return v, ok
}

// loadOrCreate returns the value for id, calling create to build and insert
// one if absent. A failed create inserts nothing.
func (s *shardMap[V]) loadOrCreate(id string, create func() (V, error)) (V, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if v, ok := sh.m[id]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return v, err
	}
	sh.m[id] = v
	return v, nil
}

// remove deletes id and returns the value it held.
func (s *shardMap[V]) remove(id string) (V, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[id]
	if ok {
		delete(sh.m, id)
	}
	return v, ok
}

// keys returns every identifier in sorted order.
func (s *shardMap[V]) keys() []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k := range sh.m {
			out = append(out, k)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// each calls fn for every entry, one shard at a time, while holding that
// shard's lock. Returning false from fn drops the entry.
func (s *shardMap[V]) each(fn func(id string, v V) (keep bool)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !fn(k, v) {
				delete(sh.m, k)
			}
		}
		sh.mu.Unlock()
	}
}

// len returns the number of entries.
func (s *shardMap[V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
