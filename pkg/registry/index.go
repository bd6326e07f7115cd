package registry

import (
	"hash/fnv"
	"sync"
)

const indexShards = 32

// index is a sharded multimap (key -> set of members). Mutations to one
// bucket are synchronized within its shard; different keys can be mutated
// fully in parallel. No global lock.
type index struct {
	shards [indexShards]indexShard
}

type indexShard struct {
	mu sync.RWMutex
	m  map[string]map[string]struct{}
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i].m = make(map[string]map[string]struct{})
	}
	return ix
}

func (ix *index) shard(key string) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &ix.shards[h.Sum32()%indexShards]
}

// add inserts a member and reports whether it was newly added.
func (ix *index) add(key, member string) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[key]
	if !ok {
		set = make(map[string]struct{})
		s.m[key] = set
	}
	if _, exists := set[member]; exists {
		return false
	}
	set[member] = struct{}{}
	return true
}

func (ix *index) remove(key, member string) {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.m[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.m, key)
		}
	}
}

// drop removes the whole bucket and returns its former members.
func (ix *index) drop(key string) []string {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[key]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	delete(s.m, key)
	return members
}

func (ix *index) members(key string) []string {
	s := ix.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.m[key]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members
}

func (ix *index) has(key, member string) bool {
	s := ix.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[key][member]
	return ok
}
