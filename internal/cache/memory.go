package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const counterShards = 64

type record struct {
	value   interface{}
	expires time.Time // zero means no expiry
}

func (r *record) expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

type counter struct {
	value   int64
	expires time.Time
}

type counterShard struct {
	mu sync.Mutex
	m  map[string]*counter
}

// MemoryStore is an in-process Store: an LRU for lookup records plus
// sharded maps for counters, so hot counters never contend with record
// churn.
type MemoryStore struct {
	lru       *expirable.LRU[string, *record]
	maxSize   int
	evictions atomic.Int64
	shards    [counterShards]counterShard
}

// NewMemoryStore creates a store holding at most maxSize lookup
// records. Per-entry TTLs are enforced on read.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *record](maxSize, func(string, *record) {
		s.evictions.Add(1)
	}, 0)
	for i := range s.shards {
		s.shards[i].m = make(map[string]*counter)
	}
	return s
}

func (s *MemoryStore) Get(key string) (interface{}, bool) {
	rec, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if rec.expired(time.Now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return rec.value, true
}

func (s *MemoryStore) Set(key string, value interface{}, ttl time.Duration) {
	rec := &record{value: value}
	if ttl > 0 {
		rec.expires = time.Now().Add(ttl)
	}
	s.lru.Add(key, rec)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (s *MemoryStore) DeleteByPrefix(prefix string) {
	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
		}
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key := range sh.m {
			if strings.HasPrefix(key, prefix) {
				delete(sh.m, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.m = make(map[string]*counter)
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) shard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%counterShards]
}

func (s *MemoryStore) Counter(key string) int64 {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.m[key]
	if !ok || time.Now().After(c.expires) {
		return 0
	}
	return c.value
}

func (s *MemoryStore) IncrBy(key string, delta int64, ttl time.Duration) int64 {
	now := time.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.m[key]
	if !ok || now.After(c.expires) {
		c = &counter{expires: now.Add(ttl)}
		sh.m[key] = c
	}
	c.value += delta
	if c.value < 0 {
		c.value = 0
	}
	return c.value
}

func (s *MemoryStore) IncrementIfBelow(key string, limit int64, ttl time.Duration) (bool, int64) {
	now := time.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.m[key]
	if !ok || now.After(c.expires) {
		c = &counter{expires: now.Add(ttl)}
		sh.m[key] = c
	}
	if c.value >= limit {
		return false, c.value
	}
	c.value++
	return true, c.value
}

func (s *MemoryStore) Stats() Stats {
	live := 0
	now := time.Now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, c := range sh.m {
			if !now.After(c.expires) {
				live++
			}
		}
		sh.mu.Unlock()
	}
	return Stats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Counters:  live,
		Evictions: s.evictions.Load(),
	}
}

var _ Store = (*MemoryStore)(nil)
