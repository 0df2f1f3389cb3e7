package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := NewMemoryStore(10)

	s.Set("k1", "v1", time.Minute)
	got, ok := s.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.(string) != "v1" {
		t.Errorf("expected v1, got %v", got)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore(10)

	s.Set("short", "v", 10*time.Millisecond)
	s.Set("forever", "v", 0)

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get("short"); ok {
		t.Error("expected expired entry to miss")
	}
	if _, ok := s.Get("forever"); !ok {
		t.Error("expected zero-TTL entry to persist")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(10)
	s.Set("k", "v", time.Minute)
	s.IncrBy("k", 1, time.Minute)

	s.Delete("k")

	if _, ok := s.Get("k"); ok {
		t.Error("expected record deleted")
	}
	if got := s.Counter("k"); got != 0 {
		t.Errorf("expected counter deleted, got %d", got)
	}
}

func TestMemoryStoreDeleteByPrefix(t *testing.T) {
	s := NewMemoryStore(10)
	s.Set("api_cache:orders/v1", "a", time.Minute)
	s.Set("api_cache:billing/v1", "b", time.Minute)
	s.Set("user_cache:alice", "u", time.Minute)
	s.IncrBy("rate:alice:100", 3, time.Minute)

	s.DeleteByPrefix("api_cache:")

	if _, ok := s.Get("api_cache:orders/v1"); ok {
		t.Error("expected prefixed record deleted")
	}
	if _, ok := s.Get("user_cache:alice"); !ok {
		t.Error("expected other prefix to survive")
	}
	if got := s.Counter("rate:alice:100"); got != 3 {
		t.Errorf("expected counter to survive, got %d", got)
	}

	s.DeleteByPrefix("rate:")
	if got := s.Counter("rate:alice:100"); got != 0 {
		t.Errorf("expected counter deleted by prefix, got %d", got)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	s := NewMemoryStore(10)
	s.Set("k", "v", time.Minute)
	s.IncrBy("c", 5, time.Minute)

	s.Purge()

	if _, ok := s.Get("k"); ok {
		t.Error("expected purge to clear records")
	}
	if got := s.Counter("c"); got != 0 {
		t.Errorf("expected purge to clear counters, got %d", got)
	}
}

func TestCounterWindowSemantics(t *testing.T) {
	s := NewMemoryStore(10)

	if got := s.Counter("rate:u:1"); got != 0 {
		t.Errorf("expected fresh counter to read 0, got %d", got)
	}
	if got := s.IncrBy("rate:u:1", 1, 20*time.Millisecond); got != 1 {
		t.Errorf("expected 1 after first increment, got %d", got)
	}
	if got := s.IncrBy("rate:u:1", 1, 20*time.Millisecond); got != 2 {
		t.Errorf("expected 2 after second increment, got %d", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := s.Counter("rate:u:1"); got != 0 {
		t.Errorf("expected expired counter to read 0, got %d", got)
	}
	if got := s.IncrBy("rate:u:1", 1, time.Minute); got != 1 {
		t.Errorf("expected expired counter to restart at 1, got %d", got)
	}
}

func TestCounterRollbackClampsAtZero(t *testing.T) {
	s := NewMemoryStore(10)

	s.IncrBy("c", 1, time.Minute)
	if got := s.IncrBy("c", -1, time.Minute); got != 0 {
		t.Errorf("expected rollback to 0, got %d", got)
	}
	// rolling back into a fresh window must not go negative
	if got := s.IncrBy("fresh", -1, time.Minute); got != 0 {
		t.Errorf("expected clamped 0, got %d", got)
	}
}

func TestIncrementIfBelow(t *testing.T) {
	s := NewMemoryStore(10)

	for i := int64(1); i <= 3; i++ {
		allowed, v := s.IncrementIfBelow("rate:u:1", 3, time.Minute)
		if !allowed || v != i {
			t.Fatalf("expected admit %d, got allowed=%v v=%d", i, allowed, v)
		}
	}

	allowed, v := s.IncrementIfBelow("rate:u:1", 3, time.Minute)
	if allowed {
		t.Error("expected denial at limit")
	}
	if v != 3 {
		t.Errorf("expected counter to stay at 3, got %d", v)
	}

	// denial must not consume; a rollback frees a slot
	s.IncrBy("rate:u:1", -1, time.Minute)
	if allowed, _ := s.IncrementIfBelow("rate:u:1", 3, time.Minute); !allowed {
		t.Error("expected admit after rollback")
	}
}

func TestIncrementIfBelowConcurrent(t *testing.T) {
	s := NewMemoryStore(10)

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.IncrementIfBelow("slot", 10, time.Minute); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("expected exactly 10 admits, got %d", got)
	}
	if got := s.Counter("slot"); got != 10 {
		t.Errorf("expected counter 10, got %d", got)
	}
}

func TestCounterConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore(10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.IncrBy("hot", 1, time.Minute)
			}
		}()
	}
	wg.Wait()

	if got := s.Counter("hot"); got != 1000 {
		t.Errorf("expected 1000 after concurrent increments, got %d", got)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	s := NewMemoryStore(5)
	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)
	s.IncrBy("c", 1, time.Minute)

	stats := s.Stats()
	if stats.Size != 2 {
		t.Errorf("expected 2 records, got %d", stats.Size)
	}
	if stats.MaxSize != 5 {
		t.Errorf("expected max size 5, got %d", stats.MaxSize)
	}
	if stats.Counters != 1 {
		t.Errorf("expected 1 counter, got %d", stats.Counters)
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2)
	s.Set("a", 1, 0)
	s.Set("b", 2, 0)
	s.Set("c", 3, 0)

	stats := s.Stats()
	if stats.Size != 2 {
		t.Errorf("expected LRU to hold 2, got %d", stats.Size)
	}
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}
