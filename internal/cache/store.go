// Package cache provides the gateway's lookup cache and windowed
// counters. Lookup entries carry their own TTL; counters expire with
// the window that created them, so a fresh window always starts from
// zero.
package cache

import "time"

// Stats contains storage-level statistics.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Counters  int   `json:"counters"`  // live counter keys
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the cache backend. Get returns ok=false for both
// missing and expired entries. Counter operations must be atomic:
// concurrent increments on one key may never lose updates, and the
// first increment of a window pins the key's expiry to that window.
// Negative IncrBy deltas roll a counter back and clamp at zero.
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	DeleteByPrefix(prefix string)
	Purge()

	Counter(key string) int64
	IncrBy(key string, delta int64, ttl time.Duration) int64

	// IncrementIfBelow admits and counts in one step: the increment
	// happens only while the counter is below limit, so two racing
	// requests can never both squeeze through the last slot.
	IncrementIfBelow(key string, limit int64, ttl time.Duration) (allowed bool, value int64)

	Stats() Stats
}
