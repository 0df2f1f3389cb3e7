package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
)

// RedisStore is a Redis-backed Store. Lookup records travel as gob;
// counters use INCRBY with the window TTL pinned on first touch, so
// every gateway replica sees the same buckets.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. prefix namespaces this
// gateway's keys, e.g. "gw:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func init() {
	// Primitive types that travel through the interface-typed
	// envelope. Record types are registered by the packages that
	// cache them.
	gob.Register("")
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(true)
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

type envelope struct {
	V interface{}
}

func (s *RedisStore) Get(key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		logging.Warn("redis cache decode failed, treating as miss", zap.Error(err))
		return nil, false
	}
	return env.V, true
}

func (s *RedisStore) Set(key string, value interface{}, ttl time.Duration) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{V: value}); err != nil {
		logging.Warn("redis cache encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis cache set failed", zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(err))
	}
}

func (s *RedisStore) DeleteByPrefix(prefix string) {
	s.scanAndDelete(s.prefix + prefix)
}

func (s *RedisStore) Purge() {
	s.scanAndDelete(s.prefix)
}

func (s *RedisStore) scanAndDelete(pattern string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("redis cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func (s *RedisStore) Counter(key string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	val, err := s.client.Get(ctx, s.prefix+key).Int64()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis counter get failed, treating as zero", zap.Error(err))
		}
		return 0
	}
	return val
}

func (s *RedisStore) IncrBy(key string, delta int64, ttl time.Duration) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	k := s.prefix + key
	pipe := s.client.Pipeline()
	incr := pipe.IncrBy(ctx, k, delta)
	pipe.ExpireNX(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("redis counter incr failed", zap.Error(err))
		return 0
	}

	val := incr.Val()
	if val < 0 {
		// A rollback raced a window rollover; reset rather than owe.
		if err := s.client.Set(ctx, k, 0, redis.KeepTTL).Err(); err != nil {
			logging.Warn("redis counter clamp failed", zap.Error(err))
		}
		return 0
	}
	return val
}

// incrIfBelowScript admits and increments atomically server-side. The
// window TTL is pinned when the key is created.
var incrIfBelowScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v >= tonumber(ARGV[1]) then
  return {0, v}
end
v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, v}
`)

func (s *RedisStore) IncrementIfBelow(key string, limit int64, ttl time.Duration) (bool, int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := incrIfBelowScript.Run(ctx, s.client, []string{s.prefix + key}, limit, ttl.Milliseconds()).Slice()
	if err != nil || len(res) != 2 {
		logging.Warn("redis counter admit failed, denying", zap.Error(err))
		return false, 0
	}
	allowed, _ := res[0].(int64)
	value, _ := res[1].(int64)
	return allowed == 1, value
}

func (s *RedisStore) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache stats scan failed", zap.Error(err))
			return Stats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return Stats{Size: count}
}

var _ Store = (*RedisStore)(nil)
