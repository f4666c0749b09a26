package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared by every orchestrator instance.
// Data model:
//   - key prefix+key => value with PX ttl
//   - key prefix+"src:"+source => set of keys referencing source
//   - key prefix+"gen" => invalidation counter
//   - key prefix+"srcgen:"+source => counter value at the source's last invalidation
//   - key prefix+"gen:purge" => counter value at the last purge
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
}

// generationTTL bounds how long a source invalidation mark is kept. It only
// has to outlive the longest computation that could still try to store.
const generationTTL = 24 * time.Hour

func NewRedisStore(rc redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix}
}

func (s *RedisStore) k(key string) string         { return s.prefix + key }
func (s *RedisStore) src(source string) string    { return s.prefix + "src:" + source }
func (s *RedisStore) srcGen(source string) string { return s.prefix + "srcgen:" + source }
func (s *RedisStore) genKey() string              { return s.prefix + "gen" }
func (s *RedisStore) purgeKey() string            { return s.prefix + "gen:purge" }

func (s *RedisStore) isGenKey(key string) bool {
	return key == s.genKey() || key == s.purgeKey() || strings.HasPrefix(key, s.prefix+"srcgen:")
}

// storeEntryLua writes ARGV[1] under KEYS[1] and registers it in the source
// sets KEYS[first], KEYS[first+step], ... The source set lives at least as
// long as the longest entry it indexes.
const storeEntryLua = `
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
for i = first, #KEYS, step do
  local existed = redis.call('EXISTS', KEYS[i])
  redis.call('SADD', KEYS[i], KEYS[1])
  local cur = redis.call('PTTL', KEYS[i])
  if ttl <= 0 then
    redis.call('PERSIST', KEYS[i])
  elseif existed == 0 or (cur >= 0 and cur < ttl) then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return 1`

var setScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
local first, step = 2, 1` + storeEntryLua)

// KEYS: entry, purge mark, then (source set, source mark) pairs.
var setIfCurrentScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
local gen = tonumber(ARGV[3])
if tonumber(redis.call('GET', KEYS[2]) or '0') > gen then
  return 0
end
for i = 3, #KEYS, 2 do
  if tonumber(redis.call('GET', KEYS[i + 1]) or '0') > gen then
    return 0
  end
end
local first, step = 3, 2` + storeEntryLua)

var invalidateScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, key in ipairs(members) do
  n = n + redis.call('DEL', key)
end
redis.call('DEL', KEYS[1])
local g = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[3], g, 'PX', ARGV[1])
return n`)

var purgeMarkScript = redis.NewScript(`
local g = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], g)
return g`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rc.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, sources []string) error {
	keys := make([]string, 0, len(sources)+1)
	keys = append(keys, s.k(key))
	for _, src := range sources {
		keys = append(keys, s.src(src))
	}
	if err := setScript.Run(ctx, s.rc, keys, value, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (s *RedisStore) Generation(ctx context.Context) (uint64, error) {
	g, err := s.rc.Get(ctx, s.genKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis cache generation: %w", err)
	}
	return g, nil
}

func (s *RedisStore) SetIfCurrent(ctx context.Context, key string, value []byte, ttl time.Duration, sources []string, gen uint64) (bool, error) {
	keys := make([]string, 0, 2+2*len(sources))
	keys = append(keys, s.k(key), s.purgeKey())
	for _, src := range sources {
		keys = append(keys, s.src(src), s.srcGen(src))
	}
	n, err := setIfCurrentScript.Run(ctx, s.rc, keys, value, ttl.Milliseconds(), gen).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cache set: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rc.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cache setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rc, []string{s.k(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cache compare-and-delete: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	if err := s.rc.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, source string) (int, error) {
	keys := []string{s.src(source), s.genKey(), s.srcGen(source)}
	n, err := invalidateScript.Run(ctx, s.rc, keys, generationTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis cache invalidate %s: %w", source, err)
	}
	return n, nil
}

// Purge deletes every entry under the prefix. The generation keys stay so
// computations started before the purge cannot store afterwards.
func (s *RedisStore) Purge(ctx context.Context) error {
	if err := purgeMarkScript.Run(ctx, s.rc, []string{s.genKey(), s.purgeKey()}).Err(); err != nil {
		return fmt.Errorf("redis cache purge: %w", err)
	}
	iter := s.rc.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		if s.isGenKey(iter.Val()) {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := s.rc.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis cache purge: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache purge: %w", err)
	}
	if len(batch) > 0 {
		if err := s.rc.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis cache purge: %w", err)
		}
	}
	return nil
}
