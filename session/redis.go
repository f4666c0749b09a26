package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// RedisStore persists sessions in Redis.
// Data model:
//   - key prefix+"session:"+id => JSON(Session) with TTL
//   - key prefix+"version:"+id => stored Session.Version, same TTL
//   - key prefix+"idx" => sorted set of ids scored by last activity (unix ms)
type RedisStore struct {
	rc     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps rc. ttl is a safety net on top of the idle sweep so
// abandoned keys expire even if no sweeper runs.
func NewRedisStore(rc redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ragorch:sess:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rc: rc, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) idxKey() string              { return s.prefix + "idx" }
func (s *RedisStore) sessKey(id string) string    { return s.prefix + "session:" + id }
func (s *RedisStore) versionKey(id string) string { return s.prefix + "version:" + id }

// saveScript writes only while the stored version is ARGV[5].
var saveScript = redis.NewScript(`
local sess_key = KEYS[1]
local idx_key = KEYS[2]
local ver_key = KEYS[3]
local sess_json = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
local score = tonumber(ARGV[3])
local id = ARGV[4]
local expected = tonumber(ARGV[5])
local cur = tonumber(redis.call('GET', ver_key) or '0')
if cur ~= expected then
  return 0
end
redis.call('SET', sess_key, sess_json, 'PX', ttl_ms)
redis.call('SET', ver_key, expected + 1, 'PX', ttl_ms)
redis.call('ZADD', idx_key, score, id)
return 1`)

// deleteScript removes the session while its version is ARGV[2], or
// unconditionally when ARGV[2] is negative.
var deleteScript = redis.NewScript(`
local sess_key = KEYS[1]
local idx_key = KEYS[2]
local ver_key = KEYS[3]
local id = ARGV[1]
local expected = tonumber(ARGV[2])
if expected >= 0 then
  local cur = tonumber(redis.call('GET', ver_key) or '0')
  if cur ~= expected or redis.call('EXISTS', sess_key) == 0 then
    return 0
  end
end
local n = redis.call('DEL', sess_key)
redis.call('DEL', ver_key)
redis.call('ZREM', idx_key, id)
return n`)

func (s *RedisStore) Get(ctx context.Context, id string) (*schema.Session, bool, error) {
	b, err := s.rc.Get(ctx, s.sessKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get session: %w", err)
	}
	var sess schema.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, true, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *schema.Session) error {
	next := *sess
	next.Version++
	b, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	keys := []string{s.sessKey(sess.ID), s.idxKey(), s.versionKey(sess.ID)}
	args := []interface{}{string(b), s.ttl.Milliseconds(), sess.LastActivity.UnixMilli(), sess.ID, sess.Version}
	n, err := saveScript.Run(ctx, s.rc, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	sess.Version = next.Version
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string, version int64) (bool, error) {
	keys := []string{s.sessKey(id), s.idxKey(), s.versionKey(id)}
	n, err := deleteScript.Run(ctx, s.rc, keys, id, version).Int64()
	if err != nil {
		return false, fmt.Errorf("redis delete session: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Idle(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("(%d", cutoff.UnixMilli())}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rc.ZRangeByScore(ctx, s.idxKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis idle sessions: %w", err)
	}
	return ids, nil
}

// Close is a no-op: the client is shared and closed by its owner.
func (s *RedisStore) Close() error { return nil }
