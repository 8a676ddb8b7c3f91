package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes the key only when the caller still owns it.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// windowAdd prunes a sliding window, then admits one entry if there is room.
// KEYS[1] window; ARGV min score, entry score, member, limit, ttl ms.
var windowAdd = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < tonumber(ARGV[4]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
	if tonumber(ARGV[5]) > 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[5])
	end
	count = count + 1
	allowed = 1
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local score = "0"
if #oldest == 2 then
	score = oldest[2]
end
return {allowed, count, score}
`)

// RedisStore implements Store on a Redis server (or anything speaking
// the same protocol).
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, nonNegative(ttl)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, flatten(fields)...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.rdb.ZRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key, scoreArg(min), scoreArg(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcount %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	by := &redis.ZRangeBy{Min: scoreArg(min), Max: scoreArg(max)}
	if limit > 0 {
		by.Count = limit
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, key, scoreArg(min), scoreArg(max)).Result()
}

func (s *RedisStore) WindowAdd(ctx context.Context, key string, min, score float64, member string, limit int64, ttl time.Duration) (WindowResult, error) {
	args := []any{scoreArg(min), scoreArg(score), member, limit, ttl.Milliseconds()}
	vals, err := windowAdd.Run(ctx, s.rdb, []string{key}, args...).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("window add %s: %w", key, err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("window add %s: unexpected reply %v", key, vals)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, err := strconv.ParseFloat(fmt.Sprint(vals[2]), 64)
	if err != nil {
		return WindowResult{}, fmt.Errorf("window add %s: oldest score: %w", key, err)
	}
	return WindowResult{Allowed: allowed == 1, Count: count, Oldest: oldest}, nil
}

func (s *RedisStore) Atomic(ctx context.Context, fn func(tx Tx)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisTx{ctx: ctx, pipe: pipe})
		return nil
	})
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	return nil
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.pipe.Set(t.ctx, key, value, nonNegative(ttl))
}

func (t *redisTx) Del(keys ...string) {
	if len(keys) > 0 {
		t.pipe.Del(t.ctx, keys...)
	}
}

func (t *redisTx) Incr(key string) { t.pipe.Incr(t.ctx, key) }

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) > 0 {
		t.pipe.HSet(t.ctx, key, flatten(fields)...)
	}
}

func (t *redisTx) HIncrBy(key, field string, delta int64) {
	t.pipe.HIncrBy(t.ctx, key, field, delta)
}

func (t *redisTx) SAdd(key string, members ...string) {
	if len(members) > 0 {
		t.pipe.SAdd(t.ctx, key, toAny(members)...)
	}
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.pipe.ZAdd(t.ctx, key, redis.Z{Score: score, Member: member})
}

func (t *redisTx) ZRem(key string, members ...string) {
	if len(members) > 0 {
		t.pipe.ZRem(t.ctx, key, toAny(members)...)
	}
}

func (t *redisTx) ZRemRangeByScore(key string, min, max float64) {
	t.pipe.ZRemRangeByScore(t.ctx, key, scoreArg(min), scoreArg(max))
}

func (t *redisTx) Expire(key string, ttl time.Duration) { t.pipe.Expire(t.ctx, key, ttl) }

func (t *redisTx) Persist(key string) { t.pipe.Persist(t.ctx, key) }

func scoreArg(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func flatten(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nonNegative(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
