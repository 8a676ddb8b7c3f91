// Package kv is the storage port shared by every battle component.
//
// The store is the only shared mutable resource; all cross-instance
// guarantees (single vote, single settlement, single confirmation) are
// built on its atomic primitives rather than on in-process mutexes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads of absent keys.
var ErrNotFound = errors.New("kv: key not found")

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// WindowResult is a sliding window after one WindowAdd.
type WindowResult struct {
	Allowed bool
	// Count includes the new entry when it was admitted.
	Count int64
	// Oldest is the lowest remaining score, 0 when the window is empty.
	Oldest float64
}

// Store is the storage port. SetNX, CompareAndDelete, Incr, WindowAdd and
// the sorted-set range/prune calls are the atomic operations the lock
// manager, vote ledger, rate limiter and confirmation tracker rely on.
type Store interface {
	// SetNX writes value only when key is absent; ttl <= 0 means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only when its value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	// ZRangeByScore returns up to limit members with min <= score <= max,
	// lowest score first. limit <= 0 returns all.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// WindowAdd drops entries scored below min, then adds member at score
	// when fewer than limit remain, in one atomic step. ttl > 0 refreshes
	// the key's expiry on admission.
	WindowAdd(ctx context.Context, key string, min, score float64, member string, limit int64, ttl time.Duration) (WindowResult, error)

	// Atomic queues the writes issued on tx and applies them as one unit.
	Atomic(ctx context.Context, fn func(tx Tx)) error

	Ping(ctx context.Context) error
}

// Tx is the write set of one Atomic call. Writes are applied together
// when fn returns; no reads are possible inside the unit.
type Tx interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Incr(key string)
	HSet(key string, fields map[string]string)
	HIncrBy(key, field string, delta int64)
	SAdd(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	ZRemRangeByScore(key string, min, max float64)
	Expire(key string, ttl time.Duration)
	Persist(key string)
}

// Millis converts t to the sorted-set score convention (unix milliseconds).
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
