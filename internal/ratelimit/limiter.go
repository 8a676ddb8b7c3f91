// Package ratelimit implements a sliding-window request limiter keyed by
// (action, actor) on the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/observability"

	"github.com/google/uuid"
)

// ErrLimited is returned by Enforce when the window is full.
var ErrLimited = apperr.New(apperr.KindRateLimited, "rate_limited", "too many requests")

// Decision is the outcome of one Check.
type Decision struct {
	Action     Action
	Allowed    bool
	Limit      int // -1 when the action is unlimited
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Status is a read-only view of a window.
type Status struct {
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter enforces the table. Each window is a sorted set whose scores
// are request times in unix milliseconds; stale entries are pruned on
// every Check.
type Limiter struct {
	store   kv.Store
	table   Table
	now     func() time.Time
	metrics *observability.Metrics
}

func NewLimiter(store kv.Store, table Table, now func() time.Time, metrics *observability.Metrics) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, table: table, now: now, metrics: metrics}
}

func key(action Action, actor string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, actor)
}

// Check records one request for (action, actor) if the window has room.
// Pruning, counting and recording happen in one store round trip, so
// concurrent callers cannot overshoot the limit.
func (l *Limiter) Check(ctx context.Context, action Action, actor string) (Decision, error) {
	rule, ok := l.table[action]
	if !ok {
		return Decision{Action: action, Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := float64(nowMs - rule.Window.Milliseconds())
	member := fmt.Sprintf("%d_%s", nowMs, uuid.NewString()[:8])

	w, err := l.store.WindowAdd(ctx, key(action, actor), windowStart, float64(nowMs), member, int64(rule.Limit), rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit record: %w", err)
	}

	if !w.Allowed {
		resetAt := time.UnixMilli(int64(w.Oldest)).Add(rule.Window)
		retry := resetAt.Sub(now)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		l.record(action, "rejected")
		return Decision{
			Action:     action,
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: retry,
			ResetAt:    resetAt,
		}, nil
	}

	l.record(action, "allowed")
	return Decision{
		Action:    action,
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(w.Count),
		ResetAt:   now.Add(rule.Window),
	}, nil
}

// Enforce is Check that converts a rejection into ErrLimited.
func (l *Limiter) Enforce(ctx context.Context, action Action, actor string) (Decision, error) {
	d, err := l.Check(ctx, action, actor)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, ErrLimited.WithReason("%s limit reached, retry in %s", action, d.RetryAfter.Round(time.Second))
	}
	return d, nil
}

// Status reports the current window without recording a request.
func (l *Limiter) Status(ctx context.Context, action Action, actor string) (Status, error) {
	rule, ok := l.table[action]
	if !ok {
		return Status{Action: action, Actor: actor, Limit: -1, Remaining: -1}, nil
	}

	now := l.now()
	windowStart := float64(now.UnixMilli() - rule.Window.Milliseconds())
	k := key(action, actor)

	count, err := l.store.ZCount(ctx, k, windowStart, math.Inf(1))
	if err != nil {
		return Status{}, fmt.Errorf("rate limit status: %w", err)
	}

	resetAt := now
	if count > 0 {
		oldest, err := l.oldestInWindow(ctx, k, windowStart)
		if err != nil {
			return Status{}, err
		}
		resetAt = time.UnixMilli(oldest).Add(rule.Window)
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Action:    action,
		Actor:     actor,
		Count:     int(count),
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Clear drops the window for (action, actor).
func (l *Limiter) Clear(ctx context.Context, action Action, actor string) error {
	return l.store.Del(ctx, key(action, actor))
}

func (l *Limiter) oldestInWindow(ctx context.Context, k string, windowStart float64) (int64, error) {
	entries, err := l.store.ZRangeByScore(ctx, k, windowStart, math.Inf(1), 1)
	if err != nil {
		return 0, fmt.Errorf("rate limit oldest: %w", err)
	}
	if len(entries) == 0 {
		return l.now().UnixMilli(), nil
	}
	return int64(entries[0].Score), nil
}

func (l *Limiter) record(action Action, decision string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(string(action), decision).Inc()
	}
}
