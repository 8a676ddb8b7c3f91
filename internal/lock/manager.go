// Package lock provides fail-fast named locks on the shared store.
package lock

import (
	"context"
	"fmt"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when a lock is held by someone else. Callers may retry.
var ErrBusy = apperr.New(apperr.KindBusy, "lock_busy", "resource is busy, retry")

// Lease is the result of an acquire attempt. Token identifies the holder
// and must be presented on release.
type Lease struct {
	Key      string
	Token    string
	Acquired bool
}

// Manager acquires and releases locks. It never blocks or queues: a held
// lock is reported immediately, and TTL expiry is the only protection
// against a crashed holder.
type Manager struct {
	store   kv.Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewManager(store kv.Store, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{store: store, log: log, metrics: metrics}
}

// Acquire tries once to take key for ttl.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return Lease{Key: key}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if m.metrics != nil {
		m.metrics.LockAcquire.WithLabelValues(outcome(ok, "acquired", "busy")).Inc()
	}
	if !ok {
		return Lease{Key: key}, nil
	}
	return Lease{Key: key, Token: token, Acquired: true}, nil
}

// Release deletes the lock only if lease still owns it. Releasing a lease
// whose lock already expired (and perhaps was re-taken) returns false and
// leaves the current holder untouched.
func (m *Manager) Release(ctx context.Context, lease Lease) (bool, error) {
	if !lease.Acquired {
		return false, nil
	}
	ok, err := m.store.CompareAndDelete(ctx, lease.Key, lease.Token)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if m.metrics != nil {
		m.metrics.LockRelease.WithLabelValues(outcome(ok, "released", "stale")).Inc()
	}
	if !ok {
		m.log.Warn().Str("key", lease.Key).Msg("lock expired before release")
	}
	return ok, nil
}

// WithLock runs fn while holding key. It returns ErrBusy without calling
// fn when the lock is held elsewhere.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !lease.Acquired {
		return ErrBusy.WithReason("%s is locked, retry", key)
	}
	defer func() {
		// Release with a fresh context so a cancelled request still frees the lock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := m.Release(rctx, lease); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("lock release failed")
		}
	}()
	return fn(ctx)
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
