package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*lock.Manager, func(time.Duration)) {
	store, mr := testutil.NewStore(t)
	return lock.NewManager(store, testutil.Logger(), nil), mr.FastForward
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const callers = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "battle:b1:lock", 5*time.Second)
			if err == nil && lease.Acquired {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStaleReleaseDoesNotUnlockNewHolder(t *testing.T) {
	m, fastForward := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	fastForward(2 * time.Second)

	second, err := m.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.True(t, second.Acquired)

	released, err := m.Release(ctx, first)
	require.NoError(t, err)
	assert.False(t, released)

	third, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, third.Acquired, "second holder must still own the lock")

	released, err = m.Release(ctx, second)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestForeignTokenReleaseIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	forged := lock.Lease{Key: "k", Token: "not-the-token", Acquired: true}
	released, err := m.Release(ctx, forged)
	require.NoError(t, err)
	assert.False(t, released)

	again, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, again.Acquired)

	_, err = m.Release(ctx, held)
	require.NoError(t, err)
}

func TestWithLockBusy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	called := false
	err = m.WithLock(ctx, "k", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, lock.ErrBusy))
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))
}

func TestWithLockReleasesAfterError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "k", time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	lease, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
}
