package kv_test

import (
	"context"
	"math"
	"testing"
	"time"

	"BattleLedger/internal/kv"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXExpires(t *testing.T) {
	store, mr := testutil.NewStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = store.SetNX(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareAndDelete(t *testing.T) {
	store, _ := testutil.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "owner", 0))

	ok, err := store.CompareAndDelete(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "owner", v)

	ok, err = store.CompareAndDelete(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSortedSetRangeAndPrune(t *testing.T) {
	store, _ := testutil.NewStore(t)
	ctx := context.Background()

	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.ZAdd(ctx, "z", float64(100*(i+1)), m))
	}

	n, err := store.ZCount(ctx, "z", 200, math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, err := store.ZRangeByScore(ctx, "z", 150, math.Inf(1), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "b", first[0].Member)
	assert.Equal(t, float64(200), first[0].Score)

	removed, err := store.ZRemRangeByScore(ctx, "z", math.Inf(-1), 250)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	all, err := store.ZRangeByScore(ctx, "z", math.Inf(-1), math.Inf(1), 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWindowAddPrunesThenAdmitsUpToLimit(t *testing.T) {
	store, mr := testutil.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "w", 100, "stale"))

	r, err := store.WindowAdd(ctx, "w", 200, 300, "a", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, int64(1), r.Count)
	assert.Equal(t, float64(300), r.Oldest)
	assert.Greater(t, mr.TTL("w"), time.Duration(0))

	r, err = store.WindowAdd(ctx, "w", 200, 400, "b", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, int64(2), r.Count)

	r, err = store.WindowAdd(ctx, "w", 200, 500, "c", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, int64(2), r.Count)
	assert.Equal(t, float64(300), r.Oldest)

	all, err := store.ZRangeByScore(ctx, "w", math.Inf(-1), math.Inf(1), 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Member)
}

func TestAtomicAppliesAllWrites(t *testing.T) {
	store, mr := testutil.NewStore(t)
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx kv.Tx) {
		tx.Set("vote", "A", time.Hour)
		tx.Incr("count")
		tx.SAdd("voters", "alice")
		tx.HSet("battle", map[string]string{"status": "accepted"})
		tx.HIncrBy("battle", "votes", 1)
	})
	require.NoError(t, err)

	count, err := store.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	card, err := store.SCard(ctx, "voters")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	fields, err := store.HGetAll(ctx, "battle")
	require.NoError(t, err)
	assert.Equal(t, "accepted", fields["status"])
	assert.Equal(t, "1", fields["votes"])

	assert.Equal(t, time.Hour, mr.TTL("vote"))
}

func TestHGetAllMissingIsEmpty(t *testing.T) {
	store, _ := testutil.NewStore(t)

	fields, err := store.HGetAll(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, fields)
}
