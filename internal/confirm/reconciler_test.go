package confirm_test

import (
	"context"
	"testing"
	"time"

	"BattleLedger/internal/confirm"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerResolvesSignedAndExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gw := testutil.NewGateway()

	for _, id := range []string{"i1", "i2", "i3"} {
		require.NoError(t, h.tracker.Track(ctx, voteOffer(id)))
	}
	gw.Sign("i1", "rAlice")
	gw.Expire("i2")
	// i3 is still waiting for its signature.
	h.clock.Advance(10 * time.Minute)

	rec := confirm.NewReconciler(h.tracker, gw, 1000, 5*time.Minute, 50, testutil.Logger())
	rep, err := rec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Resolved)
	assert.Equal(t, 1, rep.Pending)
	assert.Equal(t, int32(1), h.applied.Load())

	ids, err := h.tracker.Pending(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i3"}, ids)
}

func TestReconcilerSkipsYoungOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gw := testutil.NewGateway()
	require.NoError(t, h.tracker.Track(ctx, voteOffer("i1")))

	rec := confirm.NewReconciler(h.tracker, gw, 1000, 5*time.Minute, 50, testutil.Logger())
	rep, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Zero(t, gw.Polls)
}

func TestReconcilerDropsOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gw := testutil.NewGateway()
	require.NoError(t, h.tracker.Track(ctx, voteOffer("i1")))

	// The offer expires but the index entry survives.
	h.mr.FastForward(25 * time.Hour)
	h.clock.Advance(25 * time.Hour)

	rec := confirm.NewReconciler(h.tracker, gw, 1000, time.Minute, 50, testutil.Logger())
	rep, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orphans)
	assert.Zero(t, gw.Polls)

	ids, err := h.tracker.Pending(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReconcilerCountsPollFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gw := testutil.NewGateway()
	gw.FailPoll = true
	require.NoError(t, h.tracker.Track(ctx, voteOffer("i1")))
	h.clock.Advance(time.Hour)

	rec := confirm.NewReconciler(h.tracker, gw, 1000, time.Minute, 50, testutil.Logger())
	rep, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	st, err := h.tracker.Lookup(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, confirm.PhaseAwaiting, st.Phase)
}
