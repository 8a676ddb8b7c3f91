package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/event"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/testutil"
	"BattleLedger/internal/vote"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    kv.Store
	mr       *miniredis.Miniredis
	clock    *testutil.Clock
	battles  *battle.Store
	votes    *vote.Ledger
	exec     *testutil.Executor
	rewards  *testutil.Rewards
	events   *event.Recorder
	refunder *settlement.Refunder
	engine   *settlement.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, mr := testutil.NewStore(t)
	clock := testutil.NewClock(testutil.Epoch)
	locks := lock.NewManager(store, testutil.Logger(), nil)
	battles := battle.NewStore(store, locks, battle.DefaultLockTTLs(), testutil.Logger(), nil)
	votes := vote.NewLedger(store, battles, clock.Now, testutil.Logger(), nil)

	f := &fixture{
		store: store, mr: mr, clock: clock, battles: battles, votes: votes,
		exec:    testutil.NewExecutor(),
		rewards: testutil.NewRewards(),
		events:  event.NewRecorder(256),
	}
	cfg := settlement.DefaultConfig()
	cfg.Addresses = settlement.Addresses{Burn: "rBurn", Treasury: "rTreasury"}
	f.refunder = settlement.NewRefunder(store, battles, votes, f.exec, cfg.ClaimTTL, f.events, clock.Now, testutil.Logger(), nil)
	f.engine = settlement.NewEngine(store, battles, votes, f.refunder, f.exec, f.rewards, f.events, cfg, clock.Now, testutil.Logger(), nil)
	return f
}

// accepted creates an accepted, fully paid battle ending in one hour with
// the given voters on each side.
func (f *fixture) accepted(t *testing.T, id string, votersA, votersB []string) *battle.Battle {
	t.Helper()
	ctx := context.Background()
	b := &battle.Battle{
		ID: id, Challenger: "rAlice", Status: battle.StatusOpen,
		CreatedAt: f.clock.Now(), RunDuration: time.Hour,
		ChallengeFee: 150000, AcceptFee: 75000, VoteFee: 30000,
		ChallengerPaid: true,
	}
	require.NoError(t, f.battles.Create(ctx, b))
	b.Acceptor = "rBob"
	b.AcceptorPaid = true
	b.AcceptedAt = f.clock.Now()
	b.EndsAt = b.AcceptedAt.Add(b.RunDuration)
	require.NoError(t, f.battles.Transition(ctx, b, battle.StatusAccepted,
		battle.FieldAcceptor, battle.FieldAcceptorPaid, battle.FieldAcceptedAt, battle.FieldEndsAt))

	for _, v := range votersA {
		_, err := f.votes.RecordVote(ctx, id, v, battle.SideA, "intent-"+v)
		require.NoError(t, err)
	}
	for _, v := range votersB {
		_, err := f.votes.RecordVote(ctx, id, v, battle.SideB, "intent-"+v)
		require.NoError(t, err)
	}
	return b
}

// ============================================================================
// Outcomes
// ============================================================================

func TestSettleTwoSidedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2", "v3"}, []string{"v4", "v5"})
	f.clock.Advance(time.Hour)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	assert.Equal(t, battle.StatusPaid, res.Status)
	assert.Equal(t, battle.SideA, res.Winner)
	assert.Len(t, res.Payouts, 6)
	assert.Equal(t, int64(60000), res.ConservationGap)

	assert.Equal(t, int64(204600), f.exec.PaidTo("rAlice"))
	for _, v := range []string{"v1", "v2", "v3"} {
		assert.Equal(t, int64(75800), f.exec.PaidTo(v), v)
	}
	assert.Zero(t, f.exec.PaidTo("v4"))
	assert.Zero(t, f.exec.PaidTo("rBob"))
	assert.Equal(t, int64(375), f.exec.PaidTo("rBurn"))
	assert.Equal(t, int64(2625), f.exec.PaidTo("rTreasury"))
	assert.Equal(t, int64(435000), f.exec.Total())

	b, err := f.battles.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPaid, b.Status)
	assert.Equal(t, int64(375000), b.Pot)
	assert.Equal(t, int64(204600), b.PosterAmount)
	assert.Equal(t, int64(227400), b.VoterAmount)
	assert.Equal(t, int64(75800), b.VoterSplit)
	assert.True(t, b.SettledAt.Equal(f.clock.Now()))

	assert.Equal(t, int64(settlement.PointsWinner), f.rewards.PointsOf("rAlice"))
	assert.Equal(t, int64(settlement.PointsLoser), f.rewards.PointsOf("rBob"))
	assert.Equal(t, int64(settlement.PointsWinningVoter), f.rewards.PointsOf("v1"))
	assert.Zero(t, f.rewards.PointsOf("v4"))

	types := f.events.Types()
	assert.Contains(t, types, event.EventTypePayoutExecuted)
	assert.Contains(t, types, event.EventTypeBattleSettled)
	assert.Contains(t, types, event.EventTypeRewardGranted)
}

func TestSettleNoVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", nil, nil)
	f.clock.Advance(time.Hour)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	assert.Equal(t, battle.StatusCompletedNoVotes, res.Status)
	assert.Zero(t, f.exec.Count())
	assert.Zero(t, f.rewards.Grants)
}

func TestSettleDrawMovesNoFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2"}, []string{"v3", "v4"})
	f.clock.Advance(time.Hour)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	assert.Equal(t, battle.StatusDraw, res.Status)
	assert.Empty(t, res.Winner)
	assert.Zero(t, f.exec.Count())
}

func TestSettleOneSidedRefundsEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", nil, []string{"v1", "v2"})
	f.clock.Advance(time.Hour)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	assert.Equal(t, battle.StatusCanceledOneSided, res.Status)
	require.NotNil(t, res.Refunds)
	assert.Equal(t, int64(150000+75000+2*30000), res.Refunds.Total)
	assert.Equal(t, int64(150000), f.exec.PaidTo("rAlice"))
	assert.Equal(t, int64(75000), f.exec.PaidTo("rBob"))
	assert.Equal(t, int64(30000), f.exec.PaidTo("v1"))
	assert.Zero(t, res.ConservationGap)

	b, err := f.battles.Get(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, b.Refunded)
	assert.True(t, b.ChallengerRefunded)
	assert.True(t, b.AcceptorRefunded)
	assert.True(t, b.VotersRefunded)
}

func TestRefundBattleVoterFlagTracksActualRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1"}, nil)
	f.accepted(t, "b2", nil, nil)

	refund := func(id string, voters []string) *battle.Battle {
		t.Helper()
		err := f.battles.WithLock(ctx, id, 0, func(ctx context.Context) error {
			b, err := f.battles.Get(ctx, id)
			if err != nil {
				return err
			}
			_, err = f.refunder.RefundBattle(ctx, b, voters, "canceled")
			return err
		})
		require.NoError(t, err)
		b, err := f.battles.Get(ctx, id)
		require.NoError(t, err)
		return b
	}

	assert.True(t, refund("b1", []string{"v1"}).VotersRefunded)
	transfers := f.exec.Count()

	// Votes are gone on a later pass; the flag must survive it.
	b := refund("b1", nil)
	assert.True(t, b.VotersRefunded)
	assert.Equal(t, transfers, f.exec.Count())

	b = refund("b2", nil)
	assert.True(t, b.Refunded)
	assert.False(t, b.VotersRefunded)
}

func TestSettleCleansUpVotesAndCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2"}, []string{"v3"})
	require.NoError(t, f.battles.SetCurrent(ctx, "b1"))
	f.clock.Advance(time.Hour)

	_, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	c, err := f.votes.Counts(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, c.Total)

	_, err = f.battles.Current(ctx)
	assert.True(t, errors.Is(err, battle.ErrNotFound))
}

// ============================================================================
// Preconditions
// ============================================================================

func TestSettleBeforeEndIsNotDue(t *testing.T) {
	f := newFixture(t)
	f.accepted(t, "b1", []string{"v1"}, nil)

	_, err := f.engine.Settle(context.Background(), "b1")
	assert.True(t, errors.Is(err, settlement.ErrNotDue))
	assert.Zero(t, f.exec.Count())
}

func TestSettleNowIgnoresEndTime(t *testing.T) {
	f := newFixture(t)
	f.accepted(t, "b1", []string{"v1", "v2"}, []string{"v3"})

	res, err := f.engine.SettleNow(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPaid, res.Status)
}

func TestSettleTerminalBattleIsNotSettleable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", nil, nil)
	f.clock.Advance(time.Hour)
	_, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, "b1")
	assert.True(t, errors.Is(err, settlement.ErrNotSettleable))
	assert.Equal(t, apperr.KindConsistency, apperr.KindOf(err))
}

func TestSettleMissingBattle(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Settle(context.Background(), "nope")
	assert.True(t, errors.Is(err, battle.ErrNotFound))
}

// ============================================================================
// Retry and overrun
// ============================================================================

func TestSettleRetryAfterTransferFailurePaysEachLegOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2", "v3"}, []string{"v4", "v5"})
	f.clock.Advance(time.Hour)
	f.exec.FailOn = "b1:2"

	_, err := f.engine.Settle(ctx, "b1")
	require.Error(t, err)
	assert.Equal(t, 2, f.exec.Count())

	b, err := f.battles.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusAccepted, b.Status)
	assert.NotEmpty(t, b.Plan)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPaid, res.Status)
	assert.Equal(t, 6, f.exec.Count())
	assert.Equal(t, int64(435000), f.exec.Total())
	assert.False(t, res.Payouts[0].Executed)
	assert.True(t, res.Payouts[2].Executed)
}

func TestSettleUsesStoredPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2"}, []string{"v3"})
	f.clock.Advance(time.Hour)
	f.exec.FailOn = "b1:0"

	_, err := f.engine.Settle(ctx, "b1")
	require.Error(t, err)

	// A vote counter changed after the plan was stored must not matter.
	require.NoError(t, f.store.Set(ctx, "battle:b1:count:B", "9", 0))

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.SideA, res.Winner)
	assert.Equal(t, []string{"v1", "v2"}, res.Plan.VotersA)
}

func TestSettleLegClaimedElsewhereIsInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2", "v3"}, []string{"v4", "v5"})
	f.clock.Advance(time.Hour)

	// A previous holder whose lock lapsed still owns leg 1.
	require.NoError(t, f.store.Set(ctx, "battle:b1:payout:1", "claimed:other", time.Minute))

	_, err := f.engine.Settle(ctx, "b1")
	require.True(t, errors.Is(err, settlement.ErrPayoutInFlight))
	assert.True(t, apperr.KindOf(err).Retryable())
	assert.Equal(t, 1, f.exec.Count())

	f.mr.FastForward(2 * time.Minute)

	res, err := f.engine.Settle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPaid, res.Status)
	assert.Equal(t, 6, f.exec.Count())
	assert.Equal(t, int64(204600), f.exec.PaidTo("rAlice"))
}

func TestRewardsGrantedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accepted(t, "b1", []string{"v1", "v2"}, []string{"v3"})
	f.clock.Advance(time.Hour)
	f.exec.FailOn = "b1:3"

	// Legs: poster, v1, v2, burn, treasury. Failing the burn leg leaves
	// rewards ungranted on the first pass.
	_, err := f.engine.Settle(ctx, "b1")
	require.Error(t, err)
	assert.Zero(t, f.rewards.Grants)

	_, err = f.engine.Settle(ctx, "b1")
	require.NoError(t, err)
	grants := f.rewards.Grants
	assert.Equal(t, 4, grants)

	ok, err := f.store.Exists(ctx, "battle:b1:rewards")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, settlement.IsRetryable(settlement.ErrPayoutInFlight.WithReason("x")))
	assert.False(t, settlement.IsRetryable(settlement.ErrNotDue))
	assert.False(t, settlement.IsRetryable(battle.ErrNotFound))
	assert.True(t, settlement.IsRetryable(testutil.ErrInjected))
}
