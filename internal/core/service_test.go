package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/content"
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/testutil"
	"BattleLedger/internal/vote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc      *core.Service
	store    kv.Store
	clock    *testutil.Clock
	gw       *testutil.Gateway
	exec     *testutil.Executor
	content  *testutil.Validator
	rewards  *testutil.Rewards
	notifier *testutil.Notifier
	events   *event.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, _ := testutil.NewStore(t)
	return newHarnessOn(t, store)
}

func newHarnessOn(t *testing.T, store kv.Store) *harness {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	log := testutil.Logger()
	locks := lock.NewManager(store, log, nil)
	battles := battle.NewStore(store, locks, battle.DefaultLockTTLs(), log, nil)
	votes := vote.NewLedger(store, battles, clock.Now, log, nil)

	h := &harness{
		store: store, clock: clock,
		gw:       testutil.NewGateway(),
		exec:     testutil.NewExecutor(),
		content:  testutil.NewValidator(),
		rewards:  testutil.NewRewards(),
		notifier: &testutil.Notifier{},
		events:   event.NewRecorder(1024),
	}

	scfg := settlement.DefaultConfig()
	scfg.Addresses = settlement.Addresses{Burn: "rBurn", Treasury: "rTreasury"}
	refunder := settlement.NewRefunder(store, battles, votes, h.exec, scfg.ClaimTTL, h.events, clock.Now, log, nil)
	engine := settlement.NewEngine(store, battles, votes, refunder, h.exec, h.rewards, h.events, scfg, clock.Now, log, nil)

	cfg := core.DefaultConfig()
	cfg.PotAddress = "rPot"
	h.svc = core.NewService(core.Deps{
		Battles:  battles,
		Votes:    votes,
		Engine:   engine,
		Refunder: refunder,
		Tracker:  confirm.NewTracker(store, locks, confirm.DefaultConfig(), clock.Now, log, nil),
		Limiter:  ratelimit.NewLimiter(store, ratelimit.DefaultTable(), clock.Now, nil),
		Gateway:  h.gw,
		Content:  h.content,
		Rewards:  h.rewards,
		Notifier: h.notifier,
		Events:   h.events,
	}, cfg, clock.Now, log, nil)
	return h
}

func (h *harness) pay(t *testing.T, intentID, payer string) confirm.Outcome {
	t.Helper()
	h.gw.Sign(intentID, payer)
	out, err := h.svc.ConfirmPayment(context.Background(), intentID)
	require.NoError(t, err)
	return out
}

// funded creates and pays for an open battle by rAlice.
func (h *harness) funded(t *testing.T) string {
	t.Helper()
	res, err := h.svc.CreateBattle(context.Background(), core.CreateRequest{Actor: "rAlice", ContentRef: "post-a"})
	require.NoError(t, err)
	out := h.pay(t, res.IntentID, "rAlice")
	require.Equal(t, confirm.ResultSucceeded, out.Result)
	return res.BattleID
}

// active creates a battle accepted by rBob.
func (h *harness) active(t *testing.T) string {
	t.Helper()
	id := h.funded(t)
	res, err := h.svc.AcceptBattle(context.Background(), core.AcceptRequest{BattleID: id, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	out := h.pay(t, res.IntentID, "rBob")
	require.Equal(t, confirm.ResultSucceeded, out.Result)
	return id
}

func (h *harness) vote(t *testing.T, id, voter, side string) confirm.Outcome {
	t.Helper()
	res, err := h.svc.CastVote(context.Background(), core.VoteRequest{BattleID: id, Actor: voter, Side: side})
	require.NoError(t, err)
	return h.pay(t, res.IntentID, voter)
}

func (h *harness) get(t *testing.T, id string) *core.BattleView {
	t.Helper()
	v, err := h.svc.GetBattle(context.Background(), id)
	require.NoError(t, err)
	return v
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestBattleLifecycleToPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-a"})
	require.NoError(t, err)
	assert.Equal(t, battle.StatusOpen, created.Status)
	assert.Equal(t, int64(150000), created.Fee)
	assert.NotEmpty(t, created.IntentID)

	// Unpaid battles cannot be accepted.
	_, err = h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: created.BattleID, Actor: "rBob", ContentRef: "post-b"})
	assert.True(t, errors.Is(err, core.ErrNotFunded))

	h.pay(t, created.IntentID, "rAlice")
	assert.True(t, h.get(t, created.BattleID).ChallengerPaid)

	accept, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: created.BattleID, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	assert.False(t, accept.Accepted)
	h.pay(t, accept.IntentID, "rBob")

	b := h.get(t, created.BattleID)
	assert.Equal(t, battle.StatusAccepted, b.Status)
	assert.Equal(t, "rBob", b.Acceptor)
	assert.True(t, b.EndsAt.Equal(testutil.Epoch.Add(24*time.Hour)))
	assert.Contains(t, h.notifier.Kinds("rAlice"), core.NotifyAccepted)

	cur, err := h.svc.CurrentBattle(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.BattleID, cur.ID)

	for _, v := range []string{"v1", "v2", "v3"} {
		h.vote(t, created.BattleID, v, "A")
	}
	for _, v := range []string{"v4", "v5"} {
		h.vote(t, created.BattleID, v, "b")
	}
	counts, err := h.svc.VoteCounts(ctx, created.BattleID)
	require.NoError(t, err)
	assert.Equal(t, vote.Counts{A: 3, B: 2, Total: 5}, counts)

	h.clock.Advance(24 * time.Hour)
	n, err := h.svc.SettleDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b = h.get(t, created.BattleID)
	assert.Equal(t, battle.StatusPaid, b.Status)
	assert.Equal(t, battle.SideA, b.Winner)
	assert.Equal(t, vote.Counts{A: 3, B: 2, Total: 5}, b.Counts)
	assert.Equal(t, int64(435000), h.exec.Total())
	assert.Equal(t, int64(204600), h.exec.PaidTo("rAlice"))

	assert.Equal(t, int64(settlement.PointsWinner), h.rewards.PointsOf("rAlice"))
	assert.Equal(t, int64(core.PointsPerVote+settlement.PointsWinningVoter), h.rewards.PointsOf("v1"))
	assert.Equal(t, int64(core.PointsPerVote), h.rewards.PointsOf("v4"))

	_, err = h.svc.CurrentBattle(ctx)
	assert.True(t, errors.Is(err, battle.ErrNotFound))

	types := h.events.Types()
	for _, want := range []event.EventType{
		event.EventTypeBattleCreated, event.EventTypeBattleAccepted,
		event.EventTypeVoteRecorded, event.EventTypeBattleSettled,
	} {
		assert.Contains(t, types, want)
	}
}

func TestTargetedChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-a", Opponent: "rBob"})
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPending, res.Status)
	h.pay(t, res.IntentID, "rAlice")
	assert.Equal(t, []string{core.NotifyChallenged}, h.notifier.Kinds("rBob"))

	_, err = h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: res.BattleID, Actor: "rCarol", ContentRef: "post-c"})
	assert.True(t, errors.Is(err, core.ErrNotTarget))

	accept, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: res.BattleID, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	h.pay(t, accept.IntentID, "rBob")
	assert.Equal(t, battle.StatusAccepted, h.get(t, res.BattleID).Status)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice"})
	assert.Error(t, err)
	_, err = h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "x", Opponent: "rAlice"})
	assert.Error(t, err)

	h.content.Invalid["bad"] = "post is too old"
	_, err = h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "bad"})
	assert.True(t, errors.Is(err, content.ErrIneligible))
	assert.Empty(t, h.gw.Created)
}

func TestCreateIsRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: fmt.Sprintf("post-%d", i)})
		require.NoError(t, err)
	}
	_, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-6"})
	assert.True(t, errors.Is(err, ratelimit.ErrLimited))

	h.clock.Advance(time.Hour + time.Second)
	_, err = h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-7"})
	assert.NoError(t, err)
}

// ============================================================================
// Acceptance
// ============================================================================

func TestSelfAcceptRejected(t *testing.T) {
	h := newHarness(t)
	id := h.funded(t)

	_, err := h.svc.AcceptBattle(context.Background(), core.AcceptRequest{BattleID: id, Actor: "rAlice", ContentRef: "post-x"})
	assert.True(t, errors.Is(err, core.ErrSelfAccept))
}

func TestAcceptRaceRefundsLatePayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.funded(t)

	bob, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: id, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	carol, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: id, Actor: "rCarol", ContentRef: "post-c"})
	require.NoError(t, err)

	assert.Equal(t, confirm.ResultSucceeded, h.pay(t, bob.IntentID, "rBob").Result)
	out := h.pay(t, carol.IntentID, "rCarol")
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.NotEmpty(t, out.Data["refund_tx"])

	assert.Equal(t, int64(75000), h.exec.PaidTo("rCarol"))
	assert.Equal(t, "rBob", h.get(t, id).Acceptor)

	// Redelivery neither re-applies nor refunds twice.
	again, err := h.svc.ConfirmPayment(ctx, carol.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultFailed, again.Result)
	assert.Equal(t, 1, h.exec.Count())
}

func TestAcceptOpenTakesOldestFunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.funded(t)
	h.clock.Advance(time.Minute)
	h.funded(t)

	res, err := h.svc.AcceptOpen(ctx, "rBob", "post-b")
	require.NoError(t, err)
	assert.Equal(t, first, res.BattleID)

	_, err = h.svc.AcceptOpen(ctx, "rAlice", "post-a")
	assert.True(t, errors.Is(err, core.ErrNoOpenBattle))
}

func TestZeroAcceptFeeActivatesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.funded(t)
	require.NoError(t, h.store.HSet(ctx, battle.DataKey(id), map[string]string{battle.FieldAcceptFee: "0"}))

	res, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: id, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.IntentID)
	assert.Equal(t, battle.StatusAccepted, h.get(t, id).Status)
}

// ============================================================================
// Voting
// ============================================================================

func TestVoteOnCurrentBattle(t *testing.T) {
	h := newHarness(t)
	id := h.active(t)

	res, err := h.svc.CastVote(context.Background(), core.VoteRequest{Actor: "v1", Side: "A"})
	require.NoError(t, err)
	assert.Equal(t, id, res.BattleID)
	assert.Equal(t, int64(30000), res.Fee)
}

func TestDuplicatePaidVoteIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)

	first, err := h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "A"})
	require.NoError(t, err)
	second, err := h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "B"})
	require.NoError(t, err)

	assert.Equal(t, confirm.ResultSucceeded, h.pay(t, first.IntentID, "v1").Result)
	out := h.pay(t, second.IntentID, "v1")
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.Equal(t, int64(30000), h.exec.PaidTo("v1"))

	counts, err := h.svc.VoteCounts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, vote.Counts{A: 1, Total: 1}, counts)

	_, err = h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "A"})
	assert.True(t, errors.Is(err, vote.ErrAlreadyVoted))
}

func TestVoteConfirmedAfterEndIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)

	res, err := h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "A"})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	out := h.pay(t, res.IntentID, "v1")
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.Equal(t, int64(30000), h.exec.PaidTo("v1"))

	_, err = h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v2", Side: "A"})
	assert.True(t, errors.Is(err, vote.ErrNotAccepting))
}

func TestVoteRejectedPaymentRecordsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)

	res, err := h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "A"})
	require.NoError(t, err)
	h.gw.Reject(res.IntentID)

	out, err := h.svc.ConfirmPayment(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.Zero(t, h.exec.Count())

	_, ok, err := h.svc.Votes.Vote(ctx, id, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// Admin and sweeps
// ============================================================================

func TestAdminCancelRefundsEveryone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)
	h.vote(t, id, "v1", "A")
	h.vote(t, id, "v2", "B")

	res, err := h.svc.AdminCancel(ctx, "admin", id, "content removed")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusCanceled, res.Battle.Status)
	assert.Equal(t, int64(150000+75000+2*30000), res.Refunds.Total)
	assert.Equal(t, int64(150000), h.exec.PaidTo("rAlice"))
	assert.Equal(t, int64(30000), h.exec.PaidTo("v2"))
	assert.Contains(t, h.notifier.Kinds("rBob"), core.NotifyCanceled)

	_, err = h.svc.AdminCancel(ctx, "admin", id, "again")
	assert.True(t, errors.Is(err, battle.ErrInvalidTransition))
	assert.Equal(t, 4, h.exec.Count())
}

func TestAdminForceEndMovesNoFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)
	h.vote(t, id, "v1", "A")

	b, err := h.svc.AdminForceEnd(ctx, "admin", id)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusForceEnded, b.Status)
	assert.Zero(t, h.exec.Count())

	_, err = h.svc.SettleBattle(ctx, id)
	assert.True(t, errors.Is(err, settlement.ErrNotSettleable))
}

func TestAdminSettleBeforeEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.active(t)
	h.vote(t, id, "v1", "A")
	h.vote(t, id, "v2", "A")
	h.vote(t, id, "v3", "B")

	_, err := h.svc.SettleBattle(ctx, id)
	assert.True(t, errors.Is(err, settlement.ErrNotDue))

	res, err := h.svc.AdminSettle(ctx, "admin", id)
	require.NoError(t, err)
	assert.Equal(t, battle.StatusPaid, res.Status)
}

func TestExpireStaleRefundsChallenger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.funded(t)
	h.clock.Advance(9 * time.Hour)
	fresh := h.funded(t)
	h.clock.Advance(2 * time.Hour)

	n, err := h.svc.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, battle.StatusExpired, h.get(t, stale).Status)
	assert.Equal(t, battle.StatusOpen, h.get(t, fresh).Status)
	assert.Equal(t, int64(150000), h.exec.PaidTo("rAlice"))
	assert.Contains(t, h.notifier.Kinds("rAlice"), core.NotifyExpired)
}

func TestStartConfirmedAfterCancelIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-a"})
	require.NoError(t, err)
	_, err = h.svc.AdminCancel(ctx, "admin", res.BattleID, "spam")
	require.NoError(t, err)
	assert.Zero(t, h.exec.Count())

	out := h.pay(t, res.IntentID, "rAlice")
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.Equal(t, int64(150000), h.exec.PaidTo("rAlice"))
}

func TestConfirmUnknownIntent(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ConfirmPayment(context.Background(), "intent-404")
	assert.True(t, errors.Is(err, confirm.ErrUnknownIntent))
}

// ============================================================================
// Redelivery after a lost processed marker
// ============================================================================

// markerOutage fails the next processed-marker write once armed, leaving
// the domain change applied but the intent unprocessed.
type markerOutage struct {
	kv.Store
	armed atomic.Bool
}

func (m *markerOutage) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.HasPrefix(key, "processed:") && m.armed.CompareAndSwap(true, false) {
		return false, testutil.ErrInjected
	}
	return m.Store.SetNX(ctx, key, value, ttl)
}

func TestAcceptRedeliveryAfterMarkerFailureDoesNotRefund(t *testing.T) {
	base, _ := testutil.NewStore(t)
	store := &markerOutage{Store: base}
	h := newHarnessOn(t, store)
	ctx := context.Background()

	id := h.funded(t)
	res, err := h.svc.AcceptBattle(ctx, core.AcceptRequest{BattleID: id, Actor: "rBob", ContentRef: "post-b"})
	require.NoError(t, err)
	h.gw.Sign(res.IntentID, "rBob")

	store.armed.Store(true)
	_, err = h.svc.ConfirmPayment(ctx, res.IntentID)
	require.Error(t, err)
	assert.Equal(t, battle.StatusAccepted, h.get(t, id).Status)

	out, err := h.svc.ConfirmPayment(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultSucceeded, out.Result)
	assert.Zero(t, h.exec.PaidTo("rBob"))

	b := h.get(t, id)
	assert.Equal(t, "rBob", b.Acceptor)
	assert.True(t, b.AcceptorPaid)
}

func TestVoteRedeliveryAfterMarkerFailureDoesNotRefund(t *testing.T) {
	base, _ := testutil.NewStore(t)
	store := &markerOutage{Store: base}
	h := newHarnessOn(t, store)
	ctx := context.Background()

	id := h.active(t)
	res, err := h.svc.CastVote(ctx, core.VoteRequest{BattleID: id, Actor: "v1", Side: "A"})
	require.NoError(t, err)
	h.gw.Sign(res.IntentID, "v1")

	store.armed.Store(true)
	_, err = h.svc.ConfirmPayment(ctx, res.IntentID)
	require.Error(t, err)

	out, err := h.svc.ConfirmPayment(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultSucceeded, out.Result)
	assert.Equal(t, "A", out.Data["side"])
	assert.Zero(t, h.exec.PaidTo("v1"))

	counts, err := h.svc.VoteCounts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.A)
	assert.Equal(t, int64(1), counts.Total)
}

// ============================================================================
// Payer mismatch
// ============================================================================

func TestPaymentFromOtherAccountIsReturned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBattle(ctx, core.CreateRequest{Actor: "rAlice", ContentRef: "post-a"})
	require.NoError(t, err)
	h.gw.Sign(res.IntentID, "rMallory")

	out, err := h.svc.ConfirmPayment(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultFailed, out.Result)
	assert.Equal(t, "rMallory", out.Data["refund_to"])
	assert.NotEmpty(t, out.Data["refund_tx"])
	assert.Equal(t, int64(150000), h.exec.PaidTo("rMallory"))
	assert.False(t, h.get(t, res.BattleID).ChallengerPaid)

	// Redelivery replays the outcome without a second transfer.
	again, err := h.svc.ConfirmPayment(ctx, res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ResultFailed, again.Result)
	assert.Equal(t, 1, h.exec.Count())
}
