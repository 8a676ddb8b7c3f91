package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/event"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/ledger"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/vote"

	"github.com/rs/zerolog"
)

var (
	// ErrNotSettleable is settlement of a battle that is not accepted.
	ErrNotSettleable = apperr.New(apperr.KindConsistency, "not_settleable", "battle is not in a settleable state")
	// ErrNotDue is settlement before voting has ended.
	ErrNotDue = apperr.New(apperr.KindConflict, "not_due", "battle voting has not ended")
)

// Reward points granted once per two-sided battle.
const (
	PointsWinner       = 100
	PointsLoser        = 25
	PointsWinningVoter = 10
)

func payoutMarkerKey(battleID string, seq int) string {
	return "battle:" + battleID + ":payout:" + strconv.Itoa(seq)
}

func rewardsMarkerKey(battleID string) string { return "battle:" + battleID + ":rewards" }

// Rewarder accrues reward points.
type Rewarder interface {
	Grant(ctx context.Context, account string, points int64, reason string) error
}

// Config holds the settlement parameters.
type Config struct {
	Rates     Rates
	Addresses Addresses
	// LockTTL bounds one settlement attempt.
	LockTTL time.Duration
	// ClaimTTL bounds one payout leg.
	ClaimTTL time.Duration
}

// DefaultConfig returns production values.
func DefaultConfig() Config {
	return Config{
		Rates:    DefaultRates(),
		LockTTL:  2 * time.Minute,
		ClaimTTL: time.Minute,
	}
}

// Result describes a finished settlement.
type Result struct {
	BattleID        string        `json:"battle_id"`
	Status          battle.Status `json:"status"`
	Winner          battle.Side   `json:"winner,omitempty"`
	Plan            *Plan         `json:"plan"`
	Payouts         []LegResult   `json:"payouts,omitempty"`
	Refunds         *RefundReport `json:"refunds,omitempty"`
	ConservationGap int64         `json:"conservation_gap"`
	Journal         *ledger.Batch `json:"-"`
}

// LegResult is one executed or already-done payout leg.
type LegResult struct {
	Leg
	TxRef    string `json:"tx_ref"`
	Executed bool   `json:"executed"`
}

// Engine settles battles.
type Engine struct {
	battles  *battle.Store
	votes    *vote.Ledger
	refunder *Refunder
	runner   *legRunner
	kv       kv.Store
	rewards  Rewarder
	events   event.Sink
	journals *ledger.JournalGenerator
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewEngine(
	store kv.Store,
	battles *battle.Store,
	votes *vote.Ledger,
	refunder *Refunder,
	exec payment.Executor,
	rewards Rewarder,
	events event.Sink,
	cfg Config,
	now func() time.Time,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if now == nil {
		now = time.Now
	}
	if events == nil {
		events = event.Discard
	}
	return &Engine{
		battles:  battles,
		votes:    votes,
		refunder: refunder,
		runner:   &legRunner{kv: store, exec: exec, claimTTL: cfg.ClaimTTL, log: log, metrics: metrics},
		kv:       store,
		rewards:  rewards,
		events:   events,
		journals: ledger.NewJournalGenerator(),
		cfg:      cfg,
		now:      now,
		log:      log,
		metrics:  metrics,
	}
}

// Settle settles a battle whose voting has ended.
func (e *Engine) Settle(ctx context.Context, battleID string) (*Result, error) {
	return e.settle(ctx, battleID, false)
}

// SettleNow settles immediately regardless of the end time. Admin only.
func (e *Engine) SettleNow(ctx context.Context, battleID string) (*Result, error) {
	return e.settle(ctx, battleID, true)
}

func (e *Engine) settle(ctx context.Context, battleID string, force bool) (*Result, error) {
	start := time.Now()
	var res *Result

	err := e.battles.WithLock(ctx, battleID, e.cfg.LockTTL, func(ctx context.Context) error {
		b, err := e.battles.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if b.Status != battle.StatusAccepted {
			e.log.Error().Str("battle_id", battleID).Str("status", b.Status.String()).Msg("settlement of non-accepted battle")
			return ErrNotSettleable.WithReason("battle %s is %s", battleID, b.Status)
		}
		now := e.now()
		if !force && !b.Ended(now) {
			return ErrNotDue.WithReason("battle %s ends at %s", battleID, b.EndsAt.Format(time.RFC3339))
		}

		plan, err := e.loadOrBuildPlan(ctx, b, now)
		if err != nil {
			return err
		}

		res = &Result{BattleID: b.ID, Winner: plan.Winner, Plan: plan}
		switch plan.Outcome {
		case OutcomeNoVotes, OutcomeDraw:
			// Nothing moves.
		case OutcomeOneSided:
			rep, err := e.refunder.RefundBattle(ctx, b, append(plan.VotersA, plan.VotersB...), "one-sided battle")
			if err != nil {
				return err
			}
			res.Refunds = &rep
		case OutcomeTwoSided:
			if res.Payouts, err = e.pay(ctx, b, plan); err != nil {
				return err
			}
			e.grantRewards(ctx, b, plan)
		}

		if err := e.finish(ctx, b, plan, now); err != nil {
			return err
		}
		res.Status = b.Status
		res.Journal, res.ConservationGap = e.journal(b, plan, res, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.votes.Cleanup(ctx, battleID); err != nil {
		e.log.Warn().Err(err).Str("battle_id", battleID).Msg("vote cleanup failed")
	}
	if _, err := e.battles.ClearCurrent(ctx, battleID); err != nil {
		e.log.Warn().Err(err).Str("battle_id", battleID).Msg("clear current failed")
	}

	if e.metrics != nil {
		e.metrics.SettlementsCompleted.WithLabelValues(res.Status.String()).Inc()
		e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	e.events.Emit(ctx, event.New(event.EventTypeBattleSettled, battleID, "", e.now()).
		WithAmount(res.Plan.Amounts.Pot).
		With("status", res.Status.String()).
		With("winner", string(res.Winner)))
	e.log.Info().
		Str("battle_id", battleID).
		Str("status", res.Status.String()).
		Str("winner", string(res.Winner)).
		Int("payouts", len(res.Payouts)).
		Msg("battle settled")
	return res, nil
}

// loadOrBuildPlan returns the stored plan, or decides and stores one.
// A stored plan is authoritative: votes cannot change after the end
// time, and a retry must pay exactly the legs the first attempt chose.
func (e *Engine) loadOrBuildPlan(ctx context.Context, b *battle.Battle, now time.Time) (*Plan, error) {
	if b.Plan != "" {
		return DecodePlan(b.Plan)
	}

	votersA, err := e.votes.Voters(ctx, b.ID, battle.SideA)
	if err != nil {
		return nil, err
	}
	votersB, err := e.votes.Voters(ctx, b.ID, battle.SideB)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(b, votersA, votersB, e.cfg.Rates, e.cfg.Addresses, now)
	if err != nil {
		return nil, err
	}
	encoded, err := plan.Encode()
	if err != nil {
		return nil, err
	}
	b.Plan = encoded
	b.Winner = plan.Winner
	if err := e.battles.Save(ctx, b, battle.FieldPlan, battle.FieldWinner); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	if plan.Amounts.ConservationGap > 0 {
		e.log.Warn().
			Str("battle_id", b.ID).
			Int64("pot", plan.Amounts.Pot).
			Int64("outflow", plan.Amounts.TotalOutflow).
			Int64("gap", plan.Amounts.ConservationGap).
			Msg("payout plan exceeds collected pot")
	}
	e.log.Info().
		Str("battle_id", b.ID).
		Str("outcome", string(plan.Outcome)).
		Int("votes_a", len(plan.VotersA)).
		Int("votes_b", len(plan.VotersB)).
		Msg("settlement plan stored")
	return plan, nil
}

func (e *Engine) pay(ctx context.Context, b *battle.Battle, plan *Plan) ([]LegResult, error) {
	out := make([]LegResult, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		res, err := e.runner.run(ctx, payoutMarkerKey(b.ID, leg.Seq), string(leg.Kind), payment.Transfer{
			To:             leg.To,
			Amount:         leg.Amount,
			Memo:           fmt.Sprintf("battle %s %s payout", b.ID, leg.Kind),
			IdempotencyKey: b.ID + ":" + strconv.Itoa(leg.Seq),
		})
		if err != nil {
			e.log.Warn().Err(err).Str("battle_id", b.ID).Int("seq", leg.Seq).Msg("payout leg failed, plan retained")
			return out, err
		}
		out = append(out, LegResult{Leg: leg, TxRef: res.TxRef, Executed: res.Executed})
		if res.Executed {
			e.events.Emit(ctx, event.New(event.EventTypePayoutExecuted, b.ID, leg.To, e.now()).
				WithAmount(leg.Amount).
				With("kind", string(leg.Kind)).
				With("seq", strconv.Itoa(leg.Seq)).
				With("tx_ref", res.TxRef))
		}
	}
	return out, nil
}

// grantRewards runs once per battle. Grants are best effort: the marker
// is taken first and a failed grant is logged, never retried.
func (e *Engine) grantRewards(ctx context.Context, b *battle.Battle, plan *Plan) {
	if e.rewards == nil {
		return
	}
	first, err := e.kv.SetNX(ctx, rewardsMarkerKey(b.ID), strconv.FormatInt(e.now().UnixMilli(), 10), markerTTL)
	if err != nil {
		e.log.Warn().Err(err).Str("battle_id", b.ID).Msg("rewards marker failed")
		return
	}
	if !first {
		return
	}

	grant := func(account string, points int64, reason string) {
		if account == "" {
			return
		}
		if err := e.rewards.Grant(ctx, account, points, reason); err != nil {
			e.log.Warn().Err(err).Str("battle_id", b.ID).Str("account", account).Msg("reward grant failed")
			return
		}
		e.events.Emit(ctx, event.New(event.EventTypeRewardGranted, b.ID, account, e.now()).
			WithAmount(points).
			With("reason", reason))
	}
	grant(b.Participant(plan.Winner), PointsWinner, "battle_win")
	grant(b.Participant(plan.Winner.Other()), PointsLoser, "battle_loss")
	for _, v := range plan.Winners() {
		grant(v, PointsWinningVoter, "battle_winning_vote")
	}
}

func (e *Engine) finish(ctx context.Context, b *battle.Battle, plan *Plan, now time.Time) error {
	a := plan.Amounts
	b.SettledAt = now
	b.Winner = plan.Winner
	fields := []string{battle.FieldSettledAt, battle.FieldWinner}
	if plan.Outcome == OutcomeTwoSided {
		b.Pot = a.Pot
		b.Burn = a.Burn
		b.Treasury = a.Treasury
		b.PosterAmount = a.PosterAmount
		b.VoterAmount = a.VoterAmount
		b.VoterSplit = a.VoterSplit
		fields = append(fields,
			battle.FieldPot, battle.FieldBurn, battle.FieldTreasury,
			battle.FieldPosterAmount, battle.FieldVoterAmount, battle.FieldVoterSplit)
	}
	return e.battles.Transition(ctx, b, plan.Outcome.Status(), fields...)
}

// journal records where the money went and measures the pot against it.
func (e *Engine) journal(b *battle.Battle, plan *Plan, res *Result, now time.Time) (*ledger.Batch, int64) {
	collected := []ledger.Movement{}
	if plan.ChallengePaid {
		collected = append(collected, ledger.Movement{Account: ledger.NewParticipantAccount(b.Challenger), Type: ledger.JournalTypeChallengeFee, Amount: plan.Fees.Challenge})
	}
	if plan.AcceptPaid {
		collected = append(collected, ledger.Movement{Account: ledger.NewParticipantAccount(b.Acceptor), Type: ledger.JournalTypeAcceptFee, Amount: plan.Fees.Accept})
	}
	for _, v := range append(append([]string(nil), plan.VotersA...), plan.VotersB...) {
		collected = append(collected, ledger.Movement{Account: ledger.NewParticipantAccount(v), Type: ledger.JournalTypeVoteFee, Amount: plan.Fees.Vote})
	}

	var paid []ledger.Movement
	for _, p := range res.Payouts {
		paid = append(paid, ledger.Movement{Account: legAccount(p.Leg), Type: legJournalType(p.Kind), Amount: p.Amount})
	}
	if res.Refunds != nil {
		for _, r := range res.Refunds.Refunds {
			paid = append(paid, ledger.Movement{Account: ledger.NewParticipantAccount(r.To), Type: ledger.JournalTypeRefund, Amount: r.Amount})
		}
	}

	batch, err := e.journals.GenerateSettlement(b.ID, collected, paid, now.UnixMicro())
	if err != nil {
		e.log.Error().Err(err).Str("battle_id", b.ID).Msg("settlement journal rejected")
		return nil, 0
	}
	if len(batch.Journals) == 0 {
		return batch, 0
	}

	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(tracker)
	if err := validator.ValidateBatchBalance(batch); err != nil {
		e.log.Error().Err(err).Str("battle_id", b.ID).Msg("settlement journal rejected")
		return nil, 0
	}
	for _, j := range batch.Journals {
		tracker.ApplyJournal(j)
	}
	gap := validator.PotGap(b.ID)
	if e.metrics != nil {
		e.metrics.ConservationGap.Set(float64(gap))
	}
	if err := validator.ValidatePotCovered(b.ID); err != nil {
		e.log.Warn().Err(err).Str("battle_id", b.ID).Int64("gap", gap).
			Dict("balances", balances(tracker)).Msg("conservation check failed")
	}
	if err := validator.ValidateSinks(); err != nil {
		e.log.Error().Err(err).Str("battle_id", b.ID).
			Dict("balances", balances(tracker)).Msg("sink account overdrawn")
	}
	return batch, gap
}

func balances(tracker *ledger.BalanceTracker) *zerolog.Event {
	d := zerolog.Dict()
	for key, amount := range tracker.Snapshot() {
		d.Int64(key.AccountPath(), amount)
	}
	return d
}

func legAccount(l Leg) ledger.AccountKey {
	switch l.Kind {
	case LegBurn:
		return ledger.NewBurnAccount()
	case LegTreasury:
		return ledger.NewTreasuryAccount()
	default:
		return ledger.NewParticipantAccount(l.To)
	}
}

func legJournalType(k LegKind) ledger.JournalType {
	switch k {
	case LegPoster:
		return ledger.JournalTypePosterPayout
	case LegVoter:
		return ledger.JournalTypeVoterPayout
	case LegBurn:
		return ledger.JournalTypeBurn
	default:
		return ledger.JournalTypeTreasury
	}
}

// IsRetryable reports whether a settlement error should be retried by the
// sweeper on its next pass.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPayoutInFlight) {
		return true
	}
	return apperr.KindOf(err).Retryable() || apperr.KindOf(err) == apperr.KindInternal
}
