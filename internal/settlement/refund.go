package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"BattleLedger/internal/battle"
	"BattleLedger/internal/event"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/vote"

	"github.com/rs/zerolog"
)

func refundMarkerKey(battleID, party string) string {
	return "battle:" + battleID + ":refund:" + party
}

// Refund is one refunded party.
type Refund struct {
	Party    string `json:"party"`
	To       string `json:"to"`
	Amount   int64  `json:"amount"`
	TxRef    string `json:"tx_ref"`
	Executed bool   `json:"executed"`
}

// RefundReport lists the refunds of one battle.
type RefundReport struct {
	Refunds []Refund `json:"refunds"`
	Total   int64    `json:"total"`
}

// Refunder returns fees to the parties of a battle. Every recipient sits
// behind its own marker, so a partially failed refund resumes without
// paying anyone twice.
type Refunder struct {
	battles *battle.Store
	votes   *vote.Ledger
	runner  *legRunner
	events  event.Sink
	now     func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewRefunder(
	store kv.Store,
	battles *battle.Store,
	votes *vote.Ledger,
	exec payment.Executor,
	claimTTL time.Duration,
	events event.Sink,
	now func() time.Time,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Refunder {
	if now == nil {
		now = time.Now
	}
	if events == nil {
		events = event.Discard
	}
	return &Refunder{
		battles: battles,
		votes:   votes,
		runner:  &legRunner{kv: store, exec: exec, claimTTL: claimTTL, log: log, metrics: metrics},
		events:  events,
		now:     now,
		log:     log,
		metrics: metrics,
	}
}

// Voters returns every voter of battleID, both sides.
func (r *Refunder) Voters(ctx context.Context, battleID string) ([]string, error) {
	a, err := r.votes.Voters(ctx, battleID, battle.SideA)
	if err != nil {
		return nil, err
	}
	b, err := r.votes.Voters(ctx, battleID, battle.SideB)
	if err != nil {
		return nil, err
	}
	return append(a, b...), nil
}

// RefundBattle refunds the challenger and acceptor fees (when paid) and
// the vote fee of every voter, then marks b refunded. The caller must
// hold the battle lock.
func (r *Refunder) RefundBattle(ctx context.Context, b *battle.Battle, voters []string, reason string) (RefundReport, error) {
	var rep RefundReport
	memo := "battle " + b.ID + " refund: " + reason

	if b.ChallengerPaid && b.ChallengeFee > 0 && !b.ChallengerRefunded {
		ref, err := r.refund(ctx, b.ID, "challenger", b.Challenger, b.ChallengeFee, memo)
		if err != nil {
			return rep, err
		}
		rep.add(ref)
		b.ChallengerRefunded = true
		if err := r.battles.Save(ctx, b, battle.FieldChallengerRefunded); err != nil {
			return rep, err
		}
	}

	if b.AcceptorPaid && b.AcceptFee > 0 && !b.AcceptorRefunded {
		ref, err := r.refund(ctx, b.ID, "acceptor", b.Acceptor, b.AcceptFee, memo)
		if err != nil {
			return rep, err
		}
		rep.add(ref)
		b.AcceptorRefunded = true
		if err := r.battles.Save(ctx, b, battle.FieldAcceptorRefunded); err != nil {
			return rep, err
		}
	}

	if b.VoteFee > 0 && !b.VotersRefunded {
		for _, v := range voters {
			ref, err := r.refund(ctx, b.ID, "voter:"+v, v, b.VoteFee, memo)
			if err != nil {
				return rep, err
			}
			rep.add(ref)
			b.VotersRefunded = true
		}
	}

	b.Refunded = true
	if err := r.battles.Save(ctx, b, battle.FieldVotersRefunded, battle.FieldRefunded); err != nil {
		return rep, err
	}

	r.log.Info().
		Str("battle_id", b.ID).
		Str("reason", reason).
		Int("refunds", len(rep.Refunds)).
		Int64("total", rep.Total).
		Msg("battle refunded")
	return rep, nil
}

// RefundPayment returns a single confirmed payment that could not be
// applied. key is both the marker and the transfer idempotency key.
func (r *Refunder) RefundPayment(ctx context.Context, key, battleID, to string, amount int64, memo string) (Refund, error) {
	res, err := r.runner.run(ctx, key, "payment", payment.Transfer{
		To:             to,
		Amount:         amount,
		Memo:           memo,
		IdempotencyKey: key,
	})
	if err != nil {
		return Refund{}, fmt.Errorf("refund %s: %w", key, err)
	}
	ref := Refund{Party: "payment", To: to, Amount: amount, TxRef: res.TxRef, Executed: res.Executed}
	if res.Executed {
		r.issued(ctx, battleID, ref)
	}
	return ref, nil
}

func (r *Refunder) refund(ctx context.Context, battleID, party, to string, amount int64, memo string) (Refund, error) {
	res, err := r.runner.run(ctx, refundMarkerKey(battleID, party), "refund", payment.Transfer{
		To:             to,
		Amount:         amount,
		Memo:           memo,
		IdempotencyKey: battleID + ":refund:" + party,
	})
	if err != nil {
		return Refund{}, fmt.Errorf("refund %s of battle %s: %w", party, battleID, err)
	}
	ref := Refund{Party: party, To: to, Amount: amount, TxRef: res.TxRef, Executed: res.Executed}
	if res.Executed {
		r.issued(ctx, battleID, ref)
	}
	return ref, nil
}

func (r *Refunder) issued(ctx context.Context, battleID string, ref Refund) {
	if r.metrics != nil {
		r.metrics.RefundsIssued.WithLabelValues(partyLabel(ref.Party)).Inc()
	}
	r.events.Emit(ctx, event.New(event.EventTypeRefundIssued, battleID, ref.To, r.now()).
		WithAmount(ref.Amount).
		With("party", ref.Party).
		With("tx_ref", ref.TxRef))
}

func (rep *RefundReport) add(ref Refund) {
	rep.Refunds = append(rep.Refunds, ref)
	rep.Total += ref.Amount
}

func partyLabel(party string) string {
	if strings.HasPrefix(party, "voter:") {
		return "voter"
	}
	return party
}
