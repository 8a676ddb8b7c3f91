package core

import (
	"context"
	"errors"
	"fmt"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/payment"
)

// ConfirmPayment polls the gateway for intentID and resolves the result.
// Safe to call any number of times.
func (s *Service) ConfirmPayment(ctx context.Context, intentID string) (confirm.Outcome, error) {
	if intentID == "" {
		return confirm.Outcome{}, apperr.Validation("missing_intent", "intent id is required")
	}
	st, err := s.Gateway.PollStatus(ctx, intentID)
	if err != nil {
		if _, typed := apperr.As(err); typed {
			return confirm.Outcome{}, err
		}
		return confirm.Outcome{}, apperr.Dependency("payment_gateway", err)
	}
	if st.IntentID == "" {
		st.IntentID = intentID
	}
	return s.Tracker.Resolve(ctx, confirm.EventFromStatus(st))
}

// HandlePaymentStatus resolves a status pushed by the gateway.
func (s *Service) HandlePaymentStatus(ctx context.Context, st payment.Status) (confirm.Outcome, error) {
	return s.Tracker.Resolve(ctx, confirm.EventFromStatus(st))
}

// refundIntent returns a confirmed payment that could not be used.
func (s *Service) refundIntent(ctx context.Context, offer confirm.Offer, reason string) (confirm.Outcome, error) {
	ref, err := s.Refunder.RefundPayment(ctx, "refund:"+offer.IntentID, offer.EntityID, offer.Actor, offer.Amount,
		fmt.Sprintf("battle %s %s refund: %s", offer.EntityID, offer.Kind, reason))
	if err != nil {
		return confirm.Outcome{}, err
	}
	s.log.Info().
		Str("intent_id", offer.IntentID).
		Str("battle_id", offer.EntityID).
		Str("reason", reason).
		Msg("confirmed payment refunded")
	return confirm.Outcome{
		Result: confirm.ResultFailed,
		Reason: reason,
		Data:   map[string]string{"refund_tx": ref.TxRef},
	}, nil
}

func (s *Service) applyStart(ctx context.Context, offer confirm.Offer, ev confirm.Event) (confirm.Outcome, error) {
	var out confirm.Outcome
	var refund string
	err := s.Battles.WithLock(ctx, offer.EntityID, 0, func(ctx context.Context) error {
		b, err := s.Battles.Get(ctx, offer.EntityID)
		if errors.Is(err, battle.ErrNotFound) {
			refund = "battle no longer exists"
			return nil
		}
		if err != nil {
			return err
		}
		if !b.Status.IsWaiting() {
			refund = "battle is " + b.Status.String()
			return nil
		}
		if b.ChallengerPaid {
			return nil
		}
		b.ChallengerPaid = true
		b.ChallengerTx = ev.TxRef
		if err := s.Battles.Save(ctx, b, battle.FieldChallengerPaid, battle.FieldChallengerTx); err != nil {
			return err
		}
		s.log.Info().Str("battle_id", b.ID).Str("tx_ref", ev.TxRef).Msg("challenge fee confirmed")
		s.started(ctx, b)
		out.Data = map[string]string{"status": b.Status.String()}
		return nil
	})
	if err != nil {
		return confirm.Outcome{}, err
	}
	if refund != "" {
		return s.refundIntent(ctx, offer, refund)
	}
	return out, nil
}

func (s *Service) applyAccept(ctx context.Context, offer confirm.Offer, ev confirm.Event) (confirm.Outcome, error) {
	var out confirm.Outcome
	var refund string
	err := s.Battles.WithLock(ctx, offer.EntityID, 0, func(ctx context.Context) error {
		b, err := s.Battles.Get(ctx, offer.EntityID)
		if errors.Is(err, battle.ErrNotFound) {
			refund = "battle no longer exists"
			return nil
		}
		if err != nil {
			return err
		}
		if b.AcceptorPaid && b.Acceptor == offer.Actor && b.AcceptorTx == ev.TxRef {
			// Already applied by an earlier delivery of this payment.
			out.Data = map[string]string{"ends_at": b.EndsAt.Format(timeLayout)}
			return nil
		}
		if err := acceptable(b, offer.Actor); err != nil {
			refund = err.Error()
			return nil
		}
		b.AcceptorPaid = true
		b.AcceptorTx = ev.TxRef
		if err := s.activate(ctx, b, offer.Actor, offer.ContentRef); err != nil {
			return err
		}
		out.Data = map[string]string{"ends_at": b.EndsAt.Format(timeLayout)}
		return nil
	})
	if err != nil {
		return confirm.Outcome{}, err
	}
	if refund != "" {
		return s.refundIntent(ctx, offer, refund)
	}
	return out, nil
}

func (s *Service) applyVote(ctx context.Context, offer confirm.Offer, ev confirm.Event) (confirm.Outcome, error) {
	side, err := battle.ParseSide(offer.Side)
	if err != nil {
		return s.refundIntent(ctx, offer, err.Error())
	}
	prior, found, err := s.Votes.Vote(ctx, offer.EntityID, offer.Actor)
	if err != nil {
		return confirm.Outcome{}, err
	}
	if found && prior.IntentID == offer.IntentID {
		return confirm.Outcome{Data: map[string]string{"side": string(prior.Side)}}, nil
	}
	_, err = s.Votes.RecordVote(ctx, offer.EntityID, offer.Actor, side, offer.IntentID)
	if voteRejected(err) {
		return s.refundIntent(ctx, offer, err.Error())
	}
	if err != nil {
		return confirm.Outcome{}, err
	}
	s.voted(ctx, offer.EntityID, offer.Actor, side, offer.Amount)
	return confirm.Outcome{Data: map[string]string{"side": string(side)}}, nil
}

// refundPayer returns a payment settled by an account other than the one
// that requested it. The money goes back to whoever paid.
func (s *Service) refundPayer(ctx context.Context, offer confirm.Offer, ev confirm.Event) (confirm.Outcome, error) {
	ref, err := s.Refunder.RefundPayment(ctx, "refund:"+offer.IntentID, offer.EntityID, ev.Payer, offer.Amount,
		fmt.Sprintf("battle %s %s refund: paid by %s instead of %s", offer.EntityID, offer.Kind, ev.Payer, offer.Actor))
	if err != nil {
		return confirm.Outcome{}, err
	}
	s.log.Warn().
		Str("intent_id", offer.IntentID).
		Str("battle_id", offer.EntityID).
		Str("payer", ev.Payer).
		Str("refund_tx", ref.TxRef).
		Msg("payment from unexpected payer refunded")
	return confirm.Outcome{Data: map[string]string{"refund_tx": ref.TxRef, "refund_to": ev.Payer}}, nil
}
