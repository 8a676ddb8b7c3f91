package core

import (
	"context"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/settlement"
)

// SettleBattle settles a battle whose voting has ended.
func (s *Service) SettleBattle(ctx context.Context, battleID string) (*settlement.Result, error) {
	return s.Engine.Settle(ctx, battleID)
}

// AdminSettle settles immediately, before the end time.
func (s *Service) AdminSettle(ctx context.Context, admin, battleID string) (*settlement.Result, error) {
	if err := s.enforce(ctx, ratelimit.ActionAdmin, admin); err != nil {
		return nil, err
	}
	s.log.Warn().Str("admin", admin).Str("battle_id", battleID).Msg("admin settlement")
	return s.Engine.SettleNow(ctx, battleID)
}

// AdminForceEnd stops a battle without moving any funds.
func (s *Service) AdminForceEnd(ctx context.Context, admin, battleID string) (*battle.Battle, error) {
	if err := s.enforce(ctx, ratelimit.ActionAdmin, admin); err != nil {
		return nil, err
	}
	var out *battle.Battle
	err := s.Battles.WithLock(ctx, battleID, 0, func(ctx context.Context) error {
		b, err := s.Battles.Get(ctx, battleID)
		if err != nil {
			return err
		}
		b.SettledAt = s.now()
		b.CancelReason = "force ended by " + admin
		if err := s.Battles.Transition(ctx, b, battle.StatusForceEnded, battle.FieldSettledAt, battle.FieldCancelReason); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTerminal(ctx, out)
	s.log.Warn().Str("admin", admin).Str("battle_id", battleID).Msg("battle force ended")
	s.Events.Emit(ctx, event.New(event.EventTypeBattleForceEnded, battleID, admin, s.now()))
	return out, nil
}

// CancelResult reports a canceled battle and what was refunded.
type CancelResult struct {
	Battle  *battle.Battle          `json:"battle"`
	Refunds settlement.RefundReport `json:"refunds"`
}

// AdminCancel cancels a battle and refunds every paid party.
func (s *Service) AdminCancel(ctx context.Context, admin, battleID, reason string) (*CancelResult, error) {
	if err := s.enforce(ctx, ratelimit.ActionAdmin, admin); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("missing_reason", "a cancel reason is required")
	}

	var res CancelResult
	err := s.Battles.WithLock(ctx, battleID, s.cfg.AdminLockTTL, func(ctx context.Context) error {
		b, err := s.Battles.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if !battle.CanTransition(b.Status, battle.StatusCanceled) {
			return battle.ErrInvalidTransition.WithReason("cannot cancel a %s battle", b.Status)
		}
		voters, err := s.Refunder.Voters(ctx, battleID)
		if err != nil {
			return err
		}
		if res.Refunds, err = s.Refunder.RefundBattle(ctx, b, voters, reason); err != nil {
			return err
		}
		b.CancelReason = reason
		b.SettledAt = s.now()
		if err := s.Battles.Transition(ctx, b, battle.StatusCanceled, battle.FieldCancelReason, battle.FieldSettledAt); err != nil {
			return err
		}
		res.Battle = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTerminal(ctx, res.Battle)
	s.log.Warn().
		Str("admin", admin).
		Str("battle_id", battleID).
		Str("reason", reason).
		Int64("refunded", res.Refunds.Total).
		Msg("battle canceled")
	for _, p := range []string{res.Battle.Challenger, res.Battle.Acceptor} {
		s.notify(ctx, p, NotifyCanceled, map[string]string{"battle_id": battleID, "reason": reason})
	}
	s.Events.Emit(ctx, event.New(event.EventTypeBattleCanceled, battleID, admin, s.now()).
		WithAmount(res.Refunds.Total).
		With("reason", reason))
	return &res, nil
}

// ExpireBattle refunds and expires a battle nobody accepted. Battles that
// were accepted or finished meanwhile are left alone.
func (s *Service) ExpireBattle(ctx context.Context, battleID string) (bool, error) {
	var expired *battle.Battle
	var refunded int64
	err := s.Battles.WithLock(ctx, battleID, s.cfg.AdminLockTTL, func(ctx context.Context) error {
		b, err := s.Battles.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if !b.Status.IsWaiting() {
			return nil
		}
		rep, err := s.Refunder.RefundBattle(ctx, b, nil, "no opponent accepted")
		if err != nil {
			return err
		}
		refunded = rep.Total
		b.SettledAt = s.now()
		b.CancelReason = "expired"
		if err := s.Battles.Transition(ctx, b, battle.StatusExpired, battle.FieldSettledAt, battle.FieldCancelReason); err != nil {
			return err
		}
		expired = b
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}

	s.afterTerminal(ctx, expired)
	s.log.Info().Str("battle_id", battleID).Int64("refunded", refunded).Msg("battle expired")
	s.notify(ctx, expired.Challenger, NotifyExpired, map[string]string{"battle_id": battleID})
	s.Events.Emit(ctx, event.New(event.EventTypeBattleExpired, battleID, expired.Challenger, s.now()).
		WithAmount(refunded))
	return true, nil
}

// ExpireStale expires every waiting battle created more than StaleAfter
// ago and returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, limit int64) (int, error) {
	stale, err := s.Battles.Stale(ctx, s.now().Add(-s.cfg.StaleAfter), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range stale {
		ok, err := s.ExpireBattle(ctx, b.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("battle_id", b.ID).Msg("expire battle failed")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// SettleDue settles every accepted battle whose voting has ended. Busy
// battles are left for the next pass.
func (s *Service) SettleDue(ctx context.Context, limit int64) (int, error) {
	ids, err := s.Battles.Due(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.Engine.Settle(ctx, id); err != nil {
			ev := s.log.Warn()
			if !settlement.IsRetryable(err) {
				ev = s.log.Error()
			}
			ev.Err(err).Str("battle_id", id).Msg("settle due battle failed")
			continue
		}
		n++
	}
	return n, nil
}

// afterTerminal clears what a finished battle no longer needs.
func (s *Service) afterTerminal(ctx context.Context, b *battle.Battle) {
	if _, err := s.Votes.Cleanup(ctx, b.ID); err != nil {
		s.log.Warn().Err(err).Str("battle_id", b.ID).Msg("vote cleanup failed")
	}
	if _, err := s.Battles.ClearCurrent(ctx, b.ID); err != nil {
		s.log.Warn().Err(err).Str("battle_id", b.ID).Msg("clear current failed")
	}
}

// RateLimitStatus reports actor's allowance for action.
func (s *Service) RateLimitStatus(ctx context.Context, action ratelimit.Action, actor string) (ratelimit.Status, error) {
	return s.Limiter.Status(ctx, action, actor)
}

// ClearRateLimit resets actor's window for action.
func (s *Service) ClearRateLimit(ctx context.Context, admin string, action ratelimit.Action, actor string) error {
	if err := s.enforce(ctx, ratelimit.ActionAdmin, admin); err != nil {
		return err
	}
	s.log.Warn().Str("admin", admin).Str("action", string(action)).Str("actor", actor).Msg("rate limit cleared")
	return s.Limiter.Clear(ctx, action, actor)
}

const timeLayout = time.RFC3339
