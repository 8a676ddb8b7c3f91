package core

import (
	"context"
	"errors"
	"strings"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/vote"
)

// VoteRequest casts a vote. An empty BattleID votes on the current battle.
type VoteRequest struct {
	BattleID string `json:"battle_id,omitempty"`
	Actor    string `json:"actor"`
	Side     string `json:"side"`
}

type VoteResult struct {
	BattleID string      `json:"battle_id"`
	Side     battle.Side `json:"side"`
	Fee      int64       `json:"fee"`
	IntentID string      `json:"payment_intent_id,omitempty"`
	SignURL  string      `json:"sign_url,omitempty"`
	// Recorded is true when the vote was recorded without a payment.
	Recorded bool `json:"recorded"`
}

// CastVote checks the vote can be taken and returns a payment intent for
// the vote fee. The vote is recorded when the payment confirms.
func (s *Service) CastVote(ctx context.Context, req VoteRequest) (*VoteResult, error) {
	req.Actor = strings.TrimSpace(req.Actor)
	if err := s.enforce(ctx, ratelimit.ActionBattleVote, req.Actor); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, apperr.Validation("missing_actor", "actor is required")
	}
	side, err := battle.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}

	var b *battle.Battle
	if req.BattleID == "" {
		b, err = s.Battles.Current(ctx)
	} else {
		b, err = s.Battles.Get(ctx, req.BattleID)
	}
	if err != nil {
		return nil, err
	}
	if b.Status != battle.StatusAccepted || b.Ended(s.now()) {
		return nil, vote.ErrNotAccepting.WithReason("battle %s is not accepting votes", b.ID)
	}
	if _, ok, err := s.Votes.Vote(ctx, b.ID, req.Actor); err != nil {
		return nil, err
	} else if ok {
		return nil, vote.ErrAlreadyVoted
	}

	res := &VoteResult{BattleID: b.ID, Side: side, Fee: b.VoteFee}
	if b.VoteFee == 0 {
		if _, err := s.Votes.RecordVote(ctx, b.ID, req.Actor, side, ""); err != nil {
			return nil, err
		}
		s.voted(ctx, b.ID, req.Actor, side, 0)
		res.Recorded = true
		return res, nil
	}

	intent, err := s.createIntent(ctx, confirm.KindBattleVote, req.Actor, b.ID, b.VoteFee)
	if err != nil {
		return nil, err
	}
	err = s.Tracker.Track(ctx, confirm.Offer{
		IntentID: intent.ID,
		Kind:     confirm.KindBattleVote,
		EntityID: b.ID,
		Actor:    req.Actor,
		Amount:   b.VoteFee,
		Side:     string(side),
	})
	if err != nil {
		return nil, err
	}
	res.IntentID = intent.ID
	res.SignURL = intent.SignURL
	return res, nil
}

func (s *Service) voted(ctx context.Context, battleID, voter string, side battle.Side, fee int64) {
	s.reward(ctx, battleID, voter, PointsPerVote, "battle_vote")
	s.Events.Emit(ctx, event.New(event.EventTypeVoteRecorded, battleID, voter, s.now()).
		WithAmount(fee).
		With("side", string(side)))
}

// voteRejected reports vote errors that mean the payment cannot be used.
func voteRejected(err error) bool {
	return errors.Is(err, vote.ErrAlreadyVoted) ||
		errors.Is(err, vote.ErrNotAccepting) ||
		errors.Is(err, battle.ErrNotFound)
}
