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

	"github.com/google/uuid"
)

func newBattleID() string { return uuid.NewString() }

// CreateRequest starts a battle. Opponent is optional; without one the
// battle is open to the first eligible acceptor.
type CreateRequest struct {
	Actor      string `json:"actor"`
	ContentRef string `json:"content_ref"`
	Opponent   string `json:"opponent,omitempty"`
}

type CreateResult struct {
	BattleID string        `json:"battle_id"`
	Status   battle.Status `json:"status"`
	Fee      int64         `json:"fee"`
	IntentID string        `json:"payment_intent_id,omitempty"`
	SignURL  string        `json:"sign_url,omitempty"`
}

// CreateBattle records a new battle awaiting the challenger's payment.
func (s *Service) CreateBattle(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Actor = strings.TrimSpace(req.Actor)
	req.ContentRef = strings.TrimSpace(req.ContentRef)
	req.Opponent = strings.TrimSpace(req.Opponent)

	if err := s.enforce(ctx, ratelimit.ActionBattleStart, req.Actor); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, apperr.Validation("missing_actor", "actor is required")
	}
	if req.ContentRef == "" {
		return nil, apperr.Validation("missing_content", "content reference is required")
	}
	if req.Opponent == req.Actor {
		return nil, apperr.Validation("self_challenge", "cannot challenge yourself")
	}
	if err := s.validateContent(ctx, req.ContentRef, req.Actor); err != nil {
		return nil, err
	}

	now := s.now()
	b := &battle.Battle{
		ID:                s.newID(),
		Challenger:        req.Actor,
		ChallengerContent: req.ContentRef,
		Target:            req.Opponent,
		Status:            battle.StatusOpen,
		CreatedAt:         now,
		RunDuration:       s.cfg.RunDuration,
		ChallengeFee:      s.cfg.Fees.Challenge,
		AcceptFee:         s.cfg.Fees.Accept,
		VoteFee:           s.cfg.Fees.Vote,
	}
	if b.Target != "" {
		b.Status = battle.StatusPending
	}

	res := &CreateResult{BattleID: b.ID, Status: b.Status, Fee: b.ChallengeFee}
	if b.ChallengeFee == 0 {
		b.ChallengerPaid = true
		if err := s.Battles.Create(ctx, b); err != nil {
			return nil, err
		}
		s.started(ctx, b)
		return res, nil
	}

	intent, err := s.createIntent(ctx, confirm.KindBattleStart, b.Challenger, b.ID, b.ChallengeFee)
	if err != nil {
		return nil, err
	}
	if err := s.Battles.Create(ctx, b); err != nil {
		return nil, err
	}
	err = s.Tracker.Track(ctx, confirm.Offer{
		IntentID:   intent.ID,
		Kind:       confirm.KindBattleStart,
		EntityID:   b.ID,
		Actor:      b.Challenger,
		Amount:     b.ChallengeFee,
		ContentRef: b.ChallengerContent,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("battle_id", b.ID).
		Str("challenger", b.Challenger).
		Str("target", b.Target).
		Str("intent_id", intent.ID).
		Msg("battle created, awaiting payment")
	res.IntentID = intent.ID
	res.SignURL = intent.SignURL
	return res, nil
}

// started publishes a funded battle.
func (s *Service) started(ctx context.Context, b *battle.Battle) {
	if b.Target != "" {
		s.notify(ctx, b.Target, NotifyChallenged, map[string]string{"battle_id": b.ID, "challenger": b.Challenger})
	}
	s.Events.Emit(ctx, event.New(event.EventTypeBattleCreated, b.ID, b.Challenger, s.now()).
		WithAmount(b.ChallengeFee).
		With("target", b.Target).
		With("status", b.Status.String()))
}

// AcceptRequest accepts a waiting battle.
type AcceptRequest struct {
	BattleID   string `json:"battle_id"`
	Actor      string `json:"actor"`
	ContentRef string `json:"content_ref"`
}

type AcceptResult struct {
	BattleID string `json:"battle_id"`
	Fee      int64  `json:"fee"`
	IntentID string `json:"payment_intent_id,omitempty"`
	SignURL  string `json:"sign_url,omitempty"`
	// Accepted is true when the battle became active without a payment.
	Accepted bool `json:"accepted"`
}

// AcceptBattle checks eligibility and returns a payment intent for the
// accept fee. The battle moves to accepted when the payment confirms, or
// immediately when the accept fee is zero.
func (s *Service) AcceptBattle(ctx context.Context, req AcceptRequest) (*AcceptResult, error) {
	req.Actor = strings.TrimSpace(req.Actor)
	req.ContentRef = strings.TrimSpace(req.ContentRef)

	if err := s.enforce(ctx, ratelimit.ActionBattleAccept, req.Actor); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, apperr.Validation("missing_actor", "actor is required")
	}
	if req.ContentRef == "" {
		return nil, apperr.Validation("missing_content", "content reference is required")
	}

	b, err := s.Battles.Get(ctx, req.BattleID)
	if err != nil {
		return nil, err
	}
	if err := acceptable(b, req.Actor); err != nil {
		return nil, err
	}
	if err := s.validateContent(ctx, req.ContentRef, req.Actor); err != nil {
		return nil, err
	}

	res := &AcceptResult{BattleID: b.ID, Fee: b.AcceptFee}
	if b.AcceptFee == 0 {
		err := s.Battles.WithLock(ctx, b.ID, 0, func(ctx context.Context) error {
			b, err := s.Battles.Get(ctx, req.BattleID)
			if err != nil {
				return err
			}
			if err := acceptable(b, req.Actor); err != nil {
				return err
			}
			return s.activate(ctx, b, req.Actor, req.ContentRef)
		})
		if err != nil {
			return nil, err
		}
		res.Accepted = true
		return res, nil
	}

	intent, err := s.createIntent(ctx, confirm.KindBattleAccept, req.Actor, b.ID, b.AcceptFee)
	if err != nil {
		return nil, err
	}
	err = s.Tracker.Track(ctx, confirm.Offer{
		IntentID:   intent.ID,
		Kind:       confirm.KindBattleAccept,
		EntityID:   b.ID,
		Actor:      req.Actor,
		Amount:     b.AcceptFee,
		ContentRef: req.ContentRef,
	})
	if err != nil {
		return nil, err
	}
	res.IntentID = intent.ID
	res.SignURL = intent.SignURL
	return res, nil
}

// AcceptOpen accepts the oldest funded open battle the actor did not
// create.
func (s *Service) AcceptOpen(ctx context.Context, actor, contentRef string) (*AcceptResult, error) {
	b, err := s.Battles.OldestOpen(ctx, strings.TrimSpace(actor))
	if errors.Is(err, battle.ErrNotFound) {
		return nil, ErrNoOpenBattle
	}
	if err != nil {
		return nil, err
	}
	return s.AcceptBattle(ctx, AcceptRequest{BattleID: b.ID, Actor: actor, ContentRef: contentRef})
}

func acceptable(b *battle.Battle, actor string) error {
	if !b.Status.IsWaiting() {
		return ErrNotAcceptable.WithReason("battle %s is %s", b.ID, b.Status)
	}
	if !b.Funded() {
		return ErrNotFunded.WithReason("battle %s is awaiting payment", b.ID)
	}
	if b.Challenger == actor {
		return ErrSelfAccept
	}
	if b.Target != "" && b.Target != actor {
		return ErrNotTarget
	}
	return nil
}

// activate moves b to accepted. Caller holds the battle lock.
func (s *Service) activate(ctx context.Context, b *battle.Battle, acceptor, contentRef string) error {
	now := s.now()
	if b.RunDuration <= 0 {
		b.RunDuration = s.cfg.RunDuration
	}
	b.Acceptor = acceptor
	b.AcceptorContent = contentRef
	b.AcceptedAt = now
	b.EndsAt = now.Add(b.RunDuration)
	err := s.Battles.Transition(ctx, b, battle.StatusAccepted,
		battle.FieldAcceptor, battle.FieldAcceptorContent, battle.FieldAcceptorPaid, battle.FieldAcceptorTx,
		battle.FieldAcceptedAt, battle.FieldEndsAt, battle.FieldRunDuration)
	if err != nil {
		return err
	}
	if err := s.Battles.SetCurrent(ctx, b.ID); err != nil {
		s.log.Warn().Err(err).Str("battle_id", b.ID).Msg("set current battle failed")
	}

	s.log.Info().
		Str("battle_id", b.ID).
		Str("acceptor", acceptor).
		Time("ends_at", b.EndsAt).
		Msg("battle accepted")
	s.notify(ctx, b.Challenger, NotifyAccepted, map[string]string{"battle_id": b.ID, "acceptor": acceptor})
	s.Events.Emit(ctx, event.New(event.EventTypeBattleAccepted, b.ID, acceptor, now).
		WithAmount(b.AcceptFee).
		With("ends_at", b.EndsAt.Format(timeLayout)))
	return nil
}
