package core

import (
	"context"

	"BattleLedger/internal/battle"
	"BattleLedger/internal/vote"
)

// BattleView is a battle with its live vote counts.
type BattleView struct {
	*battle.Battle
	Counts vote.Counts `json:"counts"`
}

func (s *Service) GetBattle(ctx context.Context, id string) (*BattleView, error) {
	b, err := s.Battles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

func (s *Service) VoteCounts(ctx context.Context, id string) (vote.Counts, error) {
	if _, err := s.Battles.Get(ctx, id); err != nil {
		return vote.Counts{}, err
	}
	return s.Votes.Counts(ctx, id)
}

// CurrentBattle returns the battle most recently accepted and not yet
// finished.
func (s *Service) CurrentBattle(ctx context.Context) (*BattleView, error) {
	b, err := s.Battles.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

func (s *Service) ListBattles(ctx context.Context, status battle.Status, limit int64) ([]*battle.Battle, error) {
	return s.Battles.ListByStatus(ctx, status, limit)
}

// view attaches counts. Finished battles report the totals stored on the
// record since their counters are cleaned up.
func (s *Service) view(ctx context.Context, b *battle.Battle) (*BattleView, error) {
	if b.Status.IsTerminal() {
		return &BattleView{Battle: b, Counts: vote.Counts{A: b.VotesA, B: b.VotesB, Total: b.Votes}}, nil
	}
	c, err := s.Votes.Counts(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &BattleView{Battle: b, Counts: c}, nil
}
