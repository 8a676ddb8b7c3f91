// Package vote records one vote per voter per battle and keeps the
// per-side counters and voter sets the settlement engine reads.
package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyVoted = apperr.New(apperr.KindConflict, "already_voted", "you have already voted in this battle")
	ErrNotAccepting = apperr.New(apperr.KindConflict, "battle_not_active", "battle is not accepting votes")
)

const (
	// RecordTTL is how long individual vote records are kept.
	RecordTTL = 7 * 24 * time.Hour
	// CleanupTTL is how long the cleanup marker is kept.
	CleanupTTL = 7 * 24 * time.Hour
)

func recordKey(battleID, voter string) string { return "battle:" + battleID + ":vote:" + voter }
func countKey(battleID string, s battle.Side) string {
	return "battle:" + battleID + ":count:" + string(s)
}
func votersKey(battleID string, s battle.Side) string {
	return "battle:" + battleID + ":voters:" + string(s)
}
func cleanupKey(battleID string) string { return "battle:" + battleID + ":cleanup" }

// Vote is one stored vote.
type Vote struct {
	BattleID string      `json:"battle_id"`
	Voter    string      `json:"voter"`
	Side     battle.Side `json:"side"`
	IntentID string      `json:"intent_id,omitempty"`
	At       time.Time   `json:"at"`
}

// Counts is a display snapshot of both sides.
type Counts struct {
	A     int64 `json:"votes_a"`
	B     int64 `json:"votes_b"`
	Total int64 `json:"total"`
}

// Ledger records votes.
type Ledger struct {
	kv      kv.Store
	battles *battle.Store
	now     func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewLedger(store kv.Store, battles *battle.Store, now func() time.Time, log zerolog.Logger, metrics *observability.Metrics) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{kv: store, battles: battles, now: now, log: log, metrics: metrics}
}

// RecordVote stores voter's vote for side. The existence check and the
// counter, set and aggregate updates all happen under the battle lock,
// so two concurrent votes from one voter can never both count.
func (l *Ledger) RecordVote(ctx context.Context, battleID, voter string, side battle.Side, intentID string) (Vote, error) {
	if voter == "" {
		return Vote{}, apperr.Validation("missing_voter", "voter is required")
	}
	if side != battle.SideA && side != battle.SideB {
		return Vote{}, apperr.Validation("invalid_side", "side must be A or B")
	}

	var v Vote
	err := l.battles.WithLock(ctx, battleID, 0, func(ctx context.Context) error {
		b, err := l.battles.Get(ctx, battleID)
		if err != nil {
			return err
		}
		now := l.now()
		if b.Status != battle.StatusAccepted {
			return ErrNotAccepting.WithReason("battle %s is %s", battleID, b.Status)
		}
		if b.Ended(now) {
			return ErrNotAccepting.WithReason("voting on battle %s has ended", battleID)
		}

		exists, err := l.kv.Exists(ctx, recordKey(battleID, voter))
		if err != nil {
			return fmt.Errorf("check vote: %w", err)
		}
		if exists {
			return ErrAlreadyVoted
		}

		v = Vote{BattleID: battleID, Voter: voter, Side: side, IntentID: intentID, At: now}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal vote: %w", err)
		}

		err = l.kv.Atomic(ctx, func(tx kv.Tx) {
			tx.Set(recordKey(battleID, voter), string(data), RecordTTL)
			tx.Incr(countKey(battleID, side))
			tx.SAdd(votersKey(battleID, side), voter)
			tx.HIncrBy(battle.DataKey(battleID), battle.FieldVotes, 1)
			tx.HIncrBy(battle.DataKey(battleID), battle.VotesField(side), 1)
		})
		if err != nil {
			return fmt.Errorf("record vote %s/%s: %w", battleID, voter, err)
		}
		return nil
	})
	if err != nil {
		return Vote{}, err
	}

	if l.metrics != nil {
		l.metrics.VotesRecorded.WithLabelValues(string(side)).Inc()
	}
	l.log.Info().Str("battle_id", battleID).Str("voter", voter).Str("side", string(side)).Msg("vote recorded")
	return v, nil
}

// Vote returns voter's vote, or ok=false when there is none.
func (l *Ledger) Vote(ctx context.Context, battleID, voter string) (Vote, bool, error) {
	raw, err := l.kv.Get(ctx, recordKey(battleID, voter))
	if errors.Is(err, kv.ErrNotFound) {
		return Vote{}, false, nil
	}
	if err != nil {
		return Vote{}, false, fmt.Errorf("load vote: %w", err)
	}
	var v Vote
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Vote{}, false, fmt.Errorf("decode vote: %w", err)
	}
	return v, true, nil
}

// Counts reads the side counters without locking. Display only; the
// settlement engine reads the voter sets.
func (l *Ledger) Counts(ctx context.Context, battleID string) (Counts, error) {
	var c Counts
	for _, side := range []battle.Side{battle.SideA, battle.SideB} {
		raw, err := l.kv.Get(ctx, countKey(battleID, side))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return Counts{}, fmt.Errorf("read %s count: %w", side, err)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("parse %s count: %w", side, err)
		}
		if side == battle.SideA {
			c.A = n
		} else {
			c.B = n
		}
	}
	c.Total = c.A + c.B
	return c, nil
}

// Voters returns the voters on side, sorted.
func (l *Ledger) Voters(ctx context.Context, battleID string, side battle.Side) ([]string, error) {
	members, err := l.kv.SMembers(ctx, votersKey(battleID, side))
	if err != nil {
		return nil, fmt.Errorf("read %s voters: %w", side, err)
	}
	sort.Strings(members)
	return members, nil
}

// Cleanup drops counters and voter sets after settlement. It runs once
// per battle; vote records expire on their own.
func (l *Ledger) Cleanup(ctx context.Context, battleID string) (bool, error) {
	first, err := l.kv.SetNX(ctx, cleanupKey(battleID), strconv.FormatInt(l.now().UnixMilli(), 10), CleanupTTL)
	if err != nil {
		return false, fmt.Errorf("cleanup marker: %w", err)
	}
	if !first {
		return false, nil
	}
	err = l.kv.Del(ctx,
		countKey(battleID, battle.SideA), countKey(battleID, battle.SideB),
		votersKey(battleID, battle.SideA), votersKey(battleID, battle.SideB),
	)
	if err != nil {
		return false, fmt.Errorf("cleanup battle %s: %w", battleID, err)
	}
	l.log.Debug().Str("battle_id", battleID).Msg("vote data cleaned up")
	return true, nil
}
