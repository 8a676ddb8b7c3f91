package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BattleLedger/internal/apperr"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Leaderboard metrics.
var leaderboardColumns = map[string]string{
	"points":   "points",
	"earnings": "earnings",
	"wins":     "wins",
	"votes":    "votes_cast",
}

// QueryService provides read-only access to the projection tables and
// the audit log. Every response carries the projection freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	Account string // challenger or acceptor
	Status  string
	Before  time.Time // cursor: created_at of the last row of the previous page
	Limit   int
}

// History returns battles newest first.
func (qs *QueryService) History(ctx context.Context, f HistoryFilter) (*HistoryResponse, error) {
	fresh, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT battle_id, challenger, acceptor, target, status, winner,
		       challenge_fee, accept_fee, votes_a, votes_b, vote_volume,
		       pot, paid_out, refunded, created_at, accepted_at, ended_at
		FROM projections.battles
		WHERE TRUE
	`
	args := []any{}
	argIdx := 1

	if f.Account != "" {
		query += fmt.Sprintf(" AND (challenger = $%d OR acceptor = $%d)", argIdx, argIdx)
		args = append(args, f.Account)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if !f.Before.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, f.Before)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &HistoryResponse{Battles: []BattleHistoryEntry{}, Freshness: fresh}
	for rows.Next() {
		var (
			b                   BattleHistoryEntry
			acceptedAt, endedAt sql.NullTime
		)
		if err := rows.Scan(
			&b.BattleID, &b.Challenger, &b.Acceptor, &b.Target, &b.Status, &b.Winner,
			&b.ChallengeFee, &b.AcceptFee, &b.VotesA, &b.VotesB, &b.VoteVolume,
			&b.Pot, &b.PaidOut, &b.Refunded, &b.CreatedAt, &acceptedAt, &endedAt,
		); err != nil {
			return nil, err
		}
		b.AcceptedAt = nullTime(acceptedAt)
		b.EndedAt = nullTime(endedAt)
		out.Battles = append(out.Battles, b)
	}
	return out, rows.Err()
}

// PlayerStats returns one account's record. An unknown account has an
// all-zero record.
func (qs *QueryService) PlayerStats(ctx context.Context, account string) (*PlayerStatsResponse, error) {
	if account == "" {
		return nil, apperr.Validation("missing_account", "account is required")
	}
	fresh, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	out := &PlayerStatsResponse{PlayerStats: PlayerStats{Account: account}, Freshness: fresh}
	err = qs.db.QueryRowContext(ctx, `
		SELECT battles, wins, losses, draws, votes_cast, earnings, refunds, points
		FROM projections.player_stats WHERE account = $1
	`, account).Scan(
		&out.Battles, &out.Wins, &out.Losses, &out.Draws,
		&out.VotesCast, &out.Earnings, &out.Refunds, &out.Points,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

// Leaderboard ranks players by points, earnings, wins or votes.
func (qs *QueryService) Leaderboard(ctx context.Context, metric string, limit int) (*LeaderboardResponse, error) {
	if metric == "" {
		metric = "points"
	}
	column, ok := leaderboardColumns[metric]
	if !ok {
		return nil, apperr.Validation("bad_metric", "unknown leaderboard metric %q", metric)
	}
	fresh, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, battles, wins, losses, draws, votes_cast, earnings, refunds, points
		FROM projections.player_stats
		WHERE `+column+` > 0
		ORDER BY `+column+` DESC, account
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &LeaderboardResponse{Metric: metric, Players: []PlayerStats{}, Freshness: fresh}
	for rows.Next() {
		var p PlayerStats
		if err := rows.Scan(
			&p.Account, &p.Battles, &p.Wins, &p.Losses, &p.Draws,
			&p.VotesCast, &p.Earnings, &p.Refunds, &p.Points,
		); err != nil {
			return nil, err
		}
		out.Players = append(out.Players, p)
	}
	return out, rows.Err()
}

// Stats aggregates across all battles and players.
func (qs *QueryService) Stats(ctx context.Context) (*StatsResponse, error) {
	fresh, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	out := &StatsResponse{ByStatus: map[string]int64{}, Freshness: fresh}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(votes_a + votes_b), 0),
		       COALESCE(SUM(vote_volume), 0), COALESCE(SUM(paid_out), 0), COALESCE(SUM(refunded), 0)
		FROM projections.battles
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status                             string
			n, votes, volume, paidOut, refunds int64
		)
		if err := rows.Scan(&status, &n, &votes, &volume, &paidOut, &refunds); err != nil {
			return nil, err
		}
		out.ByStatus[status] = n
		out.Battles += n
		out.Votes += votes
		out.VoteVolume += volume
		out.PaidOut += paidOut
		out.Refunded += refunds
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(points), 0) FROM projections.player_stats
	`).Scan(&out.Players, &out.PointsTotal); err != nil {
		return nil, err
	}
	return out, nil
}

// Payouts returns the executed transfers of one battle from the audit
// log, in leg order with refunds last.
func (qs *QueryService) Payouts(ctx context.Context, battleID string) ([]PayoutEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT kind, seq, to_account, amount, tx_ref, executed_at
		FROM battle_log.payouts
		WHERE battle_id = $1
		ORDER BY (seq < 0), seq, executed_at
	`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []PayoutEntry{}
	for rows.Next() {
		var p PayoutEntry
		if err := rows.Scan(&p.Kind, &p.Seq, &p.ToAccount, &p.Amount, &p.TxRef, &p.ExecutedAt); err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (Freshness, error) {
	var (
		f  Freshness
		at sql.NullTime
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT events_applied, last_event_at FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&f.EventsApplied, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return f, nil
	}
	f.AsOf = nullTime(at)
	return f, err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}
