package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"BattleLedger/internal/event"

	"github.com/google/uuid"
)

func upsertStat(ctx context.Context, tx *sql.Tx, account, column string, delta int64) error {
	if account == "" || delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.player_stats (account, `+column+`)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE
		SET `+column+` = projections.player_stats.`+column+` + EXCLUDED.`+column,
		account, delta)
	return err
}

func bumpBattles(ctx context.Context, tx *sql.Tx, account string) error {
	return upsertStat(ctx, tx, account, "battles", 1)
}

func bumpVotes(ctx context.Context, tx *sql.Tx, account string) error {
	return upsertStat(ctx, tx, account, "votes_cast", 1)
}

func addEarnings(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	return upsertStat(ctx, tx, account, "earnings", amount)
}

func addRefund(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	return upsertStat(ctx, tx, account, "refunds", amount)
}

func addPoints(ctx context.Context, tx *sql.Tx, account string, points int64) error {
	return upsertStat(ctx, tx, account, "points", points)
}

// recordResult credits wins, losses or draws to the two participants of a
// settled battle. Other settlement statuses leave the record unchanged.
func recordResult(ctx context.Context, tx *sql.Tx, battleID, status, winner string) error {
	if status != "paid" && status != "draw" {
		return nil
	}

	var challenger, acceptor string
	err := tx.QueryRowContext(ctx, `
		SELECT challenger, acceptor FROM projections.battles WHERE battle_id = $1
	`, battleID).Scan(&challenger, &acceptor)
	if errors.Is(err, sql.ErrNoRows) {
		// Created before the projection existed; Rebuild will fill it in.
		return nil
	}
	if err != nil {
		return err
	}

	if status == "draw" {
		if err := upsertStat(ctx, tx, challenger, "draws", 1); err != nil {
			return err
		}
		return upsertStat(ctx, tx, acceptor, "draws", 1)
	}

	won, lost := challenger, acceptor
	if winner == "B" {
		won, lost = acceptor, challenger
	}
	if err := upsertStat(ctx, tx, won, "wins", 1); err != nil {
		return err
	}
	return upsertStat(ctx, tx, lost, "losses", 1)
}

func loadAuditLog(ctx context.Context, db *sql.DB) ([]event.EventEnvelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, event_type, battle_id, actor, amount, data, occurred_at
		FROM battle_log.events
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer rows.Close()

	var events []event.EventEnvelope
	for rows.Next() {
		var (
			e        event.EventEnvelope
			id, kind string
			data     []byte
		)
		if err := rows.Scan(&id, &kind, &e.BattleID, &e.Actor, &e.Amount, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.EventID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("audit event id %q: %w", id, err)
		}
		e.EventType = event.ParseEventType(kind)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("audit event %s data: %w", id, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
