package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionWorker folds lifecycle events into the battle history and
// player stats tables. The projection channel is non-blocking with drop;
// if projections fall behind, Rebuild replays the audit log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan event.EventEnvelope
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan event.EventEnvelope, log zerolog.Logger, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		log:       log,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, e); err != nil {
				// Projections are eventually consistent and can be
				// rebuilt from the audit log.
				pw.log.Warn().Err(err).
					Str("event_id", e.EventID.String()).
					Str("event_type", e.EventType.String()).
					Msg("projection update failed")
			}
		}
	}
}

// Apply folds one event and advances the watermark in a single
// transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, e event.EventEnvelope) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyEvent(ctx, tx, e); err != nil {
		return fmt.Errorf("%s: %w", e.EventType, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, events_applied, last_event_id, last_event_at, updated_at)
		VALUES ($1, 1, $2, $3, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			events_applied = projections.watermark.events_applied + 1,
			last_event_id = $2,
			last_event_at = $3,
			updated_at = NOW()
	`, watermarkID, e.EventID, e.Timestamp); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(e.EventType.String()).Observe(time.Since(start).Seconds())
	}
	return nil
}

func applyEvent(ctx context.Context, tx *sql.Tx, e event.EventEnvelope) error {
	switch e.EventType {
	case event.EventTypeBattleCreated:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO projections.battles (battle_id, challenger, target, status, challenge_fee, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (battle_id) DO NOTHING
		`, e.BattleID, e.Actor, e.Data["target"], e.Data["status"], e.Amount, e.Timestamp)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return bumpBattles(ctx, tx, e.Actor)

	case event.EventTypeBattleAccepted:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.battles
			SET acceptor = $2, accept_fee = $3, status = 'accepted', accepted_at = $4
			WHERE battle_id = $1
		`, e.BattleID, e.Actor, e.Amount, e.Timestamp); err != nil {
			return err
		}
		return bumpBattles(ctx, tx, e.Actor)

	case event.EventTypeVoteRecorded:
		column := "votes_a"
		if e.Data["side"] == "B" {
			column = "votes_b"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.battles
			SET `+column+` = `+column+` + 1, vote_volume = vote_volume + $2
			WHERE battle_id = $1
		`, e.BattleID, e.Amount); err != nil {
			return err
		}
		return bumpVotes(ctx, tx, e.Actor)

	case event.EventTypeBattleSettled:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.battles
			SET status = $2, winner = $3, pot = $4, ended_at = $5
			WHERE battle_id = $1
		`, e.BattleID, e.Data["status"], e.Data["winner"], e.Amount, e.Timestamp); err != nil {
			return err
		}
		return recordResult(ctx, tx, e.BattleID, e.Data["status"], e.Data["winner"])

	case event.EventTypeBattleCanceled, event.EventTypeBattleExpired, event.EventTypeBattleForceEnded:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.battles SET status = $2, ended_at = $3 WHERE battle_id = $1
		`, e.BattleID, terminalStatus(e.EventType), e.Timestamp)
		return err

	case event.EventTypePayoutExecuted:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.battles SET paid_out = paid_out + $2 WHERE battle_id = $1
		`, e.BattleID, e.Amount); err != nil {
			return err
		}
		switch e.Data["kind"] {
		case "poster", "voter":
			return addEarnings(ctx, tx, e.Actor, e.Amount)
		}
		return nil

	case event.EventTypeRefundIssued:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.battles SET refunded = refunded + $2 WHERE battle_id = $1
		`, e.BattleID, e.Amount); err != nil {
			return err
		}
		return addRefund(ctx, tx, e.Actor, e.Amount)

	case event.EventTypeRewardGranted:
		return addPoints(ctx, tx, e.Actor, e.Amount)
	}
	return nil
}

func terminalStatus(t event.EventType) string {
	switch t {
	case event.EventTypeBattleCanceled:
		return "canceled"
	case event.EventTypeBattleExpired:
		return "expired"
	default:
		return "force_ended"
	}
}

// Rebuild truncates the projection tables and replays the audit log in
// recording order.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) (int, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.battles`,
		`TRUNCATE projections.player_stats`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	events, err := loadAuditLog(ctx, db)
	if err != nil {
		return 0, err
	}

	pw := NewProjectionWorker(db, nil, log, nil)
	for _, e := range events {
		if err := pw.Apply(ctx, e); err != nil {
			return 0, fmt.Errorf("replay %s: %w", e.EventID, err)
		}
	}

	log.Info().Int("events", len(events)).Msg("projection rebuild complete")
	return len(events), nil
}
