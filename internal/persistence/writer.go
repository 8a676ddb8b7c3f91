package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"BattleLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditWriter writes lifecycle events and executed transfers to Postgres
// using multi-row INSERT. Writes are idempotent on the event id.
type AuditWriter struct {
	db *sql.DB
}

// EventRow represents a row in battle_log.events
type EventRow struct {
	EventID    string
	EventType  string
	BattleID   string
	Actor      string
	Amount     int64
	Data       []byte // JSON object
	OccurredAt time.Time
}

// PayoutRow represents a row in battle_log.payouts: one executed payout
// or refund leg.
type PayoutRow struct {
	EventID    string
	BattleID   string
	Kind       string // poster, voter, burn, treasury, refund
	Seq        int    // -1 for refunds
	ToAccount  string
	Amount     int64
	TxRef      string
	ExecutedAt time.Time
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// Rows converts an event into its audit rows. Payout and refund events
// additionally produce a payout row.
func Rows(e event.EventEnvelope) (EventRow, *PayoutRow, error) {
	data := []byte("{}")
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return EventRow{}, nil, fmt.Errorf("marshal event data: %w", err)
		}
	}
	row := EventRow{
		EventID:    e.EventID.String(),
		EventType:  e.EventType.String(),
		BattleID:   e.BattleID,
		Actor:      e.Actor,
		Amount:     e.Amount,
		Data:       data,
		OccurredAt: e.Timestamp,
	}

	var payout *PayoutRow
	switch e.EventType {
	case event.EventTypePayoutExecuted:
		seq, err := strconv.Atoi(e.Data["seq"])
		if err != nil {
			return EventRow{}, nil, fmt.Errorf("payout event %s: bad seq %q", row.EventID, e.Data["seq"])
		}
		payout = &PayoutRow{Kind: e.Data["kind"], Seq: seq}
	case event.EventTypeRefundIssued:
		payout = &PayoutRow{Kind: "refund", Seq: -1}
	}
	if payout != nil {
		payout.EventID = row.EventID
		payout.BattleID = e.BattleID
		payout.ToAccount = e.Actor
		payout.Amount = e.Amount
		payout.TxRef = e.Data["tx_ref"]
		payout.ExecutedAt = e.Timestamp
	}
	return row, payout, nil
}

// WriteEventBatch writes a batch of events to battle_log.events.
func (w *AuditWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO battle_log.events
		(event_id, event_type, battle_id, actor, amount, data, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.EventID, e.EventType, e.BattleID, e.Actor, e.Amount, e.Data, e.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WritePayoutBatch writes executed legs to battle_log.payouts.
func (w *AuditWriter) WritePayoutBatch(ctx context.Context, ex execer, payouts []PayoutRow) error {
	if len(payouts) == 0 {
		return nil
	}

	query := `INSERT INTO battle_log.payouts
		(event_id, battle_id, kind, seq, to_account, amount, tx_ref, executed_at)
		VALUES `

	values := make([]string, 0, len(payouts))
	args := make([]any, 0, len(payouts)*8)

	for i, p := range payouts {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			p.EventID, p.BattleID, p.Kind, p.Seq, p.ToAccount, p.Amount, p.TxRef, p.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
