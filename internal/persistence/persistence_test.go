package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsForLifecycleEvent(t *testing.T) {
	e := event.New(event.EventTypeVoteRecorded, "b1", "v1", testutil.Epoch).
		WithAmount(30000).
		With("side", "A")

	row, payout, err := persistence.Rows(e)
	require.NoError(t, err)
	assert.Nil(t, payout)
	assert.Equal(t, e.EventID.String(), row.EventID)
	assert.Equal(t, "VoteRecorded", row.EventType)
	assert.Equal(t, "b1", row.BattleID)
	assert.Equal(t, "v1", row.Actor)
	assert.Equal(t, int64(30000), row.Amount)
	assert.JSONEq(t, `{"side":"A"}`, string(row.Data))
	assert.True(t, row.OccurredAt.Equal(testutil.Epoch))
}

func TestRowsEmptyDataIsObject(t *testing.T) {
	row, _, err := persistence.Rows(event.New(event.EventTypeBattleForceEnded, "b1", "admin", testutil.Epoch))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(row.Data))
}

func TestRowsForPayout(t *testing.T) {
	e := event.New(event.EventTypePayoutExecuted, "b1", "rAlice", testutil.Epoch).
		WithAmount(204600).
		With("kind", "poster").
		With("seq", "0").
		With("tx_ref", "TX0")

	_, payout, err := persistence.Rows(e)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, persistence.PayoutRow{
		EventID:    e.EventID.String(),
		BattleID:   "b1",
		Kind:       "poster",
		Seq:        0,
		ToAccount:  "rAlice",
		Amount:     204600,
		TxRef:      "TX0",
		ExecutedAt: testutil.Epoch,
	}, *payout)
}

func TestRowsForRefund(t *testing.T) {
	e := event.New(event.EventTypeRefundIssued, "b1", "rBob", testutil.Epoch).
		WithAmount(75000).
		With("party", "acceptor").
		With("tx_ref", "R1")

	_, payout, err := persistence.Rows(e)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, "refund", payout.Kind)
	assert.Equal(t, -1, payout.Seq)
	assert.Equal(t, "R1", payout.TxRef)
}

func TestRowsRejectsBadSeq(t *testing.T) {
	e := event.New(event.EventTypePayoutExecuted, "b1", "rAlice", testutil.Epoch).With("seq", "x")
	_, _, err := persistence.Rows(e)
	assert.Error(t, err)
}

// ============================================================================
// Integration
// ============================================================================

func TestAuditWorkerWritesBatch(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	_, err := persistence.NewMigrator(db, "../../migrations", testutil.Logger()).Up(ctx)
	require.NoError(t, err)

	in := make(chan event.EventEnvelope, 8)
	w := persistence.NewAuditWorker(db, in, 10, 20*time.Millisecond, testutil.Logger(), nil)

	settled := event.New(event.EventTypeBattleSettled, "b1", "", testutil.Epoch).With("status", "paid")
	leg := event.New(event.EventTypePayoutExecuted, "b1", "rAlice", testutil.Epoch).
		WithAmount(204600).With("kind", "poster").With("seq", "0").With("tx_ref", "TX0")
	in <- settled
	in <- leg
	in <- leg // redelivery is ignored
	close(in)

	require.NoError(t, w.Run(ctx))

	var events, payouts int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM battle_log.events WHERE battle_id = 'b1'`).Scan(&events))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM battle_log.payouts WHERE battle_id = 'b1'`).Scan(&payouts))
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, payouts)

	var raw []byte
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT data FROM battle_log.events WHERE event_id = $1`, settled.EventID).Scan(&raw))
	var data map[string]string
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "paid", data["status"])
}
