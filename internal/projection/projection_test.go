package projection_test

import (
	"context"
	"testing"

	"BattleLedger/internal/event"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/projection"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func battleEvents() []event.EventEnvelope {
	at := testutil.Epoch
	return []event.EventEnvelope{
		event.New(event.EventTypeBattleCreated, "b1", "rAlice", at).WithAmount(150000).With("status", "open"),
		event.New(event.EventTypeBattleAccepted, "b1", "rBob", at).WithAmount(75000),
		event.New(event.EventTypeVoteRecorded, "b1", "v1", at).WithAmount(30000).With("side", "A"),
		event.New(event.EventTypeVoteRecorded, "b1", "v2", at).WithAmount(30000).With("side", "A"),
		event.New(event.EventTypeVoteRecorded, "b1", "v3", at).WithAmount(30000).With("side", "B"),
		event.New(event.EventTypeBattleSettled, "b1", "", at).WithAmount(315000).
			With("status", "paid").With("winner", "A"),
		event.New(event.EventTypePayoutExecuted, "b1", "rAlice", at).WithAmount(204600).
			With("kind", "poster").With("seq", "0").With("tx_ref", "T0"),
		event.New(event.EventTypePayoutExecuted, "b1", "rBurn", at).WithAmount(375).
			With("kind", "burn").With("seq", "3").With("tx_ref", "T3"),
		event.New(event.EventTypeRewardGranted, "b1", "rAlice", at).WithAmount(100).With("reason", "battle_win"),
		event.New(event.EventTypeRewardGranted, "b1", "rBob", at).WithAmount(25).With("reason", "battle_loss"),
	}
}

func TestApplyBuildsHistoryAndStats(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_, err := persistence.NewMigrator(db, "../../migrations", testutil.Logger()).Up(ctx)
	require.NoError(t, err)

	pw := projection.NewProjectionWorker(db, nil, testutil.Logger(), nil)
	for _, e := range battleEvents() {
		require.NoError(t, pw.Apply(ctx, e))
	}

	var (
		status, winner, acceptor string
		votesA, votesB           int
		paidOut                  int64
	)
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT status, winner, acceptor, votes_a, votes_b, paid_out
		FROM projections.battles WHERE battle_id = 'b1'
	`).Scan(&status, &winner, &acceptor, &votesA, &votesB, &paidOut))
	assert.Equal(t, "paid", status)
	assert.Equal(t, "A", winner)
	assert.Equal(t, "rBob", acceptor)
	assert.Equal(t, 2, votesA)
	assert.Equal(t, 1, votesB)
	assert.Equal(t, int64(204975), paidOut)

	var wins, losses int
	var earnings, points int64
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT wins, losses, earnings, points FROM projections.player_stats WHERE account = 'rAlice'
	`).Scan(&wins, &losses, &earnings, &points))
	assert.Equal(t, 1, wins)
	assert.Equal(t, 0, losses)
	assert.Equal(t, int64(204600), earnings)
	assert.Equal(t, int64(100), points)

	var burnRows int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projections.player_stats WHERE account = 'rBurn'`).Scan(&burnRows))
	assert.Zero(t, burnRows)

	var applied int64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT events_applied FROM projections.watermark WHERE worker_id = 'main'`).Scan(&applied))
	assert.Equal(t, int64(len(battleEvents())), applied)
}

func TestRebuildReplaysAuditLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_, err := persistence.NewMigrator(db, "../../migrations", testutil.Logger()).Up(ctx)
	require.NoError(t, err)

	in := make(chan event.EventEnvelope, 16)
	for _, e := range battleEvents() {
		in <- e
	}
	close(in)
	require.NoError(t, persistence.NewAuditWorker(db, in, 100, 0, testutil.Logger(), nil).Run(ctx))

	n, err := projection.Rebuild(ctx, db, testutil.Logger())
	require.NoError(t, err)
	assert.Equal(t, len(battleEvents()), n)

	var losses int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT losses FROM projections.player_stats WHERE account = 'rBob'`).Scan(&losses))
	assert.Equal(t, 1, losses)
}
