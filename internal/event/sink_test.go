package event_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutDropsWhenProjectionFull(t *testing.T) {
	persist := make(chan event.EventEnvelope, 4)
	projection := make(chan event.EventEnvelope, 1)
	f := event.NewFanout(persist, projection, nil, testutil.Logger(), nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.Emit(ctx, event.New(event.EventTypeVoteRecorded, "b1", "rAlice", testutil.Epoch))
	}

	assert.Len(t, persist, 3)
	assert.Len(t, projection, 1)
}

func TestFanoutPersistRespectsContext(t *testing.T) {
	persist := make(chan event.EventEnvelope)
	f := event.NewFanout(persist, nil, nil, testutil.Logger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.Emit(ctx, event.New(event.EventTypeBattleCreated, "b1", "", testutil.Epoch))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit did not return after context deadline")
	}
}

func TestEnvelopeJSONUsesTypeName(t *testing.T) {
	e := event.New(event.EventTypeBattleSettled, "b1", "", testutil.Epoch).With("outcome", "paid").WithAmount(10)
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"BattleSettled"`)

	var back event.EventEnvelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, event.EventTypeBattleSettled, back.EventType)
	assert.Equal(t, "paid", back.Data["outcome"])
	assert.Equal(t, e.EventID, back.EventID)
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	base := event.New(event.EventTypeBattleCreated, "b1", "", testutil.Epoch).With("a", "1")
	derived := base.With("b", "2")
	assert.NotContains(t, base.Data, "b")
	assert.Equal(t, "2", derived.Data["b"])
}
