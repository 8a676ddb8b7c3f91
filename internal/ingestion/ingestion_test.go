package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/event"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
)

// ============================================================================
// Parser
// ============================================================================

func TestParsePaymentMessage(t *testing.T) {
	data := []byte(`{"intent_id":"intent-1","status":"succeeded","payer":"rAlice","tx_ref":"ABC","timestamp_us":1700000000000000}`)

	msg, err := ingestion.ParsePaymentMessage(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	st := msg.Status
	if st.IntentID != "intent-1" {
		t.Errorf("intent: got %s, want intent-1", st.IntentID)
	}
	if !st.Signed || !st.Succeeded || st.Expired {
		t.Errorf("flags: got %+v, want signed+succeeded", st)
	}
	if st.Payer != "rAlice" || st.TxRef != "ABC" {
		t.Errorf("payer/tx: got %s/%s", st.Payer, st.TxRef)
	}
	if !msg.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", msg.Timestamp)
	}
}

func TestParsePaymentMessageStatuses(t *testing.T) {
	cases := map[string]payment.Status{
		"pending":  {IntentID: "i"},
		"signed":   {IntentID: "i"},
		"rejected": {IntentID: "i", Signed: true},
		"FAILED":   {IntentID: "i", Signed: true},
		"expired":  {IntentID: "i", Expired: true},
	}
	for status, want := range cases {
		data, _ := json.Marshal(map[string]string{"intent_id": "i", "status": status})
		msg, err := ingestion.ParsePaymentMessage(data)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", status, err)
		}
		if msg.Status != want {
			t.Errorf("%s: got %+v, want %+v", status, msg.Status, want)
		}
	}
}

func TestParsePaymentMessageRejectsBadInput(t *testing.T) {
	bad := []string{
		`not json`,
		`{"status":"succeeded"}`,
		`{"intent_id":"i","status":"teleported"}`,
		`{"intent_id":"i","status":"succeeded"}`,
	}
	for _, in := range bad {
		_, err := ingestion.ParsePaymentMessage([]byte(in))
		if err == nil {
			t.Errorf("%s: expected error", in)
			continue
		}
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: kind %s, want validation", in, apperr.KindOf(err))
		}
	}
}

func TestEncodePaymentMessageRoundTrip(t *testing.T) {
	for _, st := range []payment.Status{
		{IntentID: "a", Signed: true, Succeeded: true, Payer: "rAlice", TxRef: "T1"},
		{IntentID: "b", Signed: true},
		{IntentID: "c", Expired: true},
		{IntentID: "d"},
	} {
		data, err := ingestion.EncodePaymentMessage(st, testutil.Epoch)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		msg, err := ingestion.ParsePaymentMessage(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msg.Status != st {
			t.Errorf("got %+v, want %+v", msg.Status, st)
		}
	}
}

// ============================================================================
// Subscriber
// ============================================================================

type stubHandler struct {
	err   error
	calls int
}

func (h *stubHandler) HandlePaymentStatus(_ context.Context, st payment.Status) (confirm.Outcome, error) {
	h.calls++
	return confirm.Outcome{IntentID: st.IntentID, Result: confirm.ResultSucceeded}, h.err
}

type ackRecorder struct{ acked, naked int }

func (a *ackRecorder) raw(data string) ingestion.RawMessage {
	return ingestion.RawMessage{
		Subject: "battles.payments.i",
		Data:    []byte(data),
		AckFunc: func() { a.acked++ },
		NakFunc: func() { a.naked++ },
	}
}

const succeeded = `{"intent_id":"i","status":"succeeded","tx_ref":"T"}`

func TestProcessAcknowledges(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		err    error
		acked  int
		naked  int
		called int
	}{
		{"applied", succeeded, nil, 1, 0, 1},
		{"malformed", `{`, nil, 1, 0, 0},
		{"unknown intent", succeeded, confirm.ErrUnknownIntent, 1, 0, 1},
		{"conflict", succeeded, apperr.New(apperr.KindConflict, "x", "x"), 1, 0, 1},
		{"busy", succeeded, apperr.New(apperr.KindBusy, "lock_busy", "busy"), 0, 1, 1},
		{"transient", succeeded, errors.New("connection reset"), 0, 1, 1},
	}
	for _, c := range cases {
		h := &stubHandler{err: c.err}
		sub := ingestion.NewPaymentSubscriber(nil, h, 1, testutil.Logger())
		rec := &ackRecorder{}

		sub.Process(context.Background(), rec.raw(c.data))

		if rec.acked != c.acked || rec.naked != c.naked {
			t.Errorf("%s: ack/nak = %d/%d, want %d/%d", c.name, rec.acked, rec.naked, c.acked, c.naked)
		}
		if h.calls != c.called {
			t.Errorf("%s: handler calls = %d, want %d", c.name, h.calls, c.called)
		}
	}
}

// ============================================================================
// Publisher
// ============================================================================

type fakeJS struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{Stream: ingestion.EventsStream}, nil
}

func TestSubject(t *testing.T) {
	e := event.New(event.EventTypeBattleSettled, "b1", "", testutil.Epoch)
	if got := ingestion.Subject(e); got != "battles.events.BattleSettled.b1" {
		t.Errorf("subject: got %s", got)
	}
	e.BattleID = ""
	if got := ingestion.Subject(e); got != "battles.events.BattleSettled" {
		t.Errorf("subject: got %s", got)
	}
}

func TestPublisherDrainsChannel(t *testing.T) {
	js := &fakeJS{}
	ch := make(chan event.EventEnvelope, 4)
	pub := ingestion.NewOutboundPublisher(js, ch, testutil.Logger())

	ch <- event.New(event.EventTypeBattleCreated, "b1", "rAlice", testutil.Epoch)
	ch <- event.New(event.EventTypeVoteRecorded, "b1", "v1", testutil.Epoch).With("side", "A")
	close(ch)

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(js.subjects) != 2 {
		t.Fatalf("published %d, want 2", len(js.subjects))
	}
	if js.subjects[1] != "battles.events.VoteRecorded.b1" {
		t.Errorf("subject: got %s", js.subjects[1])
	}

	var back event.EventEnvelope
	if err := json.Unmarshal(js.bodies[1], &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.EventType != event.EventTypeVoteRecorded || back.Data["side"] != "A" {
		t.Errorf("body: got %+v", back)
	}
}

func TestRelayPaymentStatus(t *testing.T) {
	js := &fakeJS{}
	st := payment.Status{IntentID: "intent-9", Signed: true, Succeeded: true, Payer: "rAlice", TxRef: "T9"}

	if err := ingestion.RelayPaymentStatus(context.Background(), js, st, testutil.Epoch); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(js.subjects) != 1 || js.subjects[0] != "battles.payments.intent-9" {
		t.Fatalf("subjects: got %v", js.subjects)
	}
	msg, err := ingestion.ParsePaymentMessage(js.bodies[0])
	if err != nil {
		t.Fatalf("parse relayed: %v", err)
	}
	if msg.Status != st {
		t.Errorf("relayed status: got %+v, want %+v", msg.Status, st)
	}
}
