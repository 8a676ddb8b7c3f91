package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCreateAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/intents":
			var spec payment.IntentSpec
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
			assert.Equal(t, int64(30000), spec.Amount)
			json.NewEncoder(w).Encode(payment.Intent{ID: "intent-1", SignURL: "https://sign/intent-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/intents/intent-1":
			json.NewEncoder(w).Encode(payment.Status{Signed: true, Succeeded: true, Payer: "rAlice", TxRef: "TX1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := payment.NewClient(srv.URL, "key", time.Second, nil)
	ctx := context.Background()

	intent, err := c.CreateIntent(ctx, payment.IntentSpec{Kind: "battle_vote", Payer: "rAlice", Amount: 30000})
	require.NoError(t, err)
	assert.Equal(t, "intent-1", intent.ID)

	st, err := c.PollStatus(ctx, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, "intent-1", st.IntentID)
	assert.True(t, st.Succeeded)
	assert.Equal(t, "TX1", st.TxRef)
}

func TestClientTransferSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "b1:0", r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(map[string]string{"tx_ref": "TX9"})
	}))
	defer srv.Close()

	c := payment.NewClient(srv.URL, "", time.Second, nil)
	ref, err := c.Transfer(context.Background(), payment.Transfer{To: "rBob", Amount: 10, IdempotencyKey: "b1:0"})
	require.NoError(t, err)
	assert.Equal(t, "TX9", ref)
}

func TestClientErrorIsDependencyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := payment.NewClient(srv.URL, "", time.Second, nil)
	_, err := c.PollStatus(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
}

func TestParseWebhookVerifiesSignature(t *testing.T) {
	body := []byte(`{"intent_id":"i1","signed":true,"succeeded":true,"payer":"rAlice"}`)

	st, err := payment.ParseWebhook(body, payment.Sign(body, "s3cret"), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "i1", st.IntentID)
	assert.True(t, st.Signed)

	_, err = payment.ParseWebhook(body, "deadbeef", "s3cret")
	assert.True(t, errors.Is(err, payment.ErrBadSignature))

	_, err = payment.ParseWebhook([]byte(`{"signed":true}`), "", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
