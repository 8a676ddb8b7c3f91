// Package payment defines the ports to the external wallet-signing gateway
// and transfer executor, plus an HTTP client for both.
package payment

import (
	"context"
	"time"
)

// IntentSpec describes a payment the actor must sign.
type IntentSpec struct {
	Kind        string        `json:"kind"`
	Payer       string        `json:"payer"`
	Destination string        `json:"destination"`
	Amount      int64         `json:"amount"`
	Memo        string        `json:"memo,omitempty"`
	Reference   string        `json:"reference"`
	ExpiresIn   time.Duration `json:"-"`
}

// Intent is a created, unsigned payment request.
type Intent struct {
	ID        string    `json:"intent_id"`
	SignURL   string    `json:"sign_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Status is the gateway's view of an intent.
type Status struct {
	IntentID  string `json:"intent_id"`
	Signed    bool   `json:"signed"`
	Succeeded bool   `json:"succeeded"`
	Expired   bool   `json:"expired"`
	Payer     string `json:"payer,omitempty"`
	TxRef     string `json:"tx_ref,omitempty"`
}

// Gateway creates payment intents and reports their signing status.
type Gateway interface {
	CreateIntent(ctx context.Context, spec IntentSpec) (Intent, error)
	PollStatus(ctx context.Context, intentID string) (Status, error)
}

// Transfer moves funds out of the battle pot. IdempotencyKey lets the
// executor discard a repeated request for the same leg.
type Transfer struct {
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Memo           string `json:"memo,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Executor performs transfers and returns the ledger transaction reference.
type Executor interface {
	Transfer(ctx context.Context, t Transfer) (string, error)
}
