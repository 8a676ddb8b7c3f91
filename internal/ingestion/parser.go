package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/payment"
)

// --- JSON wire format ---
// The gateway relay publishes one message per intent status change.
// Field names use snake_case to match the relay.

type paymentStatusJSON struct {
	IntentID    string `json:"intent_id"`
	Status      string `json:"status"` // pending, signed, succeeded, rejected, expired
	Payer       string `json:"payer"`
	TxRef       string `json:"tx_ref"`
	TimestampUs int64  `json:"timestamp_us"`
}

// PaymentMessage is a parsed relay message.
type PaymentMessage struct {
	Status    payment.Status
	Timestamp time.Time
}

// ParsePaymentMessage converts relay JSON into a gateway status.
func ParsePaymentMessage(data []byte) (PaymentMessage, error) {
	var j paymentStatusJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PaymentMessage{}, apperr.Validation("bad_payment_message", "parse payment message: %v", err)
	}
	if j.IntentID == "" {
		return PaymentMessage{}, apperr.Validation("bad_payment_message", "intent_id is required")
	}

	st := payment.Status{IntentID: j.IntentID, Payer: j.Payer, TxRef: j.TxRef}
	switch strings.ToLower(j.Status) {
	case "pending", "signed", "":
		// Signed but not yet validated on the ledger is still pending.
	case "succeeded":
		st.Signed = true
		st.Succeeded = true
	case "rejected", "failed":
		st.Signed = true
	case "expired":
		st.Expired = true
	default:
		return PaymentMessage{}, apperr.Validation("bad_payment_message", "unknown status %q", j.Status)
	}
	if st.Succeeded && st.TxRef == "" {
		return PaymentMessage{}, apperr.Validation("bad_payment_message", "succeeded intent %s has no tx_ref", j.IntentID)
	}

	msg := PaymentMessage{Status: st}
	if j.TimestampUs > 0 {
		msg.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	return msg, nil
}

// EncodePaymentMessage is the inverse of ParsePaymentMessage. Used by the
// HTTP webhook to relay gateway callbacks onto the stream.
func EncodePaymentMessage(st payment.Status, at time.Time) ([]byte, error) {
	status := "pending"
	switch {
	case st.Signed && st.Succeeded:
		status = "succeeded"
	case st.Signed:
		status = "rejected"
	case st.Expired:
		status = "expired"
	}
	data, err := json.Marshal(paymentStatusJSON{
		IntentID:    st.IntentID,
		Status:      status,
		Payer:       st.Payer,
		TxRef:       st.TxRef,
		TimestampUs: at.UnixMicro(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payment message: %w", err)
	}
	return data, nil
}
