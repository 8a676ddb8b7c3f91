package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/payment"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes lifecycle events for downstream consumers
// (notifications, rewards, analytics).
// Subjects follow the pattern: battles.events.{event_type}.{battle_id}
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan event.EventEnvelope
	timeout   time.Duration
	log       zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan event.EventEnvelope, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		timeout:   5 * time.Second,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the audit log directly.
				op.log.Warn().Err(err).
					Str("event_id", evt.EventID.String()).
					Str("event_type", evt.EventType.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one event. The event id is the JetStream message id so a
// retried publish is deduplicated by the stream.
func (op *OutboundPublisher) Publish(ctx context.Context, evt event.EventEnvelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()
	_, err = op.js.Publish(pctx, Subject(evt), data, jetstream.WithMsgID(evt.EventID.String()))
	return err
}

// Subject builds battles.events.{event_type}[.{battle_id}].
func Subject(evt event.EventEnvelope) string {
	subject := "battles.events." + evt.EventType.String()
	if evt.BattleID != "" {
		subject += "." + evt.BattleID
	}
	return subject
}

// RelayPaymentStatus puts a gateway callback onto the payments stream so
// every replica's subscriber sees it. The message id makes a repeated
// callback for the same state a no-op.
func RelayPaymentStatus(ctx context.Context, js Publisher, st payment.Status, at time.Time) error {
	data, err := EncodePaymentMessage(st, at)
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%s:%t:%t:%t", st.IntentID, st.Signed, st.Succeeded, st.Expired)
	if _, err := js.Publish(ctx, PaymentSubject(st.IntentID), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("relay payment status %s: %w", st.IntentID, err)
	}
	return nil
}
