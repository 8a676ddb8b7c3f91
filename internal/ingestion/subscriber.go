package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/payment"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and subject layout.
const (
	PaymentsStream   = "BATTLE_PAYMENTS"
	PaymentsSubjects = "battles.payments.>"
	PaymentsConsumer = "battled-payments"

	EventsStream   = "BATTLE_EVENTS"
	EventsSubjects = "battles.events.>"
)

// PaymentSubject is where the relay publishes status changes of intentID.
func PaymentSubject(intentID string) string { return "battles.payments." + intentID }

// RawMessage is one delivery from the stream with its ack controls.
type RawMessage struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or permanently unusable
	NakFunc   func() // redeliver later
}

// StatusHandler resolves a payment status.
type StatusHandler interface {
	HandlePaymentStatus(ctx context.Context, st payment.Status) (confirm.Outcome, error)
}

// PaymentSubscriber consumes gateway status changes relayed over
// JetStream and feeds them to the confirmation tracker. Delivery is at
// least once; the tracker makes redelivery harmless.
type PaymentSubscriber struct {
	js        jetstream.JetStream
	handler   StatusHandler
	msgChan   chan RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewPaymentSubscriber(js jetstream.JetStream, handler StatusHandler, buffer int, log zerolog.Logger) *PaymentSubscriber {
	if buffer <= 0 {
		buffer = 256
	}
	return &PaymentSubscriber{
		js:      js,
		handler: handler,
		msgChan: make(chan RawMessage, buffer),
		log:     log,
	}
}

// Subscribe creates the durable consumer.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PaymentSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PaymentsStream, jetstream.ConsumerConfig{
		Durable:       PaymentsConsumer,
		FilterSubject: PaymentsSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PaymentsConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawMessage{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.NakWithDelay(5 * time.Second) },
		}
		select {
		case ps.msgChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PaymentsConsumer, err)
	}
	ps.consumers = append(ps.consumers, cc)
	ps.log.Info().Str("subject", PaymentsSubjects).Str("consumer", PaymentsConsumer).Msg("subscribed")
	return nil
}

// Run processes deliveries until ctx is canceled.
func (ps *PaymentSubscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-ps.msgChan:
			ps.Process(ctx, raw)
		}
	}
}

// Process handles one delivery. Malformed messages and confirmations for
// intents we never tracked are acknowledged and dropped; anything that
// may succeed later is redelivered.
func (ps *PaymentSubscriber) Process(ctx context.Context, raw RawMessage) {
	msg, err := ParsePaymentMessage(raw.Data)
	if err != nil {
		ps.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping malformed payment message")
		raw.ack()
		return
	}

	out, err := ps.handler.HandlePaymentStatus(ctx, msg.Status)
	switch {
	case err == nil:
		ps.log.Debug().
			Str("intent_id", out.IntentID).
			Str("result", out.Result).
			Msg("payment status applied")
		raw.ack()
	case errors.Is(err, confirm.ErrUnknownIntent):
		raw.ack()
	case permanent(err):
		ps.log.Error().Err(err).Str("intent_id", msg.Status.IntentID).Msg("payment status rejected")
		raw.ack()
	default:
		ps.log.Warn().Err(err).Str("intent_id", msg.Status.IntentID).Msg("payment status failed, redelivering")
		raw.nak()
	}
}

func permanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
		return true
	}
	return false
}

func (r RawMessage) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawMessage) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// Stop stops all consumers.
func (ps *PaymentSubscriber) Stop() {
	for _, cc := range ps.consumers {
		cc.Stop()
	}
	ps.log.Info().Msg("payment subscriber stopped")
}

// EnsureStreams creates the JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PaymentsStream,
			Subjects:  []string{PaymentsSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventsSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("battled"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
