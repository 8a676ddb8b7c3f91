// Package event defines the battle lifecycle events and the fan-out that
// feeds the audit log, the projections and the outbound stream.
package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBattleCreated
	EventTypeBattleAccepted
	EventTypeVoteRecorded
	EventTypeBattleSettled
	EventTypeBattleCanceled
	EventTypeBattleExpired
	EventTypeBattleForceEnded
	EventTypePayoutExecuted
	EventTypeRefundIssued
	EventTypeRewardGranted
	EventTypeNotification
)

// EventEnvelope wraps every lifecycle event.
type EventEnvelope struct {
	EventID   uuid.UUID         `json:"event_id"`
	EventType EventType         `json:"event_type"`
	BattleID  string            `json:"battle_id"`
	Actor     string            `json:"actor,omitempty"`
	Amount    int64             `json:"amount,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// New builds an envelope with a fresh id.
func New(t EventType, battleID, actor string, at time.Time) EventEnvelope {
	return EventEnvelope{
		EventID:   uuid.New(),
		EventType: t,
		BattleID:  battleID,
		Actor:     actor,
		Timestamp: at,
	}
}

// With sets a data field and returns the envelope for chaining.
func (e EventEnvelope) With(k, v string) EventEnvelope {
	data := make(map[string]string, len(e.Data)+1)
	for dk, dv := range e.Data {
		data[dk] = dv
	}
	data[k] = v
	e.Data = data
	return e
}

// WithAmount sets the amount.
func (e EventEnvelope) WithAmount(amount int64) EventEnvelope {
	e.Amount = amount
	return e
}

func (et EventType) String() string {
	switch et {
	case EventTypeBattleCreated:
		return "BattleCreated"
	case EventTypeBattleAccepted:
		return "BattleAccepted"
	case EventTypeVoteRecorded:
		return "VoteRecorded"
	case EventTypeBattleSettled:
		return "BattleSettled"
	case EventTypeBattleCanceled:
		return "BattleCanceled"
	case EventTypeBattleExpired:
		return "BattleExpired"
	case EventTypeBattleForceEnded:
		return "BattleForceEnded"
	case EventTypePayoutExecuted:
		return "PayoutExecuted"
	case EventTypeRefundIssued:
		return "RefundIssued"
	case EventTypeRewardGranted:
		return "RewardGranted"
	case EventTypeNotification:
		return "Notification"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for t := EventTypeBattleCreated; t <= EventTypeNotification; t++ {
		if t.String() == s {
			return t
		}
	}
	return EventTypeUnknown
}

// MarshalText and UnmarshalText carry the type by name in JSON.
func (et EventType) MarshalText() ([]byte, error) { return []byte(et.String()), nil }

func (et *EventType) UnmarshalText(b []byte) error {
	*et = ParseEventType(string(b))
	return nil
}
