package battle

import (
	"fmt"

	"BattleLedger/internal/apperr"
)

// Status is the lifecycle state of a battle.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusOpen
	StatusAccepted
	StatusPaid
	StatusDraw
	StatusCompletedNoVotes
	StatusCanceledOneSided
	StatusCanceled
	StatusForceEnded
	StatusExpired
)

// AllStatuses lists every status, in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusOpen, StatusAccepted, StatusPaid, StatusDraw,
	StatusCompletedNoVotes, StatusCanceledOneSided, StatusCanceled,
	StatusForceEnded, StatusExpired,
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	case StatusAccepted:
		return "accepted"
	case StatusPaid:
		return "paid"
	case StatusDraw:
		return "draw"
	case StatusCompletedNoVotes:
		return "completed_no_votes"
	case StatusCanceledOneSided:
		return "canceled_one_sided"
	case StatusCanceled:
		return "canceled"
	case StatusForceEnded:
		return "force_ended"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ParseStatus accepts the canonical names plus the "cancelled" spelling
// found in older records.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "open":
		return StatusOpen, nil
	case "accepted":
		return StatusAccepted, nil
	case "paid":
		return StatusPaid, nil
	case "draw":
		return StatusDraw, nil
	case "completed_no_votes":
		return StatusCompletedNoVotes, nil
	case "canceled_one_sided":
		return StatusCanceledOneSided, nil
	case "canceled", "cancelled":
		return StatusCanceled, nil
	case "force_ended":
		return StatusForceEnded, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, apperr.Validation("invalid_status", "unknown battle status %q", s)
	}
}

// MarshalText and UnmarshalText let Status travel as its name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsWaiting reports whether the battle is waiting for an acceptor.
func (s Status) IsWaiting() bool {
	return s == StatusPending || s == StatusOpen
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusCanceled, StatusForceEnded, StatusExpired},
	StatusOpen:     {StatusAccepted, StatusCanceled, StatusForceEnded, StatusExpired},
	StatusAccepted: {StatusPaid, StatusDraw, StatusCompletedNoVotes, StatusCanceledOneSided, StatusCanceled, StatusForceEnded},
}

// ErrInvalidTransition is returned for any move not in the table.
var ErrInvalidTransition = apperr.New(apperr.KindConflict, "invalid_transition", "battle cannot move to that status")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition.WithReason("battle cannot move from %s to %s", from, to)
	}
	return nil
}
