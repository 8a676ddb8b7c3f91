package confirm

import (
	"time"

	"BattleLedger/internal/payment"
)

// Kind identifies what an intent funds.
type Kind string

const (
	KindBattleStart  Kind = "battle_start"
	KindBattleAccept Kind = "battle_accept"
	KindBattleVote   Kind = "battle_vote"
	KindStakeLock    Kind = "stake_lock"
	KindStakeUnlock  Kind = "stake_unlock"
	KindStakeRedeem  Kind = "stake_redeem"
)

// Offer links an external intent to the entity it funds.
type Offer struct {
	IntentID   string            `json:"intent_id"`
	Kind       Kind              `json:"kind"`
	EntityID   string            `json:"entity_id"`
	Actor      string            `json:"actor"`
	Amount     int64             `json:"amount"`
	Side       string            `json:"side,omitempty"`
	ContentRef string            `json:"content_ref,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Event is one observation of an intent, from a poll, a webhook or the
// reconciliation sweep.
type Event struct {
	IntentID  string
	Signed    bool
	Succeeded bool
	Expired   bool
	Payer     string
	TxRef     string
}

// EventFromStatus converts a gateway status into an Event.
func EventFromStatus(st payment.Status) Event {
	return Event{
		IntentID:  st.IntentID,
		Signed:    st.Signed,
		Succeeded: st.Succeeded,
		Expired:   st.Expired,
		Payer:     st.Payer,
		TxRef:     st.TxRef,
	}
}

// Result values carried by an Outcome.
const (
	ResultPending   = "pending"
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// Outcome is what a confirmation produced. Once stored under the
// processed marker it is returned verbatim for every later delivery.
type Outcome struct {
	IntentID    string            `json:"intent_id"`
	Kind        Kind              `json:"kind"`
	EntityID    string            `json:"entity_id"`
	Result      string            `json:"result"`
	Reason      string            `json:"reason,omitempty"`
	TxRef       string            `json:"tx_ref,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	ProcessedAt time.Time         `json:"processed_at"`
}

// Phase is where an intent is in its confirmation lifecycle.
type Phase uint8

const (
	PhaseUnknown Phase = iota
	PhaseAwaiting
	PhaseProcessed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaiting:
		return "awaiting"
	case PhaseProcessed:
		return "processed"
	default:
		return "unknown"
	}
}

// State is the stored view of one intent.
type State struct {
	Phase   Phase
	Offer   *Offer
	Outcome *Outcome
}

// Effect is a side effect the tracker must perform after a transition.
type Effect uint8

const (
	// EffectApply runs the domain handler for the offer's kind.
	EffectApply Effect = iota + 1
	// EffectMarkProcessed writes the processed marker with the outcome.
	EffectMarkProcessed
	// EffectDropOffer deletes the offer and its pending-index entry.
	EffectDropOffer
	// EffectReplay returns the stored outcome unchanged.
	EffectReplay
	// EffectRejectUnknown reports a confirmation for an intent we never
	// tracked, or whose offer expired.
	EffectRejectUnknown
	// EffectRefundPayer returns a settled payment made by an account other
	// than the one that requested it.
	EffectRefundPayer
)

// Transition is the pure confirmation state machine. It never touches the
// store; the tracker performs the returned effects in order.
func Transition(st State, ev Event) (State, []Effect) {
	switch st.Phase {
	case PhaseProcessed:
		return st, []Effect{EffectReplay}

	case PhaseUnknown:
		return st, []Effect{EffectRejectUnknown}

	case PhaseAwaiting:
		offer := st.Offer
		switch {
		case ev.Signed && ev.Succeeded:
			if ev.Payer != "" && ev.Payer != offer.Actor {
				return processed(st, failed(offer, ev, "payer does not match the requesting account")),
					[]Effect{EffectRefundPayer, EffectMarkProcessed, EffectDropOffer}
			}
			next := processed(st, &Outcome{
				IntentID: offer.IntentID,
				Kind:     offer.Kind,
				EntityID: offer.EntityID,
				Result:   ResultSucceeded,
				TxRef:    ev.TxRef,
			})
			return next, []Effect{EffectApply, EffectMarkProcessed, EffectDropOffer}

		case ev.Signed && !ev.Succeeded:
			return processed(st, failed(offer, ev, "payment was rejected")),
				[]Effect{EffectMarkProcessed, EffectDropOffer}

		case ev.Expired:
			return processed(st, failed(offer, ev, "payment request expired")),
				[]Effect{EffectMarkProcessed, EffectDropOffer}

		default:
			return st, nil
		}
	}
	return st, nil
}

func processed(st State, out *Outcome) State {
	return State{Phase: PhaseProcessed, Offer: st.Offer, Outcome: out}
}

func failed(offer *Offer, ev Event, reason string) *Outcome {
	return &Outcome{
		IntentID: offer.IntentID,
		Kind:     offer.Kind,
		EntityID: offer.EntityID,
		Result:   ResultFailed,
		Reason:   reason,
		TxRef:    ev.TxRef,
	}
}

// PendingOutcome is reported while an awaiting intent is not yet signed.
func PendingOutcome(offer *Offer) Outcome {
	return Outcome{
		IntentID: offer.IntentID,
		Kind:     offer.Kind,
		EntityID: offer.EntityID,
		Result:   ResultPending,
	}
}
