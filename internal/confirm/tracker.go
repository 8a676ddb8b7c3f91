// Package confirm tracks payment intents awaiting external signing and
// applies their domain effect exactly once.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/lock"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownIntent is a confirmation for an intent with no offer and
	// no processed marker.
	ErrUnknownIntent = apperr.New(apperr.KindConsistency, "unknown_intent", "no pending offer for this payment")
	// ErrNoHandler means an offer kind was tracked without a handler.
	ErrNoHandler = apperr.New(apperr.KindConsistency, "no_handler", "no handler registered for payment kind")
)

const pendingIndexKey = "confirm:pending"

func offerKey(id string) string      { return "confirm:offer:" + id }
func markerKey(id string) string     { return "processed:" + id }
func intentLockKey(id string) string { return "confirm:" + id + ":lock" }

// Handler performs the domain transition for one kind. A returned error
// leaves the intent unprocessed so a later delivery retries; a failed
// business outcome must be returned as an Outcome with ResultFailed.
type Handler interface {
	Apply(ctx context.Context, offer Offer, ev Event) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, offer Offer, ev Event) (Outcome, error)

func (f HandlerFunc) Apply(ctx context.Context, offer Offer, ev Event) (Outcome, error) {
	return f(ctx, offer, ev)
}

// Config controls tracker TTLs.
type Config struct {
	OfferTTL      time.Duration // how long an unconfirmed offer is kept
	MarkerTTL     time.Duration // how long processed outcomes are kept
	LockTTL       time.Duration
	CacheCapacity int
}

// DefaultConfig returns production TTLs.
func DefaultConfig() Config {
	return Config{
		OfferTTL:      24 * time.Hour,
		MarkerTTL:     30 * 24 * time.Hour,
		LockTTL:       30 * time.Second,
		CacheCapacity: 100_000,
	}
}

// Tracker stores offers and resolves confirmations through Transition.
type Tracker struct {
	store    kv.Store
	locks    *lock.Manager
	cfg      Config
	handlers map[Kind]Handler
	mismatch Handler
	cache    *outcomeCache
	now      func() time.Time
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewTracker(
	store kv.Store,
	locks *lock.Manager,
	cfg Config,
	now func() time.Time,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:    store,
		locks:    locks,
		cfg:      cfg,
		handlers: make(map[Kind]Handler),
		cache:    newOutcomeCache(cfg.CacheCapacity),
		now:      now,
		log:      log,
		metrics:  metrics,
	}
}

// Register installs the handler for kind. Not safe to call concurrently
// with Resolve; register everything at startup.
func (t *Tracker) Register(kind Kind, h Handler) {
	t.handlers[kind] = h
}

// OnPayerMismatch installs the handler that returns money received from an
// account other than the offer's actor. ev.Payer is the account to repay.
// Without one the payment is only logged.
func (t *Tracker) OnPayerMismatch(h Handler) {
	t.mismatch = h
}

// Track stores offer and indexes it for reconciliation.
func (t *Tracker) Track(ctx context.Context, offer Offer) error {
	if offer.IntentID == "" {
		return apperr.Validation("missing_intent", "intent id is required")
	}
	offer.CreatedAt = t.now()
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	err = t.store.Atomic(ctx, func(tx kv.Tx) {
		tx.Set(offerKey(offer.IntentID), string(data), t.cfg.OfferTTL)
		tx.ZAdd(pendingIndexKey, kv.Millis(offer.CreatedAt), offer.IntentID)
	})
	if err != nil {
		return fmt.Errorf("track offer %s: %w", offer.IntentID, err)
	}
	return nil
}

// Lookup loads the stored state for intentID.
func (t *Tracker) Lookup(ctx context.Context, intentID string) (State, error) {
	if raw, err := t.store.Get(ctx, markerKey(intentID)); err == nil {
		var out Outcome
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return State{}, fmt.Errorf("decode outcome %s: %w", intentID, err)
		}
		return State{Phase: PhaseProcessed, Outcome: &out}, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return State{}, err
	}

	raw, err := t.store.Get(ctx, offerKey(intentID))
	if errors.Is(err, kv.ErrNotFound) {
		return State{Phase: PhaseUnknown}, nil
	}
	if err != nil {
		return State{}, err
	}
	var offer Offer
	if err := json.Unmarshal([]byte(raw), &offer); err != nil {
		return State{}, fmt.Errorf("decode offer %s: %w", intentID, err)
	}
	return State{Phase: PhaseAwaiting, Offer: &offer}, nil
}

// Resolve applies ev. Delivering the same successful confirmation any
// number of times runs the handler once and returns the same Outcome.
func (t *Tracker) Resolve(ctx context.Context, ev Event) (Outcome, error) {
	if out, ok := t.cache.Get(ev.IntentID); ok {
		if t.metrics != nil {
			t.metrics.ConfirmCacheHits.Inc()
		}
		return out, nil
	}

	var result Outcome
	err := t.locks.WithLock(ctx, intentLockKey(ev.IntentID), t.cfg.LockTTL, func(ctx context.Context) error {
		st, err := t.Lookup(ctx, ev.IntentID)
		if err != nil {
			return err
		}

		next, effects := Transition(st, ev)
		if len(effects) == 0 {
			result = PendingOutcome(st.Offer)
			return nil
		}

		for _, eff := range effects {
			switch eff {
			case EffectReplay:
				result = *st.Outcome
				t.record(st.Outcome.Kind, "replayed")

			case EffectRejectUnknown:
				t.log.Error().Str("intent_id", ev.IntentID).Msg("confirmation for unknown intent")
				t.record("", "unknown")
				return ErrUnknownIntent.WithReason("no pending offer for intent %s", ev.IntentID)

			case EffectApply:
				out, err := t.apply(ctx, *next.Offer, ev)
				if err != nil {
					t.record(next.Offer.Kind, "error")
					return err
				}
				next.Outcome = &out

			case EffectRefundPayer:
				t.log.Error().
					Str("intent_id", ev.IntentID).
					Str("actor", next.Offer.Actor).
					Str("payer", ev.Payer).
					Str("tx_ref", ev.TxRef).
					Int64("amount", next.Offer.Amount).
					Msg("payment settled by an unexpected payer")
				if t.mismatch == nil {
					t.record(next.Offer.Kind, "unrefunded")
					continue
				}
				out, err := t.mismatch.Apply(ctx, *next.Offer, ev)
				if err != nil {
					t.record(next.Offer.Kind, "error")
					return fmt.Errorf("refund payer of %s: %w", ev.IntentID, err)
				}
				for k, v := range out.Data {
					if next.Outcome.Data == nil {
						next.Outcome.Data = make(map[string]string)
					}
					next.Outcome.Data[k] = v
				}

			case EffectMarkProcessed:
				next.Outcome.ProcessedAt = t.now()
				stored, err := t.markProcessed(ctx, *next.Outcome)
				if err != nil {
					return err
				}
				result = stored
				t.record(stored.Kind, stored.Result)

			case EffectDropOffer:
				if err := t.dropOffer(ctx, ev.IntentID); err != nil {
					t.log.Warn().Err(err).Str("intent_id", ev.IntentID).Msg("drop offer failed")
				}
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if result.Result != ResultPending {
		t.cache.Add(ev.IntentID, result)
	}
	return result, nil
}

func (t *Tracker) apply(ctx context.Context, offer Offer, ev Event) (Outcome, error) {
	h, ok := t.handlers[offer.Kind]
	if !ok {
		t.log.Error().Str("intent_id", offer.IntentID).Str("kind", string(offer.Kind)).Msg("no handler for offer kind")
		return Outcome{}, ErrNoHandler.WithReason("no handler for %s", offer.Kind)
	}
	out, err := h.Apply(ctx, offer, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("apply %s %s: %w", offer.Kind, offer.IntentID, err)
	}
	out.IntentID = offer.IntentID
	out.Kind = offer.Kind
	out.EntityID = offer.EntityID
	if out.Result == "" {
		out.Result = ResultSucceeded
	}
	if out.TxRef == "" {
		out.TxRef = ev.TxRef
	}
	return out, nil
}

// markProcessed writes the marker once. If another writer got there first
// (only possible when the intent lock expired mid-apply) the stored
// outcome wins.
func (t *Tracker) markProcessed(ctx context.Context, out Outcome) (Outcome, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal outcome: %w", err)
	}
	ok, err := t.store.SetNX(ctx, markerKey(out.IntentID), string(data), t.cfg.MarkerTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark processed %s: %w", out.IntentID, err)
	}
	if ok {
		return out, nil
	}
	t.log.Warn().Str("intent_id", out.IntentID).Msg("processed marker already present, keeping stored outcome")
	st, err := t.Lookup(ctx, out.IntentID)
	if err != nil {
		return Outcome{}, err
	}
	if st.Outcome == nil {
		return out, nil
	}
	return *st.Outcome, nil
}

func (t *Tracker) dropOffer(ctx context.Context, intentID string) error {
	return t.store.Atomic(ctx, func(tx kv.Tx) {
		tx.Del(offerKey(intentID))
		tx.ZRem(pendingIndexKey, intentID)
	})
}

// Pending lists intent ids tracked before cutoff, oldest first.
func (t *Tracker) Pending(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	entries, err := t.store.ZRangeByScore(ctx, pendingIndexKey, math.Inf(-1), kv.Millis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Member
	}
	return ids, nil
}

// Forget removes intentID from the pending index without touching any
// offer or marker.
func (t *Tracker) Forget(ctx context.Context, intentID string) error {
	return t.store.ZRem(ctx, pendingIndexKey, intentID)
}

func (t *Tracker) record(kind Kind, result string) {
	if t.metrics != nil {
		t.metrics.ConfirmResolved.WithLabelValues(string(kind), result).Inc()
	}
}
