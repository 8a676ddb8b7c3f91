package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/kv"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPayoutInFlight means another entrant has claimed a leg and not yet
// finished it. The caller retries after the claim resolves or expires.
var ErrPayoutInFlight = apperr.New(apperr.KindBusy, "payout_in_flight", "a payout for this battle is in progress, retry")

const (
	claimPrefix = "claimed:"
	donePrefix  = "done:"
	// markerTTL keeps done markers well past any plausible retry.
	markerTTL = 30 * 24 * time.Hour
)

// legRunner executes one transfer at most once per marker key.
//
// Marker lifecycle: absent -> claimed:{token} (claim TTL) -> done:{txRef}.
// A failed transfer deletes the claim so a retry can take it again; a
// crashed holder's claim expires. The transfer also carries an idempotency
// key so a retry after an expired claim is deduplicated by the executor.
type legRunner struct {
	kv       kv.Store
	exec     payment.Executor
	claimTTL time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// legResult reports one leg.
type legResult struct {
	TxRef    string
	Executed bool // false when the leg was already done
}

func (r *legRunner) run(ctx context.Context, marker string, kind string, t payment.Transfer) (legResult, error) {
	if ref, done, err := r.done(ctx, marker); err != nil {
		return legResult{}, err
	} else if done {
		return legResult{TxRef: ref}, nil
	}

	token := claimPrefix + uuid.NewString()
	claimed, err := r.kv.SetNX(ctx, marker, token, r.claimTTL)
	if err != nil {
		return legResult{}, fmt.Errorf("claim %s: %w", marker, err)
	}
	if !claimed {
		// Someone finished it between our read and claim, or holds it now.
		if ref, done, err := r.done(ctx, marker); err != nil {
			return legResult{}, err
		} else if done {
			return legResult{TxRef: ref}, nil
		}
		return legResult{}, ErrPayoutInFlight.WithReason("leg %s is claimed by another settlement", marker)
	}

	ref, err := r.exec.Transfer(ctx, t)
	if err != nil {
		if r.metrics != nil {
			r.metrics.PayoutFailures.WithLabelValues(kind).Inc()
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, derr := r.kv.CompareAndDelete(rctx, marker, token); derr != nil {
			r.log.Error().Err(derr).Str("marker", marker).Msg("release payout claim failed")
		}
		return legResult{}, fmt.Errorf("transfer %s: %w", t.IdempotencyKey, err)
	}

	if err := r.kv.Set(ctx, marker, donePrefix+ref, markerTTL); err != nil {
		// The transfer went out. A retry re-sends with the same
		// idempotency key, which the executor deduplicates.
		r.log.Error().Err(err).Str("marker", marker).Str("tx_ref", ref).Msg("mark payout done failed")
		return legResult{}, fmt.Errorf("mark %s done: %w", marker, err)
	}

	if r.metrics != nil {
		r.metrics.PayoutsExecuted.WithLabelValues(kind).Inc()
		r.metrics.PayoutAmount.WithLabelValues(kind).Add(float64(t.Amount))
	}
	return legResult{TxRef: ref, Executed: true}, nil
}

func (r *legRunner) done(ctx context.Context, marker string) (string, bool, error) {
	v, err := r.kv.Get(ctx, marker)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", marker, err)
	}
	if strings.HasPrefix(v, donePrefix) {
		return strings.TrimPrefix(v, donePrefix), true, nil
	}
	return "", false, nil
}
