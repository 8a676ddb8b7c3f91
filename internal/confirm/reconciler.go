package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/payment"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Scanned  int
	Resolved int
	Pending  int
	Orphans  int
	Failed   int
}

// Reconciler polls the gateway for offers nobody confirmed. It catches
// intents whose client never came back and webhooks that were lost.
type Reconciler struct {
	tracker *Tracker
	gateway payment.Gateway
	limiter *rate.Limiter
	minAge  time.Duration
	batch   int64
	log     zerolog.Logger
}

func NewReconciler(
	tracker *Tracker,
	gateway payment.Gateway,
	qps float64,
	minAge time.Duration,
	batch int64,
	log zerolog.Logger,
) *Reconciler {
	if qps <= 0 {
		qps = 5
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		tracker: tracker,
		gateway: gateway,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
		minAge:  minAge,
		batch:   batch,
		log:     log,
	}
}

// Sweep runs one pass over offers older than the minimum age.
func (r *Reconciler) Sweep(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	ids, err := r.tracker.Pending(ctx, r.tracker.now().Add(-r.minAge), r.batch)
	if err != nil {
		return rep, err
	}
	if r.tracker.metrics != nil {
		r.tracker.metrics.ConfirmPending.Set(float64(len(ids)))
	}

	for _, id := range ids {
		rep.Scanned++
		st, err := r.tracker.Lookup(ctx, id)
		if err != nil {
			rep.Failed++
			r.log.Warn().Err(err).Str("intent_id", id).Msg("reconcile lookup failed")
			continue
		}

		switch st.Phase {
		case PhaseUnknown:
			// Offer expired without a confirmation. Nothing to apply.
			rep.Orphans++
			r.log.Error().Str("intent_id", id).Msg("pending index entry has no offer, dropping")
			if r.tracker.metrics != nil {
				r.tracker.metrics.ConfirmOrphans.Inc()
			}
			if err := r.tracker.Forget(ctx, id); err != nil {
				r.log.Warn().Err(err).Str("intent_id", id).Msg("forget orphan failed")
			}
			r.polled("orphan")
			continue

		case PhaseProcessed:
			if err := r.tracker.Forget(ctx, id); err != nil {
				r.log.Warn().Err(err).Str("intent_id", id).Msg("forget processed intent failed")
			}
			r.polled("already_processed")
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		status, err := r.gateway.PollStatus(ctx, id)
		if err != nil {
			rep.Failed++
			r.polled("poll_error")
			r.log.Warn().Err(err).Str("intent_id", id).Msg("gateway poll failed")
			continue
		}
		status.IntentID = id

		out, err := r.tracker.Resolve(ctx, EventFromStatus(status))
		if err != nil {
			rep.Failed++
			if errors.Is(err, context.Canceled) {
				return rep, err
			}
			lvl := r.log.Warn()
			if apperr.KindOf(err) == apperr.KindConsistency {
				lvl = r.log.Error()
			}
			lvl.Err(err).Str("intent_id", id).Msg("reconcile resolve failed")
			r.polled("resolve_error")
			continue
		}

		if out.Result == ResultPending {
			rep.Pending++
		} else {
			rep.Resolved++
		}
		r.polled(out.Result)
	}

	if rep.Scanned > 0 {
		r.log.Info().
			Int("scanned", rep.Scanned).
			Int("resolved", rep.Resolved).
			Int("pending", rep.Pending).
			Int("orphans", rep.Orphans).
			Int("failed", rep.Failed).
			Msg("reconcile sweep complete")
	}
	return rep, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Error().Err(fmt.Errorf("reconcile sweep: %w", err)).Msg("sweep failed")
			}
		}
	}
}

func (r *Reconciler) polled(status string) {
	if r.tracker.metrics != nil {
		r.tracker.metrics.ReconcilePolled.WithLabelValues(status).Inc()
	}
}
