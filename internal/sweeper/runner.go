// Package sweeper runs the periodic background jobs: settling battles
// whose voting has ended, expiring battles nobody accepted, and
// reconciling payment confirmations that never arrived.
package sweeper

import (
	"context"
	"errors"
	"time"

	"BattleLedger/internal/confirm"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Settler settles due battles.
type Settler interface {
	SettleDue(ctx context.Context, limit int64) (int, error)
}

// Expirer expires stale battles.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int64) (int, error)
}

// Reconciler resolves stale payment confirmations.
type Reconciler interface {
	Sweep(ctx context.Context) (confirm.ReconcileReport, error)
}

// Intervals between job passes. A zero interval disables the job.
type Intervals struct {
	Settle    time.Duration
	Expire    time.Duration
	Reconcile time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Settle: 30 * time.Second, Expire: 5 * time.Minute, Reconcile: time.Minute}
}

// Runner drives the jobs on their own tickers.
type Runner struct {
	settler    Settler
	expirer    Expirer
	reconciler Reconciler
	intervals  Intervals
	batch      int64
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewRunner(s Settler, e Expirer, r Reconciler, intervals Intervals, batch int64, log zerolog.Logger, metrics *observability.Metrics) *Runner {
	if batch <= 0 {
		batch = 100
	}
	return &Runner{
		settler:    s,
		expirer:    e,
		reconciler: r,
		intervals:  intervals,
		batch:      batch,
		log:        log,
		metrics:    metrics,
	}
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r.settler != nil && r.intervals.Settle > 0 {
		g.Go(func() error { return r.loop(ctx, "settle", r.intervals.Settle, r.SettleOnce) })
	}
	if r.expirer != nil && r.intervals.Expire > 0 {
		g.Go(func() error { return r.loop(ctx, "expire", r.intervals.Expire, r.ExpireOnce) })
	}
	if r.reconciler != nil && r.intervals.Reconcile > 0 {
		g.Go(func() error { return r.loop(ctx, "reconcile", r.intervals.Reconcile, r.ReconcileOnce) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, job string, every time.Duration, once func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	r.log.Info().Str("job", job).Dur("interval", every).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := once(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Str("job", job).Msg("sweep failed")
			}
		}
	}
}

// SettleOnce runs one settle pass.
func (r *Runner) SettleOnce(ctx context.Context) error {
	start := time.Now()
	n, err := r.settler.SettleDue(ctx, r.batch)
	r.record("settle", start, err)
	if n > 0 {
		r.log.Info().Int("settled", n).Msg("due battles settled")
	}
	return err
}

// ExpireOnce runs one expiry pass.
func (r *Runner) ExpireOnce(ctx context.Context) error {
	start := time.Now()
	n, err := r.expirer.ExpireStale(ctx, r.batch)
	r.record("expire", start, err)
	if n > 0 {
		r.log.Info().Int("expired", n).Msg("stale battles expired")
	}
	return err
}

// ReconcileOnce runs one reconciliation pass.
func (r *Runner) ReconcileOnce(ctx context.Context) error {
	start := time.Now()
	rep, err := r.reconciler.Sweep(ctx)
	r.record("reconcile", start, err)
	if rep.Scanned > 0 {
		r.log.Info().
			Int("scanned", rep.Scanned).
			Int("resolved", rep.Resolved).
			Int("pending", rep.Pending).
			Int("orphans", rep.Orphans).
			Int("failed", rep.Failed).
			Msg("confirmations reconciled")
	}
	return err
}

func (r *Runner) record(job string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.SweepRuns.WithLabelValues(job, result).Inc()
	r.metrics.SweepDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
